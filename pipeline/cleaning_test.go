package pipeline

import (
	"math"
	"testing"

	"oncorisk/ml"
)

func validRecord(line int) *Record {
	values := make([]float64, len(ml.DefaultFeatureNames()))
	values[0] = 55
	values[2] = 1
	return &Record{Line: line, Values: values, Risk: 1, Type: 0}
}

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner(ml.DefaultFeatureSet(), 2, nil, nil)
	if cleaner == nil {
		t.Fatal("NewDataCleaner returned nil")
	}

	if len(cleaner.rules) != 4 {
		t.Errorf("got %d default rules, want 4", len(cleaner.rules))
	}
}

func TestNewDataCleanerBinaryFeatures(t *testing.T) {
	features, err := ml.NewFeatureSet([]string{"age", "smoking", "bmi"})
	if err != nil {
		t.Fatalf("feature set: %v", err)
	}
	rec := &Record{Line: 2, Values: []float64{50, 1, 27.4}, Risk: 0, Type: 1}

	// bmi is not one of the default indicator columns
	cleaner := NewDataCleaner(features, 2, nil, nil)
	if cleaned, issues := cleaner.Clean([]*Record{rec}); len(cleaned) != 1 {
		t.Fatalf("continuous bmi rejected: %v", issues)
	}

	strict := NewDataCleaner(features, 2, []string{"smoking", "bmi"}, nil)
	if cleaned, _ := strict.Clean([]*Record{rec}); len(cleaned) != 0 {
		t.Error("expected bmi to be rejected when listed as binary")
	}
	if got := strict.GetStats().Issues["binary_features"]; got != 1 {
		t.Errorf("binary_features rejections = %d, want 1", got)
	}

	// an empty list disables the check
	if n := len(NewDataCleaner(features, 2, []string{}, nil).rules); n != 3 {
		t.Errorf("got %d rules with no binary features, want 3", n)
	}
}

func TestFiniteValueRule(t *testing.T) {
	rule := NewFiniteValueRule(ml.DefaultFeatureSet())

	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{name: "valid record", mutate: func(*Record) {}, wantErr: false},
		{name: "missing feature", mutate: func(r *Record) { r.Values[3] = math.NaN() }, wantErr: true},
		{name: "infinite feature", mutate: func(r *Record) { r.Values[0] = math.Inf(1) }, wantErr: true},
		{name: "missing label", mutate: func(r *Record) { r.Risk = math.NaN() }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord(2)
			tt.mutate(rec)
			_, err := rule.Apply(rec)
			if (err != nil) != tt.wantErr {
				t.Errorf("FiniteValueRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLabelValidationRule(t *testing.T) {
	rule := NewLabelValidationRule(2)

	tests := []struct {
		name    string
		risk    float64
		typ     float64
		wantErr bool
	}{
		{name: "negative row", risk: 0, typ: 0, wantErr: false},
		{name: "positive row type 1", risk: 1, typ: 1, wantErr: false},
		{name: "risk not binary", risk: 2, typ: 0, wantErr: true},
		{name: "type out of range", risk: 1, typ: 2, wantErr: true},
		{name: "negative type", risk: 1, typ: -1, wantErr: true},
		{name: "fractional type", risk: 1, typ: 0.5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord(2)
			rec.Risk, rec.Type = tt.risk, tt.typ
			_, err := rule.Apply(rec)
			if (err != nil) != tt.wantErr {
				t.Errorf("LabelValidationRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRangeValidationRule(t *testing.T) {
	rule := NewRangeValidationRule("age", 0, 0, 120)

	tests := []struct {
		name    string
		age     float64
		wantErr bool
	}{
		{name: "adult", age: 45, wantErr: false},
		{name: "upper bound", age: 120, wantErr: false},
		{name: "too old", age: 130, wantErr: true},
		{name: "negative", age: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord(2)
			rec.Values[0] = tt.age
			_, err := rule.Apply(rec)
			if (err != nil) != tt.wantErr {
				t.Errorf("RangeValidationRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBinaryFeatureRule(t *testing.T) {
	features := ml.DefaultFeatureSet()
	rule := NewBinaryFeatureRule(features, []string{"smoking", "obesity", "not_a_feature"})

	rec := validRecord(2)
	if _, err := rule.Apply(rec); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	idx, _ := features.Index("obesity")
	rec.Values[idx] = 3
	if _, err := rule.Apply(rec); err == nil {
		t.Error("expected error for non-binary obesity")
	}
}

func TestDuplicateDetectionRule(t *testing.T) {
	rule := NewDuplicateDetectionRule()

	if _, err := rule.Apply(validRecord(2)); err != nil {
		t.Fatalf("first record should pass: %v", err)
	}

	if _, err := rule.Apply(validRecord(3)); err == nil {
		t.Error("expected duplicate detection error")
	}

	other := validRecord(4)
	other.Values[0] = 60
	if _, err := rule.Apply(other); err != nil {
		t.Errorf("distinct record rejected: %v", err)
	}
}

func TestDataCleanerClean(t *testing.T) {
	cleaner := NewDataCleaner(ml.DefaultFeatureSet(), 2, nil, nil)

	bad := validRecord(3)
	bad.Values[5] = math.NaN()
	old := validRecord(4)
	old.Values[0] = 150

	records := []*Record{validRecord(2), bad, old, validRecord(5)}
	cleaned, issues := cleaner.Clean(records)

	if len(cleaned) != 2 {
		t.Errorf("expected 2 clean records, got %d", len(cleaned))
	}
	if len(issues) != 2 {
		t.Errorf("expected 2 issues, got %d", len(issues))
	}

	stats := cleaner.GetStats()
	if stats.TotalProcessed != 4 {
		t.Errorf("expected 4 total processed, got %d", stats.TotalProcessed)
	}
	if stats.Rejected != 2 {
		t.Errorf("expected 2 rejected, got %d", stats.Rejected)
	}
	if stats.Issues["finite_values"] != 1 || stats.Issues["age_range"] != 1 {
		t.Errorf("unexpected issue counts: %v", stats.Issues)
	}
}

func TestGetIssues(t *testing.T) {
	cleaner := NewDataCleaner(ml.DefaultFeatureSet(), 2, nil, nil)

	for i := 0; i < 3; i++ {
		rec := validRecord(i + 2)
		rec.Risk = 5
		cleaner.Clean([]*Record{rec})
	}

	issues := cleaner.GetIssues(2)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[1].Line != 4 {
		t.Errorf("expected latest issue from line 4, got %d", issues[1].Line)
	}

	cleaner.ClearIssues()
	if len(cleaner.GetIssues(0)) != 0 {
		t.Error("issues not cleared")
	}
}
