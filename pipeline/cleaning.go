package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"oncorisk/ml"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Record) (*Record, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Line      int       `json:"line"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules      []CleaningRule
	issues     []QualityIssue
	issuesLock sync.RWMutex
	logger     *zap.Logger

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// DefaultBinaryFeatures lists the 0/1 indicator columns of the default
// clinical contract.
func DefaultBinaryFeatures() []string {
	var names []string
	for _, name := range ml.DefaultFeatureNames() {
		if name != "age" {
			names = append(names, name)
		}
	}
	return names
}

// NewDataCleaner builds a cleaner with the default clinical rules for the
// given feature contract. Only the binary names present in the contract are
// checked for 0/1 values; nil means DefaultBinaryFeatures.
func NewDataCleaner(features ml.FeatureSet, numTypes int, binary []string, logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		rules:  make([]CleaningRule, 0),
		issues: make([]QualityIssue, 0),
		logger: logger,
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}

	// 添加默认规则
	cleaner.AddRule(NewFiniteValueRule(features))
	cleaner.AddRule(NewLabelValidationRule(numTypes))
	if idx, ok := features.Index("age"); ok {
		cleaner.AddRule(NewRangeValidationRule("age", idx, 0, 120))
	}
	if binary == nil {
		binary = DefaultBinaryFeatures()
	}
	if rule := NewBinaryFeatureRule(features, binary); len(rule.indices) > 0 {
		cleaner.AddRule(rule)
	}

	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 清洗数据
func (dc *DataCleaner) Clean(records []*Record) ([]*Record, []QualityIssue) {
	var cleaned []*Record
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for _, rec := range records {
		dc.stats.TotalProcessed++

		var recordIssues []QualityIssue
		for _, rule := range dc.rules {
			cleanedRecord, err := rule.Apply(rec)
			if err != nil {
				recordIssues = append(recordIssues, QualityIssue{
					Type:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Timestamp: time.Now(),
					Line:      rec.Line,
				})
				dc.stats.Issues[rule.Name()]++
				break
			}
			if cleanedRecord != nil {
				rec = cleanedRecord
			}
		}

		if len(recordIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, recordIssues...)
			dc.issuesLock.Lock()
			dc.issues = append(dc.issues, recordIssues...)
			dc.issuesLock.Unlock()
			continue
		}
		dc.stats.Passed++
		cleaned = append(cleaned, rec)
	}

	dc.stats.LastClean = time.Now()
	if dc.stats.Rejected > 0 {
		dc.logger.Info("dropped invalid rows",
			zap.Int64("rejected", dc.stats.Rejected),
			zap.Int64("passed", dc.stats.Passed),
		)
	}

	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues 获取问题列表
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}

	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = make([]QualityIssue, 0)
}

// ============ 清洗规则实现 ============

// FiniteValueRule drops rows with missing or non-finite values.
type FiniteValueRule struct {
	names []string
}

func NewFiniteValueRule(features ml.FeatureSet) *FiniteValueRule {
	return &FiniteValueRule{names: features.Names()}
}

func (r *FiniteValueRule) Name() string {
	return "finite_values"
}

func (r *FiniteValueRule) Apply(rec *Record) (*Record, error) {
	for i, v := range rec.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %s is missing or not finite", r.names[i])
		}
	}
	if math.IsNaN(rec.Risk) || math.IsNaN(rec.Type) {
		return nil, fmt.Errorf("label is missing")
	}
	return rec, nil
}

// LabelValidationRule 标签验证规则
type LabelValidationRule struct {
	NumTypes int
}

func NewLabelValidationRule(numTypes int) *LabelValidationRule {
	return &LabelValidationRule{NumTypes: numTypes}
}

func (r *LabelValidationRule) Name() string {
	return "label_validation"
}

func (r *LabelValidationRule) Apply(rec *Record) (*Record, error) {
	if rec.Risk != 0 && rec.Risk != 1 {
		return nil, fmt.Errorf("risk label %v is not binary", rec.Risk)
	}
	if rec.Type != math.Trunc(rec.Type) || rec.Type < 0 || int(rec.Type) >= r.NumTypes {
		return nil, fmt.Errorf("type label %v outside [0,%d)", rec.Type, r.NumTypes)
	}
	return rec, nil
}

// RangeValidationRule 数值范围验证规则
type RangeValidationRule struct {
	Feature string
	Index   int
	Min     float64
	Max     float64
}

func NewRangeValidationRule(feature string, index int, min, max float64) *RangeValidationRule {
	return &RangeValidationRule{Feature: feature, Index: index, Min: min, Max: max}
}

func (r *RangeValidationRule) Name() string {
	return r.Feature + "_range"
}

func (r *RangeValidationRule) Apply(rec *Record) (*Record, error) {
	v := rec.Values[r.Index]
	if v < r.Min || v > r.Max {
		return nil, fmt.Errorf("%s %.2f out of range [%.2f, %.2f]", r.Feature, v, r.Min, r.Max)
	}
	return rec, nil
}

// BinaryFeatureRule 二值特征验证规则
type BinaryFeatureRule struct {
	names   []string
	indices []int
}

func NewBinaryFeatureRule(features ml.FeatureSet, names []string) *BinaryFeatureRule {
	rule := &BinaryFeatureRule{}
	for _, name := range names {
		if idx, ok := features.Index(name); ok {
			rule.names = append(rule.names, name)
			rule.indices = append(rule.indices, idx)
		}
	}
	return rule
}

func (r *BinaryFeatureRule) Name() string {
	return "binary_features"
}

func (r *BinaryFeatureRule) Apply(rec *Record) (*Record, error) {
	for i, idx := range r.indices {
		if v := rec.Values[idx]; v != 0 && v != 1 {
			return nil, fmt.Errorf("feature %s must be 0 or 1, got %v", r.names[i], v)
		}
	}
	return rec, nil
}

// DuplicateDetectionRule 重复检测规则
type DuplicateDetectionRule struct {
	seenMap map[string]int
	mu      sync.Mutex
}

func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{
		seenMap: make(map[string]int),
	}
}

func (r *DuplicateDetectionRule) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule) Apply(rec *Record) (*Record, error) {
	parts := make([]string, 0, len(rec.Values)+2)
	for _, v := range rec.Values {
		parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
	}
	parts = append(parts, strconv.FormatFloat(rec.Risk, 'g', -1, 64), strconv.FormatFloat(rec.Type, 'g', -1, 64))
	key := strings.Join(parts, ",")

	r.mu.Lock()
	defer r.mu.Unlock()

	if line, exists := r.seenMap[key]; exists {
		return nil, fmt.Errorf("duplicate of line %d", line)
	}
	r.seenMap[key] = rec.Line
	return rec, nil
}
