package ml

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	ErrMissingFeature      = errors.New("missing feature")
	ErrInvalidFeatureValue = errors.New("invalid feature value")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
)

// FeatureError reports which contract feature failed validation.
type FeatureError struct {
	Name string
	Err  error
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *FeatureError) Unwrap() error {
	return e.Err
}

// FeatureSet is the ordered feature contract shared by data generation,
// training, scaling and serving. Order is significant.
type FeatureSet struct {
	names []string
	index map[string]int
}

func NewFeatureSet(names []string) (FeatureSet, error) {
	if len(names) == 0 {
		return FeatureSet{}, errors.New("feature list is empty")
	}
	index := make(map[string]int, len(names))
	ordered := make([]string, len(names))
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return FeatureSet{}, fmt.Errorf("feature %d has an empty name", i)
		}
		if _, dup := index[name]; dup {
			return FeatureSet{}, fmt.Errorf("duplicate feature %q", name)
		}
		index[name] = i
		ordered[i] = name
	}
	return FeatureSet{names: ordered, index: index}, nil
}

func DefaultFeatureNames() []string {
	return []string{
		"age",
		"gender",
		"smoking",
		"alcohol",
		"physical_inactivity",
		"family_history",
		"personal_cancer_history",
		"obesity",
		"hormonal_therapy",
		"weight_loss",
		"persistent_cough",
		"dysphagia",
		"bleeding",
		"new_lump",
		"skin_lesion",
		"abdominal_pain",
	}
}

func DefaultFeatureSet() FeatureSet {
	fs, _ := NewFeatureSet(DefaultFeatureNames())
	return fs
}

// LoadFeatureNames reads a plain text feature list, one name per line.
func LoadFeatureNames(path string) (FeatureSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return FeatureSet{}, err
	}
	defer file.Close()

	var names []string
	scanner := bufio.NewScanner(file)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// pandas writes the Series name "0" as a header line
		if first && line == "0" {
			first = false
			continue
		}
		first = false
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return FeatureSet{}, err
	}
	fs, err := NewFeatureSet(names)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return fs, nil
}

func WriteFeatureNames(path string, fs FeatureSet) error {
	return os.WriteFile(path, []byte(strings.Join(fs.names, "\n")+"\n"), 0o644)
}

func (fs FeatureSet) Names() []string {
	return append([]string(nil), fs.names...)
}

func (fs FeatureSet) Len() int {
	return len(fs.names)
}

func (fs FeatureSet) Index(name string) (int, bool) {
	idx, ok := fs.index[name]
	return idx, ok
}

func (fs FeatureSet) Equal(other FeatureSet) bool {
	if len(fs.names) != len(other.names) {
		return false
	}
	for i := range fs.names {
		if fs.names[i] != other.names[i] {
			return false
		}
	}
	return true
}

// Vector looks the values up in contract order. Values are coerced to
// integers; fractional parts are truncated.
func (fs FeatureSet) Vector(values map[string]any) ([]float64, error) {
	vector := make([]float64, len(fs.names))
	for i, name := range fs.names {
		raw, ok := values[name]
		if !ok {
			return nil, &FeatureError{Name: name, Err: ErrMissingFeature}
		}
		v, err := coerceInt(raw)
		if err != nil {
			return nil, &FeatureError{Name: name, Err: err}
		}
		vector[i] = v
	}
	return vector, nil
}

// FeatureVector is the float form of Vector, used by offline tools that
// already hold numeric rows.
func (fs FeatureSet) FeatureVector(values map[string]float64) ([]float64, error) {
	generic := make(map[string]any, len(values))
	for k, v := range values {
		generic[k] = v
	}
	return fs.Vector(generic)
}

func (fs FeatureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(fs.names)
}

func (fs *FeatureSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := NewFeatureSet(names)
	if err != nil {
		return err
	}
	*fs = parsed
	return nil
}

func coerceInt(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFeatureValue, v.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFeatureValue, v)
		}
		f = parsed
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidFeatureValue, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFeatureValue, f)
	}
	return math.Trunc(f), nil
}
