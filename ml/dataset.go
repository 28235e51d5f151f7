package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

var ErrEmptyDataset = errors.New("dataset is empty")

// Dataset is a labeled sample: feature rows in contract order, a binary
// risk label and a cancer-type index per row.
type Dataset struct {
	Features FeatureSet
	X        [][]float64
	Risk     []int
	Type     []int
}

func (d *Dataset) Len() int {
	return len(d.X)
}

func (d *Dataset) Validate(numTypes int) error {
	if len(d.X) == 0 {
		return ErrEmptyDataset
	}
	if len(d.Risk) != len(d.X) || len(d.Type) != len(d.X) {
		return fmt.Errorf("%w: %d rows, %d risk labels, %d type labels", ErrDimensionMismatch, len(d.X), len(d.Risk), len(d.Type))
	}
	for i, row := range d.X {
		if len(row) != d.Features.Len() {
			return fmt.Errorf("row %d: %w: got %d values, contract has %d", i, ErrDimensionMismatch, len(row), d.Features.Len())
		}
		if d.Risk[i] != 0 && d.Risk[i] != 1 {
			return fmt.Errorf("row %d: risk label %d is not binary", i, d.Risk[i])
		}
		if d.Type[i] < 0 || d.Type[i] >= numTypes {
			return fmt.Errorf("row %d: type label %d outside [0,%d)", i, d.Type[i], numTypes)
		}
	}
	return nil
}

func (d *Dataset) Subset(indices []int) *Dataset {
	out := &Dataset{
		Features: d.Features,
		X:        make([][]float64, len(indices)),
		Risk:     make([]int, len(indices)),
		Type:     make([]int, len(indices)),
	}
	for i, idx := range indices {
		out.X[i] = d.X[idx]
		out.Risk[i] = d.Risk[idx]
		out.Type[i] = d.Type[idx]
	}
	return out
}

// Head returns the first n rows, or all rows when n exceeds the length.
func (d *Dataset) Head(n int) *Dataset {
	if n > d.Len() || n < 0 {
		n = d.Len()
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return d.Subset(indices)
}

// WithX returns a copy sharing labels but carrying different feature rows,
// typically the standardized form.
func (d *Dataset) WithX(X [][]float64) *Dataset {
	return &Dataset{Features: d.Features, X: X, Risk: d.Risk, Type: d.Type}
}

// StratifiedSplit partitions d into train and test keeping the risk label
// ratio in both. Partitions are shuffled with the given seed.
func StratifiedSplit(d *Dataset, testRatio float64, seed int64) (train, test *Dataset, err error) {
	if d.Len() == 0 {
		return nil, nil, ErrEmptyDataset
	}
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))

	byLabel := make(map[int][]int)
	for i, label := range d.Risk {
		byLabel[label] = append(byLabel[label], i)
	}
	labels := make([]int, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Ints(labels)

	var trainIdx, testIdx []int
	for _, label := range labels {
		indices := byLabel[label]
		rnd.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		split := int(math.Round(float64(len(indices)) * testRatio))
		testIdx = append(testIdx, indices[:split]...)
		trainIdx = append(trainIdx, indices[split:]...)
	}
	if len(trainIdx) == 0 || len(testIdx) == 0 {
		return nil, nil, fmt.Errorf("split of %d rows at ratio %.2f leaves an empty partition", d.Len(), testRatio)
	}
	rnd.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
	rnd.Shuffle(len(testIdx), func(i, j int) { testIdx[i], testIdx[j] = testIdx[j], testIdx[i] })
	return d.Subset(trainIdx), d.Subset(testIdx), nil
}

// riskCoefficients is the known logistic risk function used by Simulate.
var riskCoefficients = []coefficient{
	{"smoking", 1.5},
	{"family_history", 1.0},
	{"personal_cancer_history", 1.2},
	{"weight_loss", 0.8},
	{"persistent_cough", 0.9},
	{"new_lump", 1.1},
	{"bleeding", 1.0},
	{"abdominal_pain", 0.7},
}

var typeCoefficients = []coefficient{
	{"gender", 1.5},
	{"hormonal_therapy", 1.0},
	{"new_lump", 0.8},
	{"skin_lesion", -0.9},
}

type coefficient struct {
	name  string
	value float64
}

var binaryPrevalence = map[string]float64{
	"gender":                  0.5,
	"smoking":                 0.3,
	"alcohol":                 0.2,
	"physical_inactivity":     0.4,
	"family_history":          0.1,
	"personal_cancer_history": 0.05,
	"obesity":                 0.3,
	"hormonal_therapy":        0.2,
	"weight_loss":             0.1,
	"persistent_cough":        0.05,
	"dysphagia":               0.03,
	"bleeding":                0.04,
	"new_lump":                0.05,
	"skin_lesion":             0.05,
	"abdominal_pain":          0.1,
}

// RiskLogit is the ground-truth risk logit of the simulated cohort.
func RiskLogit(row map[string]float64) float64 {
	logit := 0.03*(row["age"]-50) - 5
	for _, c := range riskCoefficients {
		logit += c.value * row[c.name]
	}
	return logit
}

func typeLogit(row map[string]float64) float64 {
	logit := -1.2
	for _, c := range typeCoefficients {
		logit += c.value * row[c.name]
	}
	return logit
}

// Simulate draws n synthetic patients over the default clinical features.
// Risk labels follow RiskLogit; type labels follow a second logistic model.
func Simulate(n int, seed int64) *Dataset {
	rnd := rand.New(rand.NewSource(seed))
	features := DefaultFeatureSet()
	names := features.Names()
	ds := &Dataset{
		Features: features,
		X:        make([][]float64, n),
		Risk:     make([]int, n),
		Type:     make([]int, n),
	}
	row := make(map[string]float64, len(names))
	for i := 0; i < n; i++ {
		vector := make([]float64, len(names))
		for j, name := range names {
			var v float64
			if name == "age" {
				v = float64(18 + rnd.Intn(72))
			} else if rnd.Float64() < binaryPrevalence[name] {
				v = 1
			}
			vector[j] = v
			row[name] = v
		}
		ds.X[i] = vector
		if rnd.Float64() < Sigmoid(RiskLogit(row)) {
			ds.Risk[i] = 1
		}
		if rnd.Float64() < Sigmoid(typeLogit(row)) {
			ds.Type[i] = 1
		}
	}
	return ds
}
