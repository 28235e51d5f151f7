package ml

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

var ErrNotFitted = errors.New("scaler not fitted")

// StandardScaler standardizes each feature to zero mean and unit variance.
// It is fit once on the training partition and never mutated afterwards.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Var   []float64 `json:"var"`
	Scale []float64 `json:"scale"`
}

func FitScaler(X [][]float64) (*StandardScaler, error) {
	s := &StandardScaler{}
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StandardScaler) Fit(X [][]float64) error {
	if len(X) == 0 {
		return ErrEmptyDataset
	}
	dim := len(X[0])
	mean := make([]float64, dim)
	variance := make([]float64, dim)
	scale := make([]float64, dim)
	column := make([]float64, len(X))
	for j := 0; j < dim; j++ {
		for i, row := range X {
			if len(row) != dim {
				return fmt.Errorf("row %d: %w: got %d want %d", i, ErrDimensionMismatch, len(row), dim)
			}
			column[i] = row[j]
		}
		mean[j], variance[j] = stat.PopMeanVariance(column, nil)
		scale[j] = math.Sqrt(variance[j])
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	s.Mean, s.Var, s.Scale = mean, variance, scale
	return nil
}

func (s *StandardScaler) Dim() int {
	return len(s.Mean)
}

func (s *StandardScaler) TransformRow(x []float64) ([]float64, error) {
	if len(s.Mean) == 0 {
		return nil, ErrNotFitted
	}
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d features, scaler has %d", ErrDimensionMismatch, len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

func (s *StandardScaler) Transform(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		scaled, err := s.TransformRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

func (s *StandardScaler) validate() error {
	if len(s.Mean) == 0 {
		return ErrNotFitted
	}
	if len(s.Var) != len(s.Mean) || len(s.Scale) != len(s.Mean) {
		return fmt.Errorf("scaler: %w: mean=%d var=%d scale=%d", ErrDimensionMismatch, len(s.Mean), len(s.Var), len(s.Scale))
	}
	for i, v := range s.Scale {
		if v == 0 || math.IsNaN(v) {
			return fmt.Errorf("scaler: invalid scale %v for feature %d", v, i)
		}
	}
	return nil
}
