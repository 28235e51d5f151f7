package ml

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ExplainTarget selects which scalar over the shared trunk output is
// attributed back to the input features.
type ExplainTarget string

const (
	// TargetRisk weights trunk units by the risk head projection.
	TargetRisk ExplainTarget = "risk"
	// TargetTrunk0 explains the first trunk unit only.
	TargetTrunk0 ExplainTarget = "trunk0"
)

type ExplainerConfig struct {
	Steps  int
	Target ExplainTarget
}

func DefaultExplainerConfig() ExplainerConfig {
	return ExplainerConfig{Steps: 50, Target: TargetRisk}
}

// Explainer computes expected-gradients attributions of a trunk target
// relative to a fixed background sample. Results are deterministic.
type Explainer struct {
	model      *MultiCancerModel
	background [][]float64
	weights    []float64
	alphas     []float64
	expected   float64
}

func NewExplainer(model *MultiCancerModel, background [][]float64, cfg ExplainerConfig) (*Explainer, error) {
	if len(background) == 0 {
		return nil, errors.New("explainer background is empty")
	}
	dim := model.Config().InputDim
	for i, row := range background {
		if len(row) != dim {
			return nil, fmt.Errorf("background row %d: %w: got %d, want %d", i, ErrDimensionMismatch, len(row), dim)
		}
	}
	if cfg.Steps <= 0 {
		cfg.Steps = DefaultExplainerConfig().Steps
	}

	var weights []float64
	switch cfg.Target {
	case TargetRisk, "":
		weights = model.RiskHeadWeights()
	case TargetTrunk0:
		weights = make([]float64, model.Config().Hidden2)
		weights[0] = 1
	default:
		return nil, fmt.Errorf("unknown explainer target %q", cfg.Target)
	}

	alphas := make([]float64, cfg.Steps)
	for k := range alphas {
		alphas[k] = (float64(k) + 0.5) / float64(cfg.Steps)
	}

	e := &Explainer{
		model:      model,
		background: background,
		weights:    weights,
		alphas:     alphas,
	}
	total := 0.0
	for _, row := range background {
		v, err := e.TargetValue(row)
		if err != nil {
			return nil, err
		}
		total += v
	}
	e.expected = total / float64(len(background))
	return e, nil
}

// TargetValue is the explained scalar for one standardized row.
func (e *Explainer) TargetValue(x []float64) (float64, error) {
	h, err := e.model.Trunk(x)
	if err != nil {
		return 0, err
	}
	return floats.Dot(h, e.weights), nil
}

// ExpectedValue is the mean target over the background sample.
func (e *Explainer) ExpectedValue() float64 {
	return e.expected
}

// Explain returns one attribution per feature, in contract order, for a
// standardized row. Attributions sum approximately to
// TargetValue(x) - ExpectedValue().
func (e *Explainer) Explain(x []float64) ([]float64, error) {
	dim := e.model.Config().InputDim
	if len(x) != dim {
		return nil, fmt.Errorf("%w: got %d features, model expects %d", ErrDimensionMismatch, len(x), dim)
	}

	steps := len(e.alphas)
	path := mat.NewDense(len(e.background)*steps, dim, nil)
	for b, base := range e.background {
		for k, alpha := range e.alphas {
			row := path.RawRowView(b*steps + k)
			for i := range row {
				row[i] = base[i] + alpha*(x[i]-base[i])
			}
		}
	}

	grads, err := e.model.InputGradients(path, e.weights)
	if err != nil {
		return nil, err
	}

	attributions := make([]float64, dim)
	for b, base := range e.background {
		for k := 0; k < steps; k++ {
			g := grads.RawRowView(b*steps + k)
			for i := range attributions {
				attributions[i] += (x[i] - base[i]) * g[i]
			}
		}
	}
	floats.Scale(1/float64(len(e.background)*steps), attributions)
	return attributions, nil
}
