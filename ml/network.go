package ml

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

type ModelConfig struct {
	InputDim int     `json:"input_dim" yaml:"input_dim"`
	Hidden1  int     `json:"hidden1" yaml:"hidden1"`
	Hidden2  int     `json:"hidden2" yaml:"hidden2"`
	NumTypes int     `json:"num_types" yaml:"num_types"`
	Dropout  float64 `json:"dropout" yaml:"dropout"`
}

func DefaultModelConfig(inputDim int) ModelConfig {
	return ModelConfig{
		InputDim: inputDim,
		Hidden1:  64,
		Hidden2:  32,
		NumTypes: 2,
		Dropout:  0.3,
	}
}

func (c ModelConfig) Validate() error {
	if c.InputDim <= 0 || c.Hidden1 <= 0 || c.Hidden2 <= 0 {
		return fmt.Errorf("invalid layer sizes %d->%d->%d", c.InputDim, c.Hidden1, c.Hidden2)
	}
	if c.NumTypes < 2 {
		return fmt.Errorf("num_types must be at least 2, got %d", c.NumTypes)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0,1), got %v", c.Dropout)
	}
	return nil
}

// linear is a fully connected layer computing X·W + b, with W stored in x out.
type linear struct {
	W *mat.Dense
	B []float64
}

func newLinear(in, out int, rng *rand.Rand) linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return linear{W: mat.NewDense(in, out, w), B: b}
}

func (l linear) forward(x mat.Matrix) *mat.Dense {
	var z mat.Dense
	z.Mul(x, l.W)
	rows, _ := z.Dims()
	for i := 0; i < rows; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += l.B[j]
		}
	}
	return &z
}

func (l linear) dims() (int, int) {
	return l.W.Dims()
}

// MultiCancerModel is a shared trunk (in->64->32, ReLU + dropout) feeding a
// risk head (32->1) and a cancer-type head (32->num_types).
type MultiCancerModel struct {
	cfg  ModelConfig
	fc1  linear
	fc2  linear
	risk linear
	typ  linear
}

func NewMultiCancerModel(cfg ModelConfig, rng *rand.Rand) (*MultiCancerModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MultiCancerModel{
		cfg:  cfg,
		fc1:  newLinear(cfg.InputDim, cfg.Hidden1, rng),
		fc2:  newLinear(cfg.Hidden1, cfg.Hidden2, rng),
		risk: newLinear(cfg.Hidden2, 1, rng),
		typ:  newLinear(cfg.Hidden2, cfg.NumTypes, rng),
	}, nil
}

func (m *MultiCancerModel) Config() ModelConfig {
	return m.cfg
}

// forwardPass keeps the intermediate activations needed for backprop.
type forwardPass struct {
	x     mat.Matrix
	z1    *mat.Dense
	h1    *mat.Dense
	mask1 *mat.Dense
	z2    *mat.Dense
	h2    *mat.Dense
	mask2 *mat.Dense
	risk  []float64
	types *mat.Dense
}

func (m *MultiCancerModel) forward(x mat.Matrix, train bool, rng *rand.Rand) *forwardPass {
	p := &forwardPass{x: x}
	p.z1 = m.fc1.forward(x)
	p.h1, p.mask1 = reluDropout(p.z1, m.cfg.Dropout, train, rng)
	p.z2 = m.fc2.forward(p.h1)
	p.h2, p.mask2 = reluDropout(p.z2, m.cfg.Dropout, train, rng)

	r := m.risk.forward(p.h2)
	rows, _ := r.Dims()
	p.risk = make([]float64, rows)
	for i := range p.risk {
		p.risk[i] = r.At(i, 0)
	}
	p.types = m.typ.forward(p.h2)
	return p
}

// reluDropout applies ReLU then inverted dropout. The returned mask holds
// 0 or 1/(1-p) per unit; it is nil in eval mode.
func reluDropout(z *mat.Dense, p float64, train bool, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	rows, cols := z.Dims()
	h := mat.NewDense(rows, cols, nil)
	h.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, z)
	if !train || p == 0 {
		return h, nil
	}
	keep := 1 / (1 - p)
	mask := mat.NewDense(rows, cols, nil)
	raw := mask.RawMatrix().Data
	for i := range raw {
		if rng.Float64() >= p {
			raw[i] = keep
		}
	}
	h.MulElem(h, mask)
	return h, mask
}

// Forward runs a batch. Dropout is active only when train is true.
func (m *MultiCancerModel) Forward(X [][]float64, train bool, rng *rand.Rand) ([]float64, [][]float64, error) {
	x, err := m.toDense(X)
	if err != nil {
		return nil, nil, err
	}
	p := m.forward(x, train, rng)
	rows, cols := p.types.Dims()
	types := make([][]float64, rows)
	for i := range types {
		types[i] = append(make([]float64, 0, cols), p.types.RawRowView(i)...)
	}
	return p.risk, types, nil
}

// Predict evaluates a single standardized row in eval mode.
func (m *MultiCancerModel) Predict(x []float64) (float64, []float64, error) {
	risk, types, err := m.Forward([][]float64{x}, false, nil)
	if err != nil {
		return 0, nil, err
	}
	return risk[0], types[0], nil
}

// Trunk returns the shared representation for a single standardized row.
func (m *MultiCancerModel) Trunk(x []float64) ([]float64, error) {
	xd, err := m.toDense([][]float64{x})
	if err != nil {
		return nil, err
	}
	p := m.forward(xd, false, nil)
	return append([]float64(nil), p.h2.RawRowView(0)...), nil
}

// RiskHeadWeights returns the risk head projection over trunk units.
func (m *MultiCancerModel) RiskHeadWeights() []float64 {
	rows, _ := m.risk.dims()
	w := make([]float64, rows)
	for i := range w {
		w[i] = m.risk.W.At(i, 0)
	}
	return w
}

func (m *MultiCancerModel) toDense(X [][]float64) (*mat.Dense, error) {
	if len(X) == 0 {
		return nil, ErrEmptyDataset
	}
	data := make([]float64, 0, len(X)*m.cfg.InputDim)
	for i, row := range X {
		if len(row) != m.cfg.InputDim {
			return nil, fmt.Errorf("row %d: %w: got %d features, model expects %d", i, ErrDimensionMismatch, len(row), m.cfg.InputDim)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(X), m.cfg.InputDim, data), nil
}

// params returns the trainable parameter slices in a fixed order. The
// slices alias the model storage so optimizers update in place.
func (m *MultiCancerModel) params() [][]float64 {
	return [][]float64{
		m.fc1.W.RawMatrix().Data, m.fc1.B,
		m.fc2.W.RawMatrix().Data, m.fc2.B,
		m.risk.W.RawMatrix().Data, m.risk.B,
		m.typ.W.RawMatrix().Data, m.typ.B,
	}
}

// backward computes the joint loss and its parameter gradients, in the
// same order as params.
func (m *MultiCancerModel) backward(p *forwardPass, risk []float64, types []int) (float64, [][]float64) {
	n := len(risk)
	scale := 1 / float64(n)

	riskLoss, dRisk := bceWithLogits(p.risk, risk)
	typeLoss, dTypes := softmaxCrossEntropy(p.types, types)
	for i := range dRisk {
		dRisk[i] *= scale
	}
	dTypes.Scale(scale, dTypes)

	dRiskM := mat.NewDense(n, 1, dRisk)
	gRiskW, gRiskB := linearGrads(p.h2, dRiskM)
	gTypW, gTypB := linearGrads(p.h2, dTypes)

	var dH2, dH2t mat.Dense
	dH2.Mul(dRiskM, m.risk.W.T())
	dH2t.Mul(dTypes, m.typ.W.T())
	dH2.Add(&dH2, &dH2t)
	dZ2 := reluDropoutGrad(&dH2, p.z2, p.mask2)

	gFc2W, gFc2B := linearGrads(p.h1, dZ2)
	var dH1 mat.Dense
	dH1.Mul(dZ2, m.fc2.W.T())
	dZ1 := reluDropoutGrad(&dH1, p.z1, p.mask1)
	gFc1W, gFc1B := linearGrads(p.x, dZ1)

	return riskLoss + typeLoss, [][]float64{
		gFc1W, gFc1B,
		gFc2W, gFc2B,
		gRiskW, gRiskB,
		gTypW, gTypB,
	}
}

func linearGrads(input mat.Matrix, dOut *mat.Dense) ([]float64, []float64) {
	var gw mat.Dense
	gw.Mul(input.T(), dOut)
	rows, cols := dOut.Dims()
	gb := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j, v := range dOut.RawRowView(i) {
			gb[j] += v
		}
	}
	return denseData(&gw), gb
}

func reluDropoutGrad(dH *mat.Dense, z *mat.Dense, mask *mat.Dense) *mat.Dense {
	rows, cols := dH.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(i, j int, v float64) float64 {
		if z.At(i, j) <= 0 {
			return 0
		}
		if mask != nil {
			return v * mask.At(i, j)
		}
		return v
	}, dH)
	return out
}

// InputGradients returns d(w·trunk(x))/dx for every row of X in eval mode.
func (m *MultiCancerModel) InputGradients(X *mat.Dense, trunkWeights []float64) (*mat.Dense, error) {
	if len(trunkWeights) != m.cfg.Hidden2 {
		return nil, fmt.Errorf("%w: %d trunk weights for %d trunk units", ErrDimensionMismatch, len(trunkWeights), m.cfg.Hidden2)
	}
	p := m.forward(X, false, nil)
	rows, cols := p.h2.Dims()
	dH2 := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		copy(dH2.RawRowView(i), trunkWeights)
	}
	dZ2 := reluDropoutGrad(dH2, p.z2, nil)
	var dH1 mat.Dense
	dH1.Mul(dZ2, m.fc2.W.T())
	dZ1 := reluDropoutGrad(&dH1, p.z1, nil)
	var dX mat.Dense
	dX.Mul(dZ1, m.fc1.W.T())
	return &dX, nil
}

func denseData(d *mat.Dense) []float64 {
	raw := d.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		out = append(out, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return out
}
