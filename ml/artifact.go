package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
)

const ArtifactVersion = 1

type LayerParams struct {
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

type ModelParams struct {
	Config ModelConfig `json:"config"`
	Trunk1 LayerParams `json:"trunk1"`
	Trunk2 LayerParams `json:"trunk2"`
	Risk   LayerParams `json:"risk_head"`
	Type   LayerParams `json:"type_head"`
}

// Artifact pairs the trained weights with the scaler they were trained
// against. The two are only ever saved and loaded together.
type Artifact struct {
	Version      int             `json:"version"`
	Features     FeatureSet      `json:"features"`
	Scaler       *StandardScaler `json:"scaler"`
	Model        ModelParams     `json:"model"`
	LearningRate float64         `json:"learning_rate"`
	Metrics      *Evaluation     `json:"metrics,omitempty"`
	TrainedAt    time.Time       `json:"trained_at"`
	// Background holds standardized reference rows for the explainer.
	Background [][]float64 `json:"background"`
}

func NewArtifact(features FeatureSet, scaler *StandardScaler, model *MultiCancerModel, background [][]float64) (*Artifact, error) {
	a := &Artifact{
		Version:    ArtifactVersion,
		Features:   features,
		Scaler:     scaler,
		Model:      model.Params(),
		TrainedAt:  time.Now().UTC(),
		Background: background,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Artifact) Validate() error {
	if a.Version != ArtifactVersion {
		return fmt.Errorf("unsupported artifact version %d", a.Version)
	}
	if a.Scaler == nil {
		return errors.New("artifact has no scaler")
	}
	if err := a.Scaler.validate(); err != nil {
		return err
	}
	dim := a.Features.Len()
	if a.Scaler.Dim() != dim {
		return fmt.Errorf("%w: scaler has %d features, contract has %d", ErrDimensionMismatch, a.Scaler.Dim(), dim)
	}
	cfg := a.Model.Config
	if cfg.InputDim != dim {
		return fmt.Errorf("%w: model input is %d, contract has %d", ErrDimensionMismatch, cfg.InputDim, dim)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	layers := []struct {
		name       string
		p          LayerParams
		rows, cols int
	}{
		{"trunk1", a.Model.Trunk1, cfg.InputDim, cfg.Hidden1},
		{"trunk2", a.Model.Trunk2, cfg.Hidden1, cfg.Hidden2},
		{"risk_head", a.Model.Risk, cfg.Hidden2, 1},
		{"type_head", a.Model.Type, cfg.Hidden2, cfg.NumTypes},
	}
	for _, l := range layers {
		if l.p.Rows != l.rows || l.p.Cols != l.cols || len(l.p.Weights) != l.rows*l.cols || len(l.p.Bias) != l.cols {
			return fmt.Errorf("%w: layer %s is %dx%d (%d weights, %d bias), want %dx%d",
				ErrDimensionMismatch, l.name, l.p.Rows, l.p.Cols, len(l.p.Weights), len(l.p.Bias), l.rows, l.cols)
		}
	}
	for i, row := range a.Background {
		if len(row) != dim {
			return fmt.Errorf("%w: background row %d has %d values, want %d", ErrDimensionMismatch, i, len(row), dim)
		}
	}
	return nil
}

// Save writes the artifact as one JSON file, replacing any previous file
// atomically.
func (a *Artifact) Save(path string) error {
	if err := a.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func LoadArtifact(path string) (*Artifact, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return &a, nil
}

// BuildModel reconstructs the frozen model from the stored parameters.
func (a *Artifact) BuildModel() (*MultiCancerModel, error) {
	return ModelFromParams(a.Model)
}

func (m *MultiCancerModel) Params() ModelParams {
	return ModelParams{
		Config: m.cfg,
		Trunk1: m.fc1.params(),
		Trunk2: m.fc2.params(),
		Risk:   m.risk.params(),
		Type:   m.typ.params(),
	}
}

func ModelFromParams(p ModelParams) (*MultiCancerModel, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	fc1, err := linearFromParams(p.Trunk1)
	if err != nil {
		return nil, fmt.Errorf("trunk1: %w", err)
	}
	fc2, err := linearFromParams(p.Trunk2)
	if err != nil {
		return nil, fmt.Errorf("trunk2: %w", err)
	}
	risk, err := linearFromParams(p.Risk)
	if err != nil {
		return nil, fmt.Errorf("risk head: %w", err)
	}
	typ, err := linearFromParams(p.Type)
	if err != nil {
		return nil, fmt.Errorf("type head: %w", err)
	}
	return &MultiCancerModel{cfg: p.Config, fc1: fc1, fc2: fc2, risk: risk, typ: typ}, nil
}

func (l linear) params() LayerParams {
	rows, cols := l.W.Dims()
	return LayerParams{
		Rows:    rows,
		Cols:    cols,
		Weights: append([]float64(nil), denseData(l.W)...),
		Bias:    append([]float64(nil), l.B...),
	}
}

func linearFromParams(p LayerParams) (linear, error) {
	if p.Rows <= 0 || p.Cols <= 0 || len(p.Weights) != p.Rows*p.Cols || len(p.Bias) != p.Cols {
		return linear{}, fmt.Errorf("%w: %dx%d layer with %d weights and %d bias", ErrDimensionMismatch, p.Rows, p.Cols, len(p.Weights), len(p.Bias))
	}
	weights := append([]float64(nil), p.Weights...)
	return linear{W: mat.NewDense(p.Rows, p.Cols, weights), B: append([]float64(nil), p.Bias...)}, nil
}
