package inference

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"oncorisk/ml"
)

// Disclaimer is attached to every prediction.
const Disclaimer = "⚠️ For educational use—consult a medical professional."

type Prediction struct {
	Probability float64   `json:"probability"`
	CancerType  int       `json:"cancer_type"`
	Shap        []float64 `json:"shap"`
	Message     string    `json:"message"`
}

type Config struct {
	Explainer ml.ExplainerConfig
	CacheSize int
}

func DefaultConfig() Config {
	return Config{Explainer: ml.DefaultExplainerConfig(), CacheSize: 1024}
}

// Predictor composes scaler, model and explainer loaded from one artifact.
// It is read-only after construction and safe for concurrent use.
type Predictor struct {
	features  ml.FeatureSet
	scaler    *ml.StandardScaler
	model     *ml.MultiCancerModel
	explainer *ml.Explainer
	cache     *lru.Cache[string, []float64]
	logger    *zap.Logger
}

// NewPredictor binds an artifact to the serving feature contract. The
// contract must match the one the artifact was trained with.
func NewPredictor(artifact *ml.Artifact, features ml.FeatureSet, cfg Config, logger *zap.Logger) (*Predictor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	if !artifact.Features.Equal(features) {
		return nil, fmt.Errorf("%w: features file %v does not match artifact features %v",
			ml.ErrDimensionMismatch, features.Names(), artifact.Features.Names())
	}
	model, err := artifact.BuildModel()
	if err != nil {
		return nil, err
	}
	explainer, err := ml.NewExplainer(model, artifact.Background, cfg.Explainer)
	if err != nil {
		return nil, err
	}

	p := &Predictor{
		features:  features,
		scaler:    artifact.Scaler,
		model:     model,
		explainer: explainer,
		logger:    logger,
	}
	if cfg.CacheSize > 0 {
		p.cache, err = lru.New[string, []float64](cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	logger.Info("predictor ready",
		zap.Int("features", features.Len()),
		zap.Int("background", len(artifact.Background)),
		zap.String("target", string(cfg.Explainer.Target)),
		zap.Float64("expected_value", explainer.ExpectedValue()),
	)
	return p, nil
}

func (p *Predictor) Features() ml.FeatureSet {
	return p.features
}

// Predict validates values against the feature contract and returns the
// risk probability, predicted type and per-feature attributions.
func (p *Predictor) Predict(ctx context.Context, values map[string]any) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := p.features.Vector(values)
	if err != nil {
		return nil, err
	}
	x, err := p.scaler.TransformRow(raw)
	if err != nil {
		return nil, err
	}
	riskLogit, typeLogits, err := p.model.Predict(x)
	if err != nil {
		return nil, err
	}

	shap, err := p.explain(raw, x)
	if err != nil {
		return nil, err
	}

	return &Prediction{
		Probability: math.Round(ml.Sigmoid(riskLogit)*1000) / 1000,
		CancerType:  ml.Argmax(typeLogits),
		Shap:        shap,
		Message:     Disclaimer,
	}, nil
}

func (p *Predictor) explain(raw, x []float64) ([]float64, error) {
	if p.cache == nil {
		return p.explainer.Explain(x)
	}
	key := cacheKey(raw)
	if cached, ok := p.cache.Get(key); ok {
		return append([]float64(nil), cached...), nil
	}
	shap, err := p.explainer.Explain(x)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, append([]float64(nil), shap...))
	return shap, nil
}

// cacheKey joins the coerced feature values exactly. Values beyond the
// int64 range must not collapse onto one key.
func cacheKey(raw []float64) string {
	var b strings.Builder
	for i, v := range raw {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}
