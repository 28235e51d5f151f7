package inference

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncorisk/ml"
)

var (
	fixtureOnce     sync.Once
	fixtureArtifact *ml.Artifact
	fixtureErr      error
)

// trainedArtifact fits a model once on a simulated cohort whose risk label
// follows a known logistic function.
func trainedArtifact(t *testing.T) *ml.Artifact {
	t.Helper()
	fixtureOnce.Do(func() {
		cohort := ml.Simulate(8000, 7)
		train, test, err := ml.StratifiedSplit(cohort, 0.2, 7)
		if err != nil {
			fixtureErr = err
			return
		}
		scaler, err := ml.FitScaler(train.X)
		if err != nil {
			fixtureErr = err
			return
		}
		trainX, _ := scaler.Transform(train.X)
		testX, _ := scaler.Transform(test.X)

		trainer := ml.NewTrainer(ml.DefaultTrainConfig(cohort.Features.Len()), nil, nil)
		model, _, err := trainer.Fit(context.Background(), train.WithX(trainX), nil, 3e-3, 25)
		if err != nil {
			fixtureErr = err
			return
		}
		fixtureArtifact, fixtureErr = ml.NewArtifact(cohort.Features, scaler, model, test.WithX(testX).Head(20).X)
	})
	require.NoError(t, fixtureErr)
	return fixtureArtifact
}

func newTestPredictor(t *testing.T) *Predictor {
	t.Helper()
	artifact := trainedArtifact(t)
	cfg := DefaultConfig()
	cfg.Explainer.Steps = 20
	p, err := NewPredictor(artifact, ml.DefaultFeatureSet(), cfg, nil)
	require.NoError(t, err)
	return p
}

func patient(overrides map[string]any) map[string]any {
	values := make(map[string]any)
	for _, name := range ml.DefaultFeatureNames() {
		values[name] = 0
	}
	values["age"] = 70
	values["gender"] = 1
	for k, v := range overrides {
		values[k] = v
	}
	return values
}

func TestPredictRangesAndShape(t *testing.T) {
	p := newTestPredictor(t)

	inputs := []map[string]any{
		patient(nil),
		patient(map[string]any{"smoking": 1, "family_history": 1}),
		patient(map[string]any{"age": 18, "gender": 0, "new_lump": 1, "bleeding": 1}),
	}
	for _, in := range inputs {
		pred, err := p.Predict(context.Background(), in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pred.Probability, 0.0)
		assert.LessOrEqual(t, pred.Probability, 1.0)
		assert.GreaterOrEqual(t, pred.CancerType, 0)
		assert.Less(t, pred.CancerType, 2)
		assert.Len(t, pred.Shap, len(ml.DefaultFeatureNames()))
		assert.Equal(t, Disclaimer, pred.Message)
	}
}

func TestPredictDeterministic(t *testing.T) {
	p := newTestPredictor(t)
	in := patient(map[string]any{"smoking": 1, "weight_loss": 1})

	first, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := p.Predict(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// the uncached path agrees with the cached one
	uncached, err := NewPredictor(trainedArtifact(t), ml.DefaultFeatureSet(), Config{Explainer: ml.ExplainerConfig{Steps: 20}}, nil)
	require.NoError(t, err)
	fresh, err := uncached.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first, fresh)
}

func TestPredictCacheKeepsLargeValuesApart(t *testing.T) {
	cached := newTestPredictor(t)
	uncached, err := NewPredictor(trainedArtifact(t), ml.DefaultFeatureSet(), Config{Explainer: ml.ExplainerConfig{Steps: 20}}, nil)
	require.NoError(t, err)

	// both ages overflow int64
	_, err = cached.Predict(context.Background(), patient(map[string]any{"age": 1e19}))
	require.NoError(t, err)
	got, err := cached.Predict(context.Background(), patient(map[string]any{"age": 1e20}))
	require.NoError(t, err)
	want, err := uncached.Predict(context.Background(), patient(map[string]any{"age": 1e20}))
	require.NoError(t, err)
	assert.Equal(t, want.Shap, got.Shap)

	assert.NotEqual(t, cacheKey([]float64{1e19, 0}), cacheKey([]float64{1e20, 0}))
	assert.Equal(t, "45,1", cacheKey([]float64{45, 1}))
}

func TestPredictCacheIsolation(t *testing.T) {
	p := newTestPredictor(t)
	in := patient(nil)

	first, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	want := first.Shap[0]
	first.Shap[0] = 1e9

	second, err := p.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, want, second.Shap[0])
}

func TestPredictMonotoneInRiskFactors(t *testing.T) {
	p := newTestPredictor(t)

	low, err := p.Predict(context.Background(), patient(map[string]any{"smoking": 0, "family_history": 0}))
	require.NoError(t, err)
	high, err := p.Predict(context.Background(), patient(map[string]any{"smoking": 1, "family_history": 1}))
	require.NoError(t, err)

	assert.Greater(t, high.Probability, low.Probability)
}

func TestPredictCoercion(t *testing.T) {
	p := newTestPredictor(t)

	ints, err := p.Predict(context.Background(), patient(map[string]any{"age": 45, "smoking": 1}))
	require.NoError(t, err)
	mixed, err := p.Predict(context.Background(), patient(map[string]any{"age": 45.9, "smoking": "1", "extra": "ignored"}))
	require.NoError(t, err)
	assert.Equal(t, ints, mixed)
}

func TestPredictValidation(t *testing.T) {
	p := newTestPredictor(t)

	missing := patient(nil)
	delete(missing, "smoking")
	_, err := p.Predict(context.Background(), missing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ml.ErrMissingFeature))
	var fe *ml.FeatureError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "smoking", fe.Name)

	_, err = p.Predict(context.Background(), patient(map[string]any{"age": "old"}))
	assert.True(t, errors.Is(err, ml.ErrInvalidFeatureValue))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Predict(ctx, patient(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPredictorRejectsMismatchedFeatures(t *testing.T) {
	artifact := trainedArtifact(t)

	names := ml.DefaultFeatureNames()
	names[1], names[2] = names[2], names[1]
	swapped, err := ml.NewFeatureSet(names)
	require.NoError(t, err)

	_, err = NewPredictor(artifact, swapped, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ml.ErrDimensionMismatch)
}
