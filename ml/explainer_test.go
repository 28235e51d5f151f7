package ml

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestExplainerCompleteness(t *testing.T) {
	m, err := NewMultiCancerModel(DefaultModelConfig(16), rand.New(rand.NewSource(21)))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(22))
	background := randomRows(rng, 5, 16)
	x := randomRows(rng, 1, 16)[0]

	for _, target := range []ExplainTarget{TargetRisk, TargetTrunk0} {
		t.Run(string(target), func(t *testing.T) {
			e, err := NewExplainer(m, background, ExplainerConfig{Steps: 400, Target: target})
			require.NoError(t, err)

			attributions, err := e.Explain(x)
			require.NoError(t, err)
			require.Len(t, attributions, 16)

			value, err := e.TargetValue(x)
			require.NoError(t, err)
			diff := value - e.ExpectedValue()
			assert.InDelta(t, diff, floats.Sum(attributions), 1e-2+0.02*math.Abs(diff))
		})
	}
}

func TestExplainerZeroAtBackground(t *testing.T) {
	m, err := NewMultiCancerModel(DefaultModelConfig(16), rand.New(rand.NewSource(21)))
	require.NoError(t, err)
	x := randomRows(rand.New(rand.NewSource(23)), 1, 16)[0]

	e, err := NewExplainer(m, [][]float64{x}, DefaultExplainerConfig())
	require.NoError(t, err)
	attributions, err := e.Explain(x)
	require.NoError(t, err)
	for _, v := range attributions {
		assert.Equal(t, 0.0, v)
	}
	value, err := e.TargetValue(x)
	require.NoError(t, err)
	assert.Equal(t, value, e.ExpectedValue())
}

func TestExplainerDeterministicAndTargetSpecific(t *testing.T) {
	m, err := NewMultiCancerModel(DefaultModelConfig(16), rand.New(rand.NewSource(31)))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(32))
	background := randomRows(rng, 8, 16)
	x := randomRows(rng, 1, 16)[0]

	risk, err := NewExplainer(m, background, ExplainerConfig{Steps: 20, Target: TargetRisk})
	require.NoError(t, err)
	a1, err := risk.Explain(x)
	require.NoError(t, err)
	a2, err := risk.Explain(x)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	trunk0, err := NewExplainer(m, background, ExplainerConfig{Steps: 20, Target: TargetTrunk0})
	require.NoError(t, err)
	b, err := trunk0.Explain(x)
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)
}

func TestNewExplainerErrors(t *testing.T) {
	m, err := NewMultiCancerModel(DefaultModelConfig(16), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	background := randomRows(rand.New(rand.NewSource(2)), 3, 16)

	_, err = NewExplainer(m, nil, DefaultExplainerConfig())
	assert.Error(t, err)
	_, err = NewExplainer(m, [][]float64{{1, 2}}, DefaultExplainerConfig())
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	_, err = NewExplainer(m, background, ExplainerConfig{Target: "type"})
	assert.ErrorContains(t, err, "unknown explainer target")

	e, err := NewExplainer(m, background, ExplainerConfig{})
	require.NoError(t, err)
	_, err = e.Explain([]float64{1})
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}
