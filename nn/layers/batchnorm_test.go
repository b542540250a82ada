package layers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestBatchNormRoundTrip(t *testing.T) {
	rng := newRNG(11)
	bn := NewBatchNorm(3, DefaultMomentum, DefaultEps)
	copy(bn.LogGamma, []float64{0.3, -0.2, 0.1})
	copy(bn.Beta, []float64{1, 0, -1})

	for _, training := range []bool{true, false} {
		bn.SetTraining(training)
		x := randBatch(rng, 16, 3, 2, 3)
		y, fwd, err := bn.Forward(x, nil)
		require.NoError(t, err)
		back, inv, err := bn.Inverse(y, nil)
		require.NoError(t, err)
		requireClose(t, x, back, 1e-9)
		requireClose(t, fwd, negated(inv), 1e-12)
	}
}

func TestBatchNormForwardNormalises(t *testing.T) {
	bn := NewBatchNorm(2, DefaultMomentum, DefaultEps)
	x := mat.NewDense(4, 2, []float64{
		1, 10,
		2, 20,
		3, 30,
		4, 40,
	})
	y, ladj, err := bn.Forward(x, nil)
	require.NoError(t, err)

	mean, variance, ok := bn.BatchStats()
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{2.5, 25}, mean, 1e-12)
	// biased variance
	assert.InDeltaSlice(t, []float64{1.25, 125}, variance, 1e-12)

	col := mat.Col(nil, 0, y)
	assert.InDelta(t, (1-2.5)/math.Sqrt(1.25+DefaultEps), col[0], 1e-12)
	assert.InDelta(t, -0.5*math.Log(125+DefaultEps), ladj.At(3, 1), 1e-12)

	assert.InDeltaSlice(t, []float64{0.1 * 2.5, 0.1 * 25}, bn.RunningMean, 1e-12)
	assert.InDeltaSlice(t, []float64{0.9 + 0.1*1.25, 0.9 + 0.1*125}, bn.RunningVar, 1e-12)
}

func TestBatchNormSingleSample(t *testing.T) {
	bn := NewBatchNorm(2, DefaultMomentum, DefaultEps)
	x := mat.NewDense(1, 2, []float64{5, -5})
	y, _, err := bn.Forward(x, nil)
	require.NoError(t, err)
	_, variance, ok := bn.BatchStats()
	require.True(t, ok)
	assert.Equal(t, []float64{1, 1}, variance)
	assert.Equal(t, []float64{0, 0}, mat.Row(nil, 0, y))
}

func TestBatchNormInverseBeforeForward(t *testing.T) {
	bn := NewBatchNorm(2, DefaultMomentum, DefaultEps)
	_, _, ok := bn.BatchStats()
	require.False(t, ok)

	y := mat.NewDense(1, 2, []float64{1, 2})
	x, ladj, err := bn.Inverse(y, nil)
	require.NoError(t, err)
	s := math.Sqrt(1 + DefaultEps)
	assert.InDeltaSlice(t, []float64{s, 2 * s}, mat.Row(nil, 0, x), 1e-12)
	assert.InDelta(t, 0.5*math.Log(1+DefaultEps), ladj.At(0, 0), 1e-12)
}

func TestBatchNormInferenceUsesRunningStats(t *testing.T) {
	bn := NewBatchNorm(1, DefaultMomentum, 0)
	bn.SetTraining(false)
	bn.RunningMean[0] = 2
	bn.RunningVar[0] = 4
	y, ladj, err := bn.Forward(mat.NewDense(2, 1, []float64{2, 6}), nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2}, mat.Col(nil, 0, y))
	assert.InDelta(t, -math.Log(2), ladj.At(1, 0), 1e-12)
	_, _, ok := bn.BatchStats()
	assert.False(t, ok, "inference forward must not cache batch statistics")
}

func TestBatchNormRunningStatsConverge(t *testing.T) {
	rng := newRNG(5)
	bn := NewBatchNorm(2, DefaultMomentum, DefaultEps)
	for i := 0; i < 200; i++ {
		_, _, err := bn.Forward(randBatch(rng, 256, 2, 3, 2), nil)
		require.NoError(t, err)
	}
	for j := 0; j < 2; j++ {
		assert.InDelta(t, 3, bn.RunningMean[j], 0.2)
		assert.InDelta(t, 4, bn.RunningVar[j], 0.6)
	}
}
