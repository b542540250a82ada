package layers

import (
	"testing"

	"nflow/mask"
	"nflow/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

func TestMADERoundTrip(t *testing.T) {
	cases := []struct {
		name string
		opts MADEOptions
	}{
		{"sequential", MADEOptions{}},
		{"random", MADEOptions{Order: mask.Random}},
		{"tanh reversed", MADEOptions{Activation: "tanh", Degrees: []int{3, 2, 1, 0}}},
		{"conditioned", MADEOptions{CondSize: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := newRNG(3)
			m, err := NewMADE(4, 16, 2, tc.opts, rng)
			require.NoError(t, err)

			x := randBatch(rng, 8, 4, 0, 1)
			var cond *mat.Dense
			if tc.opts.CondSize > 0 {
				cond = randBatch(rng, 8, tc.opts.CondSize, 0, 1)
			}
			u, fwd, err := m.Forward(x, cond)
			require.NoError(t, err)
			back, inv, err := m.Inverse(u, cond)
			require.NoError(t, err)
			requireClose(t, x, back, 1e-9)
			requireClose(t, fwd, negated(inv), 1e-9)
		})
	}
}

func TestMADEAutoregressiveJacobian(t *testing.T) {
	const d = 5
	m, err := NewMADE(d, 12, 1, MADEOptions{}, newRNG(9))
	require.NoError(t, err)

	x0 := []float64{0.3, -1.2, 0.8, 2.0, -0.4}
	settings := &fd.JacobianSettings{Formula: fd.Central}

	jacU := mat.NewDense(d, d, nil)
	fd.Jacobian(jacU, func(y, x []float64) {
		u, _, err := m.Forward(mat.NewDense(1, d, x), nil)
		require.NoError(t, err)
		mat.Row(y, 0, u)
	}, x0, settings)

	jacShift := mat.NewDense(d, d, nil)
	fd.Jacobian(jacShift, func(y, x []float64) {
		shift, _, err := m.Conditioner(mat.NewDense(1, d, x), nil)
		require.NoError(t, err)
		mat.Row(y, 0, shift)
	}, x0, settings)

	jacLogScale := mat.NewDense(d, d, nil)
	fd.Jacobian(jacLogScale, func(y, x []float64) {
		_, logScale, err := m.Conditioner(mat.NewDense(1, d, x), nil)
		require.NoError(t, err)
		mat.Row(y, 0, logScale)
	}, x0, settings)

	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			if j > i {
				assert.Zero(t, jacU.At(i, j), "du_%d/dx_%d", i, j)
			}
			if j >= i {
				assert.Zero(t, jacShift.At(i, j), "dm_%d/dx_%d", i, j)
				assert.Zero(t, jacLogScale.At(i, j), "da_%d/dx_%d", i, j)
			}
		}
		assert.NotZero(t, jacU.At(i, i))
	}
}

func TestMADEIdentityLogProb(t *testing.T) {
	m, err := NewMADE(3, 8, 1, MADEOptions{}, newRNG(4))
	require.NoError(t, err)
	// a zero output layer makes the block the identity
	zeroParams(m.Params(), "output.weight", "output.bias")

	x := randBatch(newRNG(8), 5, 3, 0, 1)
	u, _, err := m.Forward(x, nil)
	require.NoError(t, err)
	requireClose(t, x, u, 0)

	lp, err := m.LogProb(x, nil)
	require.NoError(t, err)
	want := BaseLogProb(x, tensor.New(5, 3))
	assert.InDeltaSlice(t, want, lp, 1e-12)
}

func TestMADEConstruction(t *testing.T) {
	_, err := NewMADE(3, 8, 1, MADEOptions{Activation: "softplus"}, nil)
	assert.ErrorIs(t, err, ErrActivation)

	_, err = NewMADE(1, 8, 1, MADEOptions{}, nil)
	assert.ErrorIs(t, err, mask.ErrInputSize)

	m, err := NewMADE(3, 8, 0, MADEOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, m.Degrees())
	assert.Equal(t, KindMADE, m.Tag())

	var regularized []string
	for _, p := range m.Params() {
		if p.Regularize {
			regularized = append(regularized, p.Name)
		}
	}
	assert.Equal(t, []string{"output.weight"}, regularized)

	_, _, err = m.Forward(tensor.New(2, 4), nil)
	assert.ErrorIs(t, err, tensor.ErrShape)
}
