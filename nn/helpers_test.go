package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func randBatch(rng *rand.Rand, rows, cols int) *mat.Dense {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = dist.Rand()
	}
	return mat.NewDense(rows, cols, data)
}

func requireClose(t *testing.T, want, got mat.Matrix, tol float64) {
	t.Helper()
	require.Truef(t, mat.EqualApprox(want, got, tol), "want\n%v\ngot\n%v",
		mat.Formatted(want), mat.Formatted(got))
}

func requireFinite(t *testing.T, m mat.Matrix) {
	t.Helper()
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			require.Falsef(t, math.IsNaN(v) || math.IsInf(v, 0), "entry (%d, %d) is %v", i, j, v)
		}
	}
}
