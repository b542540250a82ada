package layers

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// randBatch draws a rows×cols batch from N(mu, sigma²).
func randBatch(rng *rand.Rand, rows, cols int, mu, sigma float64) *mat.Dense {
	dist := distuv.Normal{Mu: mu, Sigma: sigma, Src: rng}
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

func negated(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(-1, m)
	return &out
}

func zeroParams(ps []Param, names ...string) {
	for _, p := range ps {
		for _, n := range names {
			if p.Name == n {
				for i := range p.Data {
					p.Data[i] = 0
				}
			}
		}
	}
}

func ones(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return 1 }, m)
	return m
}
