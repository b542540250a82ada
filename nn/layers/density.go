package layers

import (
	"nflow/tensor"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// BaseLogProb sums, per sample, the standard Normal log-density of u plus the
// log-Jacobian term ladj. Both are (batch, D).
func BaseLogProb(u, ladj mat.Matrix) []float64 {
	lp := tensor.Apply(u, distuv.UnitNormal.LogProb)
	lp.Add(lp, ladj)
	return tensor.RowSums(lp)
}
