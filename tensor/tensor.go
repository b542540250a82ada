// Package tensor holds the batch-matrix helpers shared by the flow layers.
//
// A batch is a gonum *mat.Dense of shape (batch, features): one sample per row.
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrShape is returned (wrapped) when an input does not have the configured shape.
var ErrShape = errors.New("shape mismatch")

// New allocates a zeroed rows×cols matrix.
func New(rows, cols int) *mat.Dense {
	return mat.NewDense(rows, cols, nil)
}

// CheckCols reports ErrShape when m does not have cols columns.
func CheckCols(m mat.Matrix, cols int, what string) error {
	_, c := m.Dims()
	if c != cols {
		r, _ := m.Dims()
		return fmt.Errorf("%w: %s is (%d, %d), want (batch, %d)", ErrShape, what, r, c, cols)
	}
	return nil
}

// CheckRows reports ErrShape when a and b disagree on the batch dimension.
func CheckRows(a, b mat.Matrix, what string) error {
	ra, _ := a.Dims()
	rb, _ := b.Dims()
	if ra != rb {
		return fmt.Errorf("%w: %s has %d rows, input has %d", ErrShape, what, rb, ra)
	}
	return nil
}

// Apply returns fn applied element-wise to m.
func Apply(m mat.Matrix, fn func(v float64) float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return fn(v) }, m)
	return &out
}

// AddRow adds row to every row of m in place.
func AddRow(m *mat.Dense, row []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), row)
	}
}

// Broadcast repeats row rows times.
func Broadcast(row []float64, rows int) *mat.Dense {
	out := mat.NewDense(rows, len(row), nil)
	for i := 0; i < rows; i++ {
		out.SetRow(i, row)
	}
	return out
}

// SplitCols copies m into its first k columns and the remaining ones.
func SplitCols(m mat.Matrix, k int) (left, right *mat.Dense) {
	r, c := m.Dims()
	left = mat.NewDense(r, k, nil)
	right = mat.NewDense(r, c-k, nil)
	left.Copy(m)
	for i := 0; i < r; i++ {
		for j := k; j < c; j++ {
			right.Set(i, j-k, m.At(i, j))
		}
	}
	return left, right
}

// ConcatCols joins a and b side by side.
func ConcatCols(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Augment(a, b)
	return &out
}

// ColumnStats returns the per-column mean and biased (population) variance.
func ColumnStats(m mat.Matrix) (mean, variance []float64) {
	r, c := m.Dims()
	mean = make([]float64, c)
	variance = make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		mean[j], variance[j] = stat.PopMeanVariance(col, nil)
	}
	return mean, variance
}

// RowSums sums each row of m.
func RowSums(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	row := make([]float64, c)
	for i := range out {
		mat.Row(row, i, m)
		out[i] = floats.Sum(row)
	}
	return out
}

// ColSums sums each column of m.
func ColSums(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	col := make([]float64, r)
	for j := range out {
		mat.Col(col, j, m)
		out[j] = floats.Sum(col)
	}
	return out
}
