package layers

import (
	"fmt"
	"math"

	"nflow/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully-connected layer: y = x·Wᵀ + B.
type Linear struct {
	W *mat.Dense // (out, in)
	B []float64  // (out)

	gradW *mat.Dense
	gradB []float64

	lastInput *mat.Dense
}

// NewLinear(inDim→outDim) initialises W and B from U(-1/√in, 1/√in).
func NewLinear(inDim, outDim int, rng *rand.Rand) *Linear {
	rng = defaultRNG(rng)
	bound := 1 / math.Sqrt(float64(inDim))
	return &Linear{
		W:     mat.NewDense(outDim, inDim, randomArray(outDim*inDim, -bound, bound, rng)),
		B:     randomArray(outDim, -bound, bound, rng),
		gradW: mat.NewDense(outDim, inDim, nil),
		gradB: make([]float64, outDim),
	}
}

// Forward caches x for Backward.
func (l *Linear) Forward(x mat.Matrix) (*mat.Dense, error) {
	_, in := l.W.Dims()
	if err := tensor.CheckCols(x, in, "linear input"); err != nil {
		return nil, err
	}
	l.lastInput = mat.DenseCopyOf(x)
	var y mat.Dense
	y.Mul(x, l.W.T())
	tensor.AddRow(&y, l.B)
	return &y, nil
}

// Backward accumulates the weight and bias gradients of the last Forward
// and returns the gradient w.r.t. its input.
func (l *Linear) Backward(gradOut mat.Matrix) (*mat.Dense, error) {
	if l.lastInput == nil {
		return nil, ErrNoForward
	}
	if err := tensor.CheckRows(l.lastInput, gradOut, "linear gradient"); err != nil {
		return nil, err
	}
	accumulate(l.gradW, l.gradB, l.lastInput, gradOut, nil)
	var gradIn mat.Dense
	gradIn.Mul(gradOut, l.W)
	return &gradIn, nil
}

func (l *Linear) clone() *Linear {
	out, in := l.W.Dims()
	return &Linear{
		W:     mat.DenseCopyOf(l.W),
		B:     append([]float64(nil), l.B...),
		gradW: mat.NewDense(out, in, nil),
		gradB: make([]float64, out),
	}
}

func (l *Linear) params(prefix string) []Param {
	return []Param{
		denseParam(prefix+".weight", l.W, l.gradW, false),
		vecParam(prefix+".bias", l.B, l.gradB, true),
	}
}

// accumulate adds gradOutᵀ·x (gated by mask when non-nil) to gradW and the
// column sums of gradOut to gradB.
func accumulate(gradW *mat.Dense, gradB []float64, x, gradOut, mask mat.Matrix) {
	var gw mat.Dense
	gw.Mul(gradOut.T(), x)
	if mask != nil {
		gw.MulElem(&gw, mask)
	}
	gradW.Add(gradW, &gw)
	floats.Add(gradB, tensor.ColSums(gradOut))
}

// MaskedLinear is the MADE building block: y = x·(W⊙M)ᵀ + B [+ c·Cᵀ].
//
// The mask M is fixed at construction. CondW is nil unless the layer was
// built with a conditioning size.
type MaskedLinear struct {
	W     *mat.Dense // (out, in)
	B     []float64  // (out)
	CondW *mat.Dense // (out, cond) or nil

	mask *mat.Dense

	gradW     *mat.Dense
	gradB     []float64
	gradCondW *mat.Dense

	lastInput *mat.Dense
	lastCond  *mat.Dense
}

// NewMaskedLinear builds an in→out layer gated by mask (out, in). condSize 0
// means no conditioning input.
func NewMaskedLinear(inDim, outDim int, mask *mat.Dense, condSize int, rng *rand.Rand) (*MaskedLinear, error) {
	if r, c := mask.Dims(); r != outDim || c != inDim {
		return nil, fmt.Errorf("%w: mask is (%d, %d), layer is (%d, %d)", tensor.ErrShape, r, c, outDim, inDim)
	}
	rng = defaultRNG(rng)
	lin := NewLinear(inDim, outDim, rng)
	l := &MaskedLinear{
		W:     lin.W,
		B:     lin.B,
		mask:  mat.DenseCopyOf(mask),
		gradW: lin.gradW,
		gradB: lin.gradB,
	}
	if condSize > 0 {
		scale := 1 / math.Sqrt(float64(condSize))
		l.CondW = mat.NewDense(outDim, condSize, randomArray(outDim*condSize, 0, scale, rng))
		l.gradCondW = mat.NewDense(outDim, condSize, nil)
	}
	return l, nil
}

// Forward applies the masked affine map and caches its inputs for Backward.
// cond may be nil.
func (l *MaskedLinear) Forward(x mat.Matrix, cond *mat.Dense) (*mat.Dense, error) {
	_, in := l.W.Dims()
	if err := tensor.CheckCols(x, in, "masked linear input"); err != nil {
		return nil, err
	}
	var w mat.Dense
	w.MulElem(l.W, l.mask)
	var y mat.Dense
	y.Mul(x, w.T())
	tensor.AddRow(&y, l.B)

	if cond == nil {
		l.lastInput, l.lastCond = mat.DenseCopyOf(x), nil
		return &y, nil
	}
	if l.CondW == nil {
		return nil, ErrCondition
	}
	_, cs := l.CondW.Dims()
	if err := tensor.CheckCols(cond, cs, "conditioning input"); err != nil {
		return nil, err
	}
	if err := tensor.CheckRows(x, cond, "conditioning input"); err != nil {
		return nil, err
	}
	var c mat.Dense
	c.Mul(cond, l.CondW.T())
	y.Add(&y, &c)
	l.lastInput, l.lastCond = mat.DenseCopyOf(x), mat.DenseCopyOf(cond)
	return &y, nil
}

// Backward accumulates the gradients of the last Forward and returns the
// gradient w.r.t. x. Masked-out weights get a zero gradient.
func (l *MaskedLinear) Backward(gradOut mat.Matrix) (*mat.Dense, error) {
	if l.lastInput == nil {
		return nil, ErrNoForward
	}
	if err := tensor.CheckRows(l.lastInput, gradOut, "masked linear gradient"); err != nil {
		return nil, err
	}
	accumulate(l.gradW, l.gradB, l.lastInput, gradOut, l.mask)
	if l.lastCond != nil {
		var gc mat.Dense
		gc.Mul(gradOut.T(), l.lastCond)
		l.gradCondW.Add(l.gradCondW, &gc)
	}
	var w mat.Dense
	w.MulElem(l.W, l.mask)
	var gradIn mat.Dense
	gradIn.Mul(gradOut, &w)
	return &gradIn, nil
}

// Mask returns a copy of the connectivity mask.
func (l *MaskedLinear) Mask() *mat.Dense {
	return mat.DenseCopyOf(l.mask)
}

func (l *MaskedLinear) params(prefix string, regularize bool) []Param {
	ps := []Param{
		denseParam(prefix+".weight", l.W, l.gradW, regularize),
		vecParam(prefix+".bias", l.B, l.gradB, true),
	}
	if l.CondW != nil {
		ps = append(ps, denseParam(prefix+".cond_weight", l.CondW, l.gradCondW, false))
	}
	return ps
}

func (l *MaskedLinear) String() string {
	out, in := l.W.Dims()
	s := fmt.Sprintf("MaskedLinear(in_features=%d, out_features=%d", in, out)
	if l.CondW != nil {
		_, c := l.CondW.Dims()
		s += fmt.Sprintf(", cond_features=%d", c)
	}
	return s + ")"
}
