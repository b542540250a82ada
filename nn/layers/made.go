package layers

import (
	"fmt"
	"math"
	"strings"

	"nflow/mask"
	"nflow/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// MADEOptions are the optional parts of a MADE block.
type MADEOptions struct {
	// CondSize is the width of the conditioning input; 0 disables it.
	CondSize int
	// Activation is "relu" (default) or "tanh".
	Activation string
	// Order selects the input order when Degrees is nil.
	Order mask.Order
	// Degrees, if set, fixes the input degrees (a permutation of 0..D-1).
	Degrees []int
}

// MADE is a masked autoregressive density estimator used as one flow layer.
//
// The network maps x to a shift m and a log-scale a per dimension, where
// output i depends only on inputs of smaller degree. Forward computes
// u = (x-m)·exp(-a) in one pass. Inverse has to rebuild x one variable at a
// time, costing D network passes.
type MADE struct {
	inputSize int
	degrees   []int
	order     []int

	act    *Activation
	input  *MaskedLinear
	hidden []*MaskedLinear
	output *MaskedLinear

	last *madeCache
}

// madeCache holds the last Forward's intermediate values. Inverse reuses the
// sub-layers and drops it.
type madeCache struct {
	pre     []*mat.Dense // pre-activations of the input and hidden layers
	u       *mat.Dense
	expNegA *mat.Dense
}

// NewMADE builds the masked network. An unknown activation fails here rather
// than on first use.
func NewMADE(inputSize, hiddenSize, nHidden int, opts MADEOptions, rng *rand.Rand) (*MADE, error) {
	actName := opts.Activation
	if actName == "" {
		actName = "relu"
	}
	act, err := NewActivation(actName)
	if err != nil {
		return nil, err
	}
	rng = defaultRNG(rng)

	masks, degrees, err := mask.Build(inputSize, hiddenSize, nHidden, opts.Order, opts.Degrees, rng)
	if err != nil {
		return nil, err
	}

	m := &MADE{
		inputSize: inputSize,
		degrees:   degrees,
		order:     mask.EvalOrder(degrees),
		act:       act,
	}
	if m.input, err = NewMaskedLinear(inputSize, hiddenSize, masks[0], opts.CondSize, rng); err != nil {
		return nil, err
	}
	for _, hm := range masks[1 : len(masks)-1] {
		h, err := NewMaskedLinear(hiddenSize, hiddenSize, hm, 0, rng)
		if err != nil {
			return nil, err
		}
		m.hidden = append(m.hidden, h)
	}
	// shift and log-scale rows share the output mask
	last := masks[len(masks)-1]
	var outMask mat.Dense
	outMask.Stack(last, last)
	if m.output, err = NewMaskedLinear(hiddenSize, 2*inputSize, &outMask, 0, rng); err != nil {
		return nil, err
	}
	return m, nil
}

// Conditioner runs the network once and returns the shift and log-scale.
func (m *MADE) Conditioner(x, cond *mat.Dense) (shift, logScale *mat.Dense, err error) {
	shift, logScale, _, err = m.conditioner(x, cond)
	return shift, logScale, err
}

func (m *MADE) conditioner(x, cond *mat.Dense) (shift, logScale *mat.Dense, pre []*mat.Dense, err error) {
	h, err := m.input.Forward(x, cond)
	if err != nil {
		return nil, nil, nil, err
	}
	pre = append(pre, h)
	for _, l := range m.hidden {
		if h, err = l.Forward(m.act.Forward(h), nil); err != nil {
			return nil, nil, nil, err
		}
		pre = append(pre, h)
	}
	out, err := m.output.Forward(m.act.Forward(h), nil)
	if err != nil {
		return nil, nil, nil, err
	}
	shift, logScale = tensor.SplitCols(out, m.inputSize)
	return shift, logScale, pre, nil
}

// Forward maps x to u = (x-m)·exp(-a); the log-Jacobian is -a.
func (m *MADE) Forward(x, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(x, m.inputSize, "MADE input"); err != nil {
		return nil, nil, err
	}
	shift, logScale, pre, err := m.conditioner(x, cond)
	if err != nil {
		return nil, nil, err
	}
	expNegA := tensor.Apply(logScale, func(a float64) float64 { return math.Exp(-a) })
	var u mat.Dense
	u.Sub(x, shift)
	u.MulElem(&u, expNegA)
	m.last = &madeCache{pre: pre, u: mat.DenseCopyOf(&u), expNegA: expNegA}
	logScale.Scale(-1, logScale)
	return &u, logScale, nil
}

// Backward takes the gradients w.r.t. the outputs u and log-Jacobian of the
// last Forward, accumulates every parameter gradient and returns the
// gradient w.r.t. x.
func (m *MADE) Backward(gradU, gradLadj *mat.Dense) (*mat.Dense, error) {
	c := m.last
	if c == nil {
		return nil, ErrNoForward
	}
	if err := tensor.CheckCols(gradU, m.inputSize, "MADE gradient"); err != nil {
		return nil, err
	}
	// u = (x-m)·exp(-a), ladj = -a
	var gradX, gradShift, gradLogScale mat.Dense
	gradX.MulElem(gradU, c.expNegA)
	gradShift.Scale(-1, &gradX)
	gradLogScale.MulElem(gradU, c.u)
	gradLogScale.Add(&gradLogScale, gradLadj)
	gradLogScale.Scale(-1, &gradLogScale)

	g, err := m.output.Backward(tensor.ConcatCols(&gradShift, &gradLogScale))
	if err != nil {
		return nil, err
	}
	for k := len(m.hidden) - 1; k >= 0; k-- {
		if g, err = m.hidden[k].Backward(m.act.Backward(c.pre[k+1], g)); err != nil {
			return nil, err
		}
	}
	if g, err = m.input.Backward(m.act.Backward(c.pre[0], g)); err != nil {
		return nil, err
	}
	gradX.Add(&gradX, g)
	return &gradX, nil
}

// Inverse rebuilds x from u in increasing degree order, one network pass
// per variable.
//
// The log-Jacobian returned is the log-scale of the last pass. At that point
// every variable except the one with the highest degree is filled in, and no
// output depends on that one, so it equals the log-scale at the final x.
func (m *MADE) Inverse(u, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(u, m.inputSize, "MADE input"); err != nil {
		return nil, nil, err
	}
	m.last = nil
	rows, cols := u.Dims()
	x := mat.NewDense(rows, cols, nil)
	var logScale *mat.Dense
	for _, i := range m.order {
		shift, ls, err := m.Conditioner(x, cond)
		if err != nil {
			return nil, nil, err
		}
		for b := 0; b < rows; b++ {
			x.Set(b, i, u.At(b, i)*math.Exp(ls.At(b, i))+shift.At(b, i))
		}
		logScale = ls
	}
	return x, logScale, nil
}

// LogProb is the per-sample log-density of x under this block alone.
func (m *MADE) LogProb(x, cond *mat.Dense) ([]float64, error) {
	u, ladj, err := m.Forward(x, cond)
	if err != nil {
		return nil, err
	}
	return BaseLogProb(u, ladj), nil
}

// Degrees returns the realised input degrees.
func (m *MADE) Degrees() []int {
	return append([]int(nil), m.degrees...)
}

func (m *MADE) Tag() Kind          { return KindMADE }
func (m *MADE) SetTraining(bool)   {}
func (m *MADE) InputSize() int     { return m.inputSize }
func (m *MADE) Activation() string { return m.act.String() }

// Params lists every parameter. Only the hidden and output weights are
// marked for the log-prior.
func (m *MADE) Params() []Param {
	ps := m.input.params("input", false)
	for i, h := range m.hidden {
		ps = append(ps, h.params(fmt.Sprintf("hidden.%d", i), true)...)
	}
	return append(ps, m.output.params("output", true)...)
}

func (m *MADE) String() string {
	parts := []string{m.input.String()}
	for _, h := range m.hidden {
		parts = append(parts, m.act.String(), h.String())
	}
	parts = append(parts, m.act.String(), m.output.String())
	return "MADE(" + strings.Join(parts, ", ") + ")"
}
