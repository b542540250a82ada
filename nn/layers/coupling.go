package layers

import (
	"fmt"
	"math"

	"nflow/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// feedForward is Linear, then (activation, Linear) repeated.
type feedForward struct {
	layers []*Linear
	act    *Activation

	pre []*mat.Dense
}

func (f *feedForward) Forward(x mat.Matrix) (*mat.Dense, error) {
	h, err := f.layers[0].Forward(x)
	if err != nil {
		return nil, err
	}
	f.pre = f.pre[:0]
	for _, l := range f.layers[1:] {
		f.pre = append(f.pre, h)
		if h, err = l.Forward(f.act.Forward(h)); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (f *feedForward) Backward(gradOut mat.Matrix) (*mat.Dense, error) {
	g, err := f.layers[len(f.layers)-1].Backward(gradOut)
	if err != nil {
		return nil, err
	}
	for k := len(f.layers) - 2; k >= 0; k-- {
		if g, err = f.layers[k].Backward(f.act.Backward(f.pre[k], g)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (f *feedForward) params(prefix string) []Param {
	var ps []Param
	for i, l := range f.layers {
		ps = append(ps, l.params(fmt.Sprintf("%s.%d", prefix, i))...)
	}
	return ps
}

// Coupling is a RealNVP affine coupling layer.
//
// Dimensions with mask 1 pass through unchanged and condition a scale s and
// translation t for the others: u = x⊙m + (1-m)⊙(x-t)⊙exp(-s). Both
// directions are a single pass.
type Coupling struct {
	mask     []float64
	condSize int

	scale       *feedForward
	translation *feedForward

	last *couplingCache
}

// couplingCache holds the last Forward's input and network outputs.
type couplingCache struct {
	x, s, t *mat.Dense
}

// NewCoupling builds the scale network (tanh) and a translation network that
// starts as a parameter copy of it with relu activations.
func NewCoupling(inputSize, hiddenSize, nHidden int, m []float64, condSize int, rng *rand.Rand) (*Coupling, error) {
	if len(m) != inputSize {
		return nil, fmt.Errorf("%w: coupling mask has %d entries for %d inputs", tensor.ErrShape, len(m), inputSize)
	}
	if hiddenSize < 1 || nHidden < 0 {
		return nil, fmt.Errorf("invalid hidden layout: size %d, layers %d", hiddenSize, nHidden)
	}
	rng = defaultRNG(rng)
	tanh, _ := NewActivation("tanh")
	relu, _ := NewActivation("relu")

	s := &feedForward{act: tanh}
	s.layers = append(s.layers, NewLinear(inputSize+condSize, hiddenSize, rng))
	for i := 0; i < nHidden; i++ {
		s.layers = append(s.layers, NewLinear(hiddenSize, hiddenSize, rng))
	}
	s.layers = append(s.layers, NewLinear(hiddenSize, inputSize, rng))

	t := &feedForward{act: relu}
	for _, l := range s.layers {
		t.layers = append(t.layers, l.clone())
	}

	return &Coupling{
		mask:        append([]float64(nil), m...),
		condSize:    condSize,
		scale:       s,
		translation: t,
	}, nil
}

// st evaluates both sub-networks on the kept part, with cond in front.
func (c *Coupling) st(kept, cond *mat.Dense) (s, t *mat.Dense, err error) {
	in := kept
	if cond != nil {
		if c.condSize == 0 {
			return nil, nil, ErrCondition
		}
		if err := tensor.CheckRows(kept, cond, "conditioning input"); err != nil {
			return nil, nil, err
		}
		in = tensor.ConcatCols(cond, kept)
	}
	if s, err = c.scale.Forward(in); err != nil {
		return nil, nil, err
	}
	if t, err = c.translation.Forward(in); err != nil {
		return nil, nil, err
	}
	return s, t, nil
}

func (c *Coupling) keep(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 { return v * c.mask[j] }, x)
	return &out
}

func (c *Coupling) Forward(x, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(x, len(c.mask), "coupling input"); err != nil {
		return nil, nil, err
	}
	kept := c.keep(x)
	s, t, err := c.st(kept, cond)
	if err != nil {
		return nil, nil, err
	}
	rows, cols := x.Dims()
	u := mat.NewDense(rows, cols, nil)
	ladj := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			free := 1 - c.mask[j]
			u.Set(i, j, kept.At(i, j)+free*(x.At(i, j)-t.At(i, j))*math.Exp(-s.At(i, j)))
			ladj.Set(i, j, -free*s.At(i, j))
		}
	}
	c.last = &couplingCache{x: mat.DenseCopyOf(x), s: s, t: t}
	return u, ladj, nil
}

// Backward accumulates the scale and translation network gradients of the
// last Forward and returns the gradient w.r.t. x.
func (c *Coupling) Backward(gradU, gradLadj *mat.Dense) (*mat.Dense, error) {
	l := c.last
	if l == nil {
		return nil, ErrNoForward
	}
	if err := tensor.CheckRows(l.x, gradU, "coupling gradient"); err != nil {
		return nil, err
	}
	rows, cols := l.x.Dims()
	gradX := mat.NewDense(rows, cols, nil)
	gradS := mat.NewDense(rows, cols, nil)
	gradT := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			free := 1 - c.mask[j]
			g := gradU.At(i, j)
			e := math.Exp(-l.s.At(i, j))
			gradX.Set(i, j, g*(c.mask[j]+free*e))
			gradT.Set(i, j, -g*free*e)
			gradS.Set(i, j, -free*(g*(l.x.At(i, j)-l.t.At(i, j))*e+gradLadj.At(i, j)))
		}
	}
	gs, err := c.scale.Backward(gradS)
	if err != nil {
		return nil, err
	}
	gt, err := c.translation.Backward(gradT)
	if err != nil {
		return nil, err
	}
	// the networks read [cond | x⊙mask]
	_, in := gs.Dims()
	off := in - cols
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			gradX.Set(i, j, gradX.At(i, j)+c.mask[j]*(gs.At(i, off+j)+gt.At(i, off+j)))
		}
	}
	return gradX, nil
}

func (c *Coupling) Inverse(u, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(u, len(c.mask), "coupling input"); err != nil {
		return nil, nil, err
	}
	c.last = nil
	kept := c.keep(u)
	s, t, err := c.st(kept, cond)
	if err != nil {
		return nil, nil, err
	}
	rows, cols := u.Dims()
	x := mat.NewDense(rows, cols, nil)
	ladj := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			free := 1 - c.mask[j]
			x.Set(i, j, kept.At(i, j)+free*(u.At(i, j)*math.Exp(s.At(i, j))+t.At(i, j)))
			ladj.Set(i, j, free*s.At(i, j))
		}
	}
	return x, ladj, nil
}

// Mask returns a copy of the coupling mask.
func (c *Coupling) Mask() []float64 {
	return append([]float64(nil), c.mask...)
}

func (c *Coupling) Tag() Kind        { return KindCoupling }
func (c *Coupling) SetTraining(bool) {}

func (c *Coupling) Params() []Param {
	return append(c.scale.params("scale"), c.translation.params("translation")...)
}

func (c *Coupling) String() string {
	_, in := c.scale.layers[0].W.Dims()
	hidden, _ := c.scale.layers[0].W.Dims()
	return fmt.Sprintf("Coupling(in_features=%d, hidden=%d, layers=%d, cond_features=%d)",
		len(c.mask), hidden, len(c.scale.layers), in-len(c.mask))
}
