package layers

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrCondition is returned when a conditioning input reaches a layer that was
// built without conditioning weights.
var ErrCondition = errors.New("conditioning input given to an unconditioned layer")

// ErrNoForward is returned by Backward when no forward pass has been cached
// since construction or since the last inverse pass.
var ErrNoForward = errors.New("backward called without a preceding forward pass")

// Kind tags a flow layer so callers can filter layers without type switches.
type Kind int

const (
	KindMADE Kind = iota
	KindCoupling
	KindBatchNorm
)

func (k Kind) String() string {
	switch k {
	case KindMADE:
		return "MADE"
	case KindCoupling:
		return "Coupling"
	case KindBatchNorm:
		return "BatchNorm"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Param is a handle on one parameter array owned by a layer. Data aliases the
// layer's storage: writing through it updates the layer in place. Grad aliases
// the gradient the layer accumulates on Backward; it is nil for buffers.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64

	// Bias marks shift-like parameters, which are never regularised.
	Bias bool
	// Regularize marks weights that enter the log-prior.
	Regularize bool
	// Buffer marks running statistics: state, not trainable.
	Buffer bool
}

func denseParam(name string, m, grad *mat.Dense, regularize bool) Param {
	r, c := m.Dims()
	return Param{
		Name:       name,
		Shape:      []int{r, c},
		Data:       m.RawMatrix().Data,
		Grad:       grad.RawMatrix().Data,
		Regularize: regularize,
	}
}

func vecParam(name string, v, grad []float64, bias bool) Param {
	return Param{Name: name, Shape: []int{len(v)}, Data: v, Grad: grad, Bias: bias}
}

func bufferParam(name string, v []float64) Param {
	return Param{Name: name, Shape: []int{len(v)}, Data: v, Buffer: true}
}

// ZeroGrad clears the accumulated gradients of ps.
func ZeroGrad(ps []Param) {
	for _, p := range ps {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// randomArray draws size values from U(lo, hi).
func randomArray(size int, lo, hi float64, rng *rand.Rand) []float64 {
	dist := distuv.Uniform{Min: lo, Max: hi, Src: rng}
	data := make([]float64, size)
	for i := range data {
		data[i] = dist.Rand()
	}
	return data
}

func defaultRNG(rng *rand.Rand) *rand.Rand {
	if rng == nil {
		return rand.New(rand.NewSource(0))
	}
	return rng
}
