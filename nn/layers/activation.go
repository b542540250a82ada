package layers

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"nflow/tensor"

	"gonum.org/v1/gonum/mat"
)

// ErrActivation is returned for an activation name that is not supported.
var ErrActivation = errors.New("unsupported activation")

// SupportedActivations maps a name to its element-wise function.
var SupportedActivations = map[string]func(float64) float64{
	"relu": func(v float64) float64 { return math.Max(v, 0) },
	"tanh": math.Tanh,
}

// derivatives of SupportedActivations, in terms of the pre-activation value.
var derivatives = map[string]func(float64) float64{
	"relu": func(v float64) float64 {
		if v > 0 {
			return 1
		}
		return 0
	},
	"tanh": func(v float64) float64 {
		t := math.Tanh(v)
		return 1 - t*t
	},
}

// Activation applies a named element-wise nonlinearity. It holds no state:
// Backward takes the pre-activation values from the caller.
type Activation struct {
	name  string
	fn    func(float64) float64
	deriv func(float64) float64
}

// NewActivation looks up name (case-insensitive) in SupportedActivations.
func NewActivation(name string) (*Activation, error) {
	key := strings.ToLower(name)
	fn, ok := SupportedActivations[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActivation, name)
	}
	return &Activation{name: key, fn: fn, deriv: derivatives[key]}, nil
}

func (a *Activation) Forward(x mat.Matrix) *mat.Dense {
	return tensor.Apply(x, a.fn)
}

// Backward maps the gradient w.r.t. the output to the gradient w.r.t. the
// pre-activation input x.
func (a *Activation) Backward(x, gradOut mat.Matrix) *mat.Dense {
	var g mat.Dense
	g.MulElem(gradOut, tensor.Apply(x, a.deriv))
	return &g
}

func (a *Activation) String() string {
	return a.name
}
