package nn

import (
	"fmt"

	"nflow/nn/layers"
	"nflow/tensor"

	"gonum.org/v1/gonum/mat"
)

// Flow is one invertible layer of a normalizing flow.
//
// Forward maps x to u and returns the per-element log|det J| of that map;
// Inverse maps u back to x and returns the log-Jacobian of the inverse map,
// which is the negation of the forward term at the corresponding point.
// cond is the optional conditioning input; nil means none.
//
// Backward takes the gradients of a scalar objective w.r.t. the outputs and
// log-Jacobian of the last Forward, adds the parameter gradients into each
// Param.Grad and returns the gradient w.r.t. that Forward's input.
type Flow interface {
	Forward(x, cond *mat.Dense) (*mat.Dense, *mat.Dense, error)
	Inverse(u, cond *mat.Dense) (*mat.Dense, *mat.Dense, error)
	Backward(gradU, gradLadj *mat.Dense) (*mat.Dense, error)
	Tag() layers.Kind
	Params() []layers.Param
	SetTraining(training bool)
}

// Sequential chains multiple Flows in order.
type Sequential struct {
	Layers []Flow
}

// Forward applies each layer in sequence and sums the log-Jacobians.
func (s *Sequential) Forward(x, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	rows, cols := x.Dims()
	sum := tensor.New(rows, cols)
	for i, layer := range s.Layers {
		var ladj *mat.Dense
		var err error
		x, ladj, err = layer.Forward(x, cond)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d (%v) forward: %w", i, layer.Tag(), err)
		}
		sum.Add(sum, ladj)
	}
	return x, sum, nil
}

// Inverse applies the layers in reverse order and sums the log-Jacobians.
func (s *Sequential) Inverse(u, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	rows, cols := u.Dims()
	sum := tensor.New(rows, cols)
	for i := len(s.Layers) - 1; i >= 0; i-- {
		var ladj *mat.Dense
		var err error
		u, ladj, err = s.Layers[i].Inverse(u, cond)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d (%v) inverse: %w", i, s.Layers[i].Tag(), err)
		}
		sum.Add(sum, ladj)
	}
	return u, sum, nil
}

// Backward applies Backward in reverse order. The summed log-Jacobian feeds
// every layer, so each receives the same gradLadj.
func (s *Sequential) Backward(gradU, gradLadj *mat.Dense) (*mat.Dense, error) {
	g := gradU
	for i := len(s.Layers) - 1; i >= 0; i-- {
		var err error
		if g, err = s.Layers[i].Backward(g, gradLadj); err != nil {
			return nil, fmt.Errorf("layer %d (%v) backward: %w", i, s.Layers[i].Tag(), err)
		}
	}
	return g, nil
}

// SetTraining switches every layer between training and inference mode.
func (s *Sequential) SetTraining(training bool) {
	for _, layer := range s.Layers {
		layer.SetTraining(training)
	}
}
