package nn

import (
	"errors"
	"fmt"
	"strings"

	"nflow/nn/layers"

	"gonum.org/v1/gonum/floats"
)

// ErrPriorType is returned for a log-prior type other than Laplace or Gaussian.
var ErrPriorType = errors.New("unknown prior type")

// PriorType selects the weight penalty of LogPrior.
type PriorType int

const (
	Laplace PriorType = iota
	Gaussian
)

// ParsePrior accepts laplace/l1 and gaussian/l2/normal in any case.
func ParsePrior(s string) (PriorType, error) {
	switch strings.ToLower(s) {
	case "laplace", "l1":
		return Laplace, nil
	case "gaussian", "l2", "normal":
		return Gaussian, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrPriorType, s)
}

// priorParams returns the parameters LogPrior reads.
func priorParams(seq *Sequential) []layers.Param {
	var ps []layers.Param
	for _, layer := range seq.Layers {
		if layer.Tag() != layers.KindMADE {
			continue
		}
		for _, p := range layer.Params() {
			if p.Regularize && !p.Bias {
				ps = append(ps, p)
			}
		}
	}
	return ps
}

// LogPrior of the regularised weights of the MADE layers in seq: Laplace is
// -Σ|w|/scale, Gaussian is -Σw²/(2·scale²). Biases never contribute.
func LogPrior(seq *Sequential, scale float64, kind string) (float64, error) {
	prior, err := ParsePrior(kind)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, p := range priorParams(seq) {
		switch prior {
		case Laplace:
			total += floats.Norm(p.Data, 1)
		case Gaussian:
			total += floats.Dot(p.Data, p.Data)
		}
	}
	if prior == Gaussian {
		return -total / (2 * scale * scale), nil
	}
	return -total / scale, nil
}

// LogPriorGrad adds the gradient of LogPrior to each weight's Grad. The
// Laplace gradient at w = 0 is taken as 0.
func LogPriorGrad(seq *Sequential, scale float64, kind string) error {
	prior, err := ParsePrior(kind)
	if err != nil {
		return err
	}
	for _, p := range priorParams(seq) {
		switch prior {
		case Laplace:
			for i, w := range p.Data {
				switch {
				case w > 0:
					p.Grad[i] -= 1 / scale
				case w < 0:
					p.Grad[i] += 1 / scale
				}
			}
		case Gaussian:
			floats.AddScaled(p.Grad, -1/(scale*scale), p.Data)
		}
	}
	return nil
}
