// Package mask builds the degree assignments and binary connectivity masks
// that give a masked network its autoregressive property.
//
// Every unit of every layer gets an integer degree. A unit with degree d may
// only read units of the previous layer whose degree is <= d; output units are
// shifted down by one so output i never sees input i or anything after it.
package mask

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInputSize is returned for fewer than two inputs; degrees are taken
	// modulo inputSize-1.
	ErrInputSize = errors.New("autoregressive masks need at least 2 inputs")
	// ErrDegrees is returned when supplied input degrees are not a valid order.
	ErrDegrees = errors.New("invalid input degrees")
)

// Order selects how input degrees are assigned.
type Order int

const (
	// Sequential assigns degrees 0..D-1 and cycles hidden degrees.
	Sequential Order = iota
	// Random draws a permutation for the inputs and uniform hidden degrees.
	Random
)

func (o Order) String() string {
	switch o {
	case Sequential:
		return "sequential"
	case Random:
		return "random"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

// ParseOrder maps "sequential" or "random" (any case) to an Order.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "sequential", "":
		return Sequential, nil
	case "random":
		return Random, nil
	}
	return 0, fmt.Errorf("unknown input order %q", s)
}

// Build returns nHidden+2 masks (input→hidden, nHidden hidden→hidden,
// hidden→output) and the input degrees that were realised.
//
// degrees, when non-nil, overrides the input order; it must be a permutation
// of 0..inputSize-1. rng is only drawn from for the Random order; a nil rng
// falls back to a fixed seed so construction stays reproducible.
//
// Output degrees are always input degree - 1, for the Random order too: they
// are not drawn, so output i never sees input i and every input is reachable
// by the outputs of higher degree.
func Build(inputSize, hiddenSize, nHidden int, order Order, degrees []int, rng *rand.Rand) ([]*mat.Dense, []int, error) {
	if inputSize < 2 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInputSize, inputSize)
	}
	if hiddenSize < 1 || nHidden < 0 {
		return nil, nil, fmt.Errorf("invalid hidden layout: size %d, layers %d", hiddenSize, nHidden)
	}
	if degrees != nil {
		if err := checkPermutation(degrees, inputSize); err != nil {
			return nil, nil, err
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	var in []int
	switch {
	case degrees != nil:
		in = append([]int(nil), degrees...)
	case order == Random:
		in = rng.Perm(inputSize)
	default:
		in = arange(inputSize)
	}

	layers := [][]int{in}
	for l := 0; l < nHidden+1; l++ {
		d := make([]int, hiddenSize)
		switch order {
		case Sequential:
			for k := range d {
				d[k] = k % (inputSize - 1)
			}
		case Random:
			lo := min(minOf(layers[len(layers)-1]), inputSize-1)
			for k := range d {
				d[k] = lo + rng.Intn(inputSize-lo)
			}
		default:
			return nil, nil, fmt.Errorf("unknown input order %v", order)
		}
		layers = append(layers, d)
	}

	out := make([]int, inputSize)
	for i, d := range in {
		out[i] = d%inputSize - 1
	}
	layers = append(layers, out)

	masks := make([]*mat.Dense, 0, len(layers)-1)
	for l := 1; l < len(layers); l++ {
		masks = append(masks, Connect(layers[l-1], layers[l]))
	}
	return masks, in, nil
}

// Connect returns the (len(d1), len(d0)) mask with entry (j,i) set iff
// d1[j] >= d0[i].
func Connect(d0, d1 []int) *mat.Dense {
	m := mat.NewDense(len(d1), len(d0), nil)
	for j, dj := range d1 {
		for i, di := range d0 {
			if dj >= di {
				m.Set(j, i, 1)
			}
		}
	}
	return m
}

// Reverse returns degrees read backwards.
func Reverse(degrees []int) []int {
	out := make([]int, len(degrees))
	for i, d := range degrees {
		out[len(degrees)-1-i] = d
	}
	return out
}

// EvalOrder returns the input columns sorted by increasing degree: the order
// in which an autoregressive inverse can fill them in.
func EvalOrder(degrees []int) []int {
	idx := arange(len(degrees))
	sort.SliceStable(idx, func(a, b int) bool { return degrees[idx[a]] < degrees[idx[b]] })
	return idx
}

func checkPermutation(degrees []int, n int) error {
	if len(degrees) != n {
		return fmt.Errorf("%w: %d degrees for %d inputs", ErrDegrees, len(degrees), n)
	}
	seen := make([]bool, n)
	for _, d := range degrees {
		if d < 0 || d >= n || seen[d] {
			return fmt.Errorf("%w: %v is not a permutation of 0..%d", ErrDegrees, degrees, n-1)
		}
		seen[d] = true
	}
	return nil
}

func arange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func minOf(d []int) int {
	m := d[0]
	for _, v := range d[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
