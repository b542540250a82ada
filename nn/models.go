package nn

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"nflow/mask"
	"nflow/nn/layers"
	"nflow/tensor"
	"nflow/utils"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Model is the surface a sampler sees: both MAF and RealNVP implement it.
type Model interface {
	Forward(x, cond *mat.Dense) (*mat.Dense, *mat.Dense, error)
	Inverse(u, cond *mat.Dense) (*mat.Dense, *mat.Dense, error)
	LogProb(x, cond *mat.Dense) ([]float64, error)
	LogPrior(scale float64, kind string) (float64, error)
	LogProbGrad(x, cond *mat.Dense, weights []float64) ([]float64, *mat.Dense, error)
	LogPriorGrad(scale float64, kind string) error
	ZeroGrad()
	Sample(n int, cond *mat.Dense, rng *rand.Rand) (*mat.Dense, []float64, error)
	SetTraining(training bool)
	Params() []layers.Param
	Snapshot() *utils.ModelWeights
	Restore(w *utils.ModelWeights) error
	InputSize() int
}

// ModelOptions are the optional parts of a MAF or RealNVP.
type ModelOptions struct {
	// CondSize is the width of the conditioning input; 0 disables it.
	CondSize int
	// Activation and Order apply to MAF only.
	Activation string
	Order      mask.Order
	// BatchNorm inserts a batch normalisation layer after every block.
	BatchNorm bool
	// Momentum and Eps of the batch normalisation layers, used as given.
	Momentum float64
	Eps      float64
}

// DefaultModelOptions: relu, sequential order, batch norm on.
func DefaultModelOptions() ModelOptions {
	return ModelOptions{
		Activation: "relu",
		Order:      mask.Sequential,
		BatchNorm:  true,
		Momentum:   layers.DefaultMomentum,
		Eps:        layers.DefaultEps,
	}
}

// flow carries what MAF and RealNVP share: the layer chain over a fixed
// standard Normal base distribution.
type flow struct {
	name      string
	inputSize int
	net       *Sequential
}

func (f *flow) Forward(x, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(x, f.inputSize, "input"); err != nil {
		return nil, nil, err
	}
	return f.net.Forward(x, cond)
}

func (f *flow) Inverse(u, cond *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(u, f.inputSize, "input"); err != nil {
		return nil, nil, err
	}
	return f.net.Inverse(u, cond)
}

// LogProb returns the per-sample log-density of x.
func (f *flow) LogProb(x, cond *mat.Dense) ([]float64, error) {
	u, ladj, err := f.Forward(x, cond)
	if err != nil {
		return nil, err
	}
	return layers.BaseLogProb(u, ladj), nil
}

// LogPrior is the weight log-prior over the MADE layers; see LogPrior.
func (f *flow) LogPrior(scale float64, kind string) (float64, error) {
	return LogPrior(f.net, scale, kind)
}

// LogProbGrad evaluates LogProb and adds the gradient of Σ_b w_b·logp_b to
// every Param.Grad; nil weights count each sample once. It also returns the
// gradient of that sum w.r.t. x. In training mode batch normalisation couples
// the rows, so the input gradient is of the weighted batch sum, not per row.
func (f *flow) LogProbGrad(x, cond *mat.Dense, weights []float64) ([]float64, *mat.Dense, error) {
	u, ladj, err := f.Forward(x, cond)
	if err != nil {
		return nil, nil, err
	}
	rows, cols := u.Dims()
	if weights == nil {
		weights = make([]float64, rows)
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != rows {
		return nil, nil, fmt.Errorf("%w: %d weights for %d samples", tensor.ErrShape, len(weights), rows)
	}
	// d logN(u)/du = -u
	gradU := mat.NewDense(rows, cols, nil)
	gradU.Apply(func(i, _ int, v float64) float64 { return -weights[i] * v }, u)
	gradLadj := mat.NewDense(rows, cols, nil)
	gradLadj.Apply(func(i, _ int, _ float64) float64 { return weights[i] }, gradLadj)

	gradX, err := f.net.Backward(gradU, gradLadj)
	if err != nil {
		return nil, nil, err
	}
	return layers.BaseLogProb(u, ladj), gradX, nil
}

// LogPriorGrad adds the gradient of LogPrior to every Param.Grad.
func (f *flow) LogPriorGrad(scale float64, kind string) error {
	return LogPriorGrad(f.net, scale, kind)
}

// ZeroGrad clears every accumulated gradient.
func (f *flow) ZeroGrad() { layers.ZeroGrad(f.Params()) }

// Sample draws n base points and maps them through the inverse. The returned
// log-densities are those of the samples under the model.
func (f *flow) Sample(n int, cond *mat.Dense, rng *rand.Rand) (*mat.Dense, []float64, error) {
	if n < 1 {
		return nil, nil, fmt.Errorf("sample count must be positive, got %d", n)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	base := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	u := mat.NewDense(n, f.inputSize, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < f.inputSize; j++ {
			u.Set(i, j, base.Rand())
		}
	}
	x, ladj, err := f.Inverse(u, cond)
	if err != nil {
		return nil, nil, err
	}
	ladj.Scale(-1, ladj)
	return x, layers.BaseLogProb(u, ladj), nil
}

func (f *flow) SetTraining(training bool) { f.net.SetTraining(training) }
func (f *flow) InputSize() int            { return f.inputSize }

// Layers returns the layer chain in forward order.
func (f *flow) Layers() []Flow {
	return append([]Flow(nil), f.net.Layers...)
}

// Params lists every layer's parameters, prefixed with the layer index.
func (f *flow) Params() []layers.Param {
	var ps []layers.Param
	for i, layer := range f.net.Layers {
		for _, p := range layer.Params() {
			p.Name = fmt.Sprintf("%d.%s", i, p.Name)
			ps = append(ps, p)
		}
	}
	return ps
}

// Snapshot copies out every parameter and running statistic.
func (f *flow) Snapshot() *utils.ModelWeights {
	w := &utils.ModelWeights{Version: utils.WeightsVersion, Model: f.name}
	for _, layer := range f.net.Layers {
		lw := utils.LayerWeights{Kind: layer.Tag().String()}
		for _, p := range layer.Params() {
			lw.Params = append(lw.Params, utils.NewWeightData(p.Name, p.Shape, p.Data))
		}
		w.Layers = append(w.Layers, lw)
	}
	return w
}

// Restore copies a snapshot taken from an identically built model back in.
func (f *flow) Restore(w *utils.ModelWeights) error {
	if w == nil {
		return errors.New("nil snapshot")
	}
	if w.Model != f.name {
		return fmt.Errorf("snapshot of a %s, model is a %s", w.Model, f.name)
	}
	if len(w.Layers) != len(f.net.Layers) {
		return fmt.Errorf("snapshot has %d layers, model has %d", len(w.Layers), len(f.net.Layers))
	}
	// validate everything before the first write
	for i, layer := range f.net.Layers {
		lw := w.Layers[i]
		if lw.Kind != layer.Tag().String() {
			return fmt.Errorf("layer %d: snapshot kind %s, model kind %v", i, lw.Kind, layer.Tag())
		}
		ps := layer.Params()
		if len(lw.Params) != len(ps) {
			return fmt.Errorf("layer %d: snapshot has %d params, model has %d", i, len(lw.Params), len(ps))
		}
		for j, p := range ps {
			wd := lw.Params[j]
			if wd == nil {
				return fmt.Errorf("layer %d: snapshot param %d is missing", i, j)
			}
			if wd.Name != p.Name || !slices.Equal(wd.Shape, p.Shape) || len(wd.Data) != len(p.Data) {
				return fmt.Errorf("layer %d: snapshot param %s %v (%d values) does not match %s %v",
					i, wd.Name, wd.Shape, len(wd.Data), p.Name, p.Shape)
			}
		}
	}
	for i, layer := range f.net.Layers {
		for j, p := range layer.Params() {
			copy(p.Data, w.Layers[i].Params[j].Data)
		}
	}
	return nil
}

func (f *flow) String() string {
	var b strings.Builder
	b.WriteString(f.name + "(\n")
	for i, layer := range f.net.Layers {
		fmt.Fprintf(&b, "  (%d): %v\n", i, layer)
	}
	b.WriteString(")")
	return b.String()
}

// MAF is a masked autoregressive flow: a stack of MADE blocks, each reading
// the variables in the reverse order of the block before it.
type MAF struct {
	flow
}

// NewMAF builds nBlocks MADE blocks of nHidden hidden layers with hiddenSize
// units each.
func NewMAF(nBlocks, inputSize, hiddenSize, nHidden int, opts ModelOptions, rng *rand.Rand) (*MAF, error) {
	if nBlocks < 1 {
		return nil, fmt.Errorf("number of blocks must be positive, got %d", nBlocks)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	seq := &Sequential{}
	var degrees []int
	for i := 0; i < nBlocks; i++ {
		made, err := layers.NewMADE(inputSize, hiddenSize, nHidden, layers.MADEOptions{
			CondSize:   opts.CondSize,
			Activation: opts.Activation,
			Order:      opts.Order,
			Degrees:    degrees,
		}, rng)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		degrees = mask.Reverse(made.Degrees())
		seq.Layers = append(seq.Layers, made)
		if opts.BatchNorm {
			seq.Layers = append(seq.Layers, layers.NewBatchNorm(inputSize, opts.Momentum, opts.Eps))
		}
	}
	log.Debug().
		Int("blocks", nBlocks).
		Int("input_size", inputSize).
		Int("hidden_size", hiddenSize).
		Int("n_hidden", nHidden).
		Int("cond_size", opts.CondSize).
		Str("order", opts.Order.String()).
		Bool("batch_norm", opts.BatchNorm).
		Msg("built masked autoregressive flow")
	return &MAF{flow{name: "MAF", inputSize: inputSize, net: seq}}, nil
}

// RealNVP is a stack of affine coupling layers whose masks alternate parity.
type RealNVP struct {
	flow
}

// NewRealNVP builds nBlocks coupling layers; opts.Activation and opts.Order
// are ignored.
func NewRealNVP(nBlocks, inputSize, hiddenSize, nHidden int, opts ModelOptions, rng *rand.Rand) (*RealNVP, error) {
	if nBlocks < 1 {
		return nil, fmt.Errorf("number of blocks must be positive, got %d", nBlocks)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	m := make([]float64, inputSize)
	for i := range m {
		m[i] = float64(i % 2)
	}
	seq := &Sequential{}
	for i := 0; i < nBlocks; i++ {
		c, err := layers.NewCoupling(inputSize, hiddenSize, nHidden, m, opts.CondSize, rng)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		for j := range m {
			m[j] = 1 - m[j]
		}
		seq.Layers = append(seq.Layers, c)
		if opts.BatchNorm {
			seq.Layers = append(seq.Layers, layers.NewBatchNorm(inputSize, opts.Momentum, opts.Eps))
		}
	}
	log.Debug().
		Int("blocks", nBlocks).
		Int("input_size", inputSize).
		Int("hidden_size", hiddenSize).
		Int("n_hidden", nHidden).
		Int("cond_size", opts.CondSize).
		Bool("batch_norm", opts.BatchNorm).
		Msg("built real nvp flow")
	return &RealNVP{flow{name: "RealNVP", inputSize: inputSize, net: seq}}, nil
}
