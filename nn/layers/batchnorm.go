package layers

import (
	"fmt"
	"math"

	"nflow/tensor"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultMomentum = 0.9
	DefaultEps      = 1e-5
)

// batchStats are the statistics of the last training-mode forward batch.
type batchStats struct {
	mean     []float64
	variance []float64
}

// bnCache is what Backward needs from the last Forward: the normalised input,
// the per-feature standard deviation, and whether the statistics came from
// the batch itself.
type bnCache struct {
	xHat     *mat.Dense
	std      []float64
	training bool
}

// BatchNorm is an invertible batch normalisation layer.
//
// In training mode Forward normalises with the batch statistics, folds them
// into the running estimates and caches them; Inverse in training mode reads
// that cache (mean 0, variance 1 before any forward). In inference mode both
// directions use the running estimates. The cache is the only state shared
// between calls, so concurrent training passes need external locking.
type BatchNorm struct {
	LogGamma []float64
	Beta     []float64

	RunningMean []float64
	RunningVar  []float64

	Momentum float64
	Eps      float64

	training bool
	batch    *batchStats

	gradLogGamma []float64
	gradBeta     []float64
	last         *bnCache
}

// NewBatchNorm creates a layer over size features in training mode.
func NewBatchNorm(size int, momentum, eps float64) *BatchNorm {
	rv := make([]float64, size)
	for i := range rv {
		rv[i] = 1
	}
	return &BatchNorm{
		LogGamma:     make([]float64, size),
		Beta:         make([]float64, size),
		RunningMean:  make([]float64, size),
		RunningVar:   rv,
		Momentum:     momentum,
		Eps:          eps,
		training:     true,
		gradLogGamma: make([]float64, size),
		gradBeta:     make([]float64, size),
	}
}

func (b *BatchNorm) SetTraining(training bool) { b.training = training }
func (b *BatchNorm) Training() bool            { return b.training }
func (b *BatchNorm) Tag() Kind                 { return KindBatchNorm }

// BatchStats returns copies of the cached batch statistics, if any.
func (b *BatchNorm) BatchStats() (mean, variance []float64, ok bool) {
	if b.batch == nil {
		return nil, nil, false
	}
	return append([]float64(nil), b.batch.mean...), append([]float64(nil), b.batch.variance...), true
}

func (b *BatchNorm) Forward(x, _ *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(x, len(b.Beta), "batch norm input"); err != nil {
		return nil, nil, err
	}
	rows, _ := x.Dims()

	var mean, variance []float64
	if b.training {
		mean, variance = tensor.ColumnStats(x)
		if rows == 1 {
			log.Debug().Int("features", len(variance)).Msg("single-sample batch, using unit variance")
			for j := range variance {
				variance[j] = 1
			}
		}
		for j := range mean {
			b.RunningMean[j] = b.Momentum*b.RunningMean[j] + (1-b.Momentum)*mean[j]
			b.RunningVar[j] = b.Momentum*b.RunningVar[j] + (1-b.Momentum)*variance[j]
		}
		b.batch = &batchStats{mean: mean, variance: variance}
	} else {
		mean, variance = b.RunningMean, b.RunningVar
	}

	y := mat.NewDense(rows, len(mean), nil)
	xHat := mat.NewDense(rows, len(mean), nil)
	std := make([]float64, len(mean))
	ladj := make([]float64, len(mean))
	for j := range mean {
		std[j] = math.Sqrt(variance[j] + b.Eps)
		gamma := math.Exp(b.LogGamma[j])
		for i := 0; i < rows; i++ {
			h := (x.At(i, j) - mean[j]) / std[j]
			xHat.Set(i, j, h)
			y.Set(i, j, gamma*h+b.Beta[j])
		}
		ladj[j] = b.LogGamma[j] - 0.5*math.Log(variance[j]+b.Eps)
	}
	b.last = &bnCache{xHat: xHat, std: std, training: b.training}
	return y, tensor.Broadcast(ladj, rows), nil
}

// Backward accumulates the log-gamma and beta gradients of the last Forward
// and returns the gradient w.r.t. its input. In training mode the gradient
// flows through the batch mean and variance, including the variance term of
// the log-Jacobian; a single-row batch has zero input gradient.
func (b *BatchNorm) Backward(gradY, gradLadj *mat.Dense) (*mat.Dense, error) {
	if b.last == nil {
		return nil, ErrNoForward
	}
	c := b.last
	if err := tensor.CheckRows(c.xHat, gradY, "batch norm gradient"); err != nil {
		return nil, err
	}
	rows, cols := c.xHat.Dims()
	n := float64(rows)
	gradX := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		gamma := math.Exp(b.LogGamma[j])
		var sumG, sumGH, sumL float64
		for i := 0; i < rows; i++ {
			g := gradY.At(i, j)
			sumG += g
			sumGH += g * c.xHat.At(i, j)
			sumL += gradLadj.At(i, j)
		}
		b.gradBeta[j] += sumG
		b.gradLogGamma[j] += gamma*sumGH + sumL

		for i := 0; i < rows; i++ {
			g := gamma * gradY.At(i, j)
			if !c.training {
				gradX.Set(i, j, g/c.std[j])
				continue
			}
			h := c.xHat.At(i, j)
			v := (g - gamma*sumG/n - h*gamma*sumGH/n - h*sumL/n) / c.std[j]
			gradX.Set(i, j, v)
		}
	}
	return gradX, nil
}

func (b *BatchNorm) Inverse(y, _ *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := tensor.CheckCols(y, len(b.Beta), "batch norm input"); err != nil {
		return nil, nil, err
	}
	rows, cols := y.Dims()

	mean, variance := b.RunningMean, b.RunningVar
	if b.training {
		if b.batch != nil {
			mean, variance = b.batch.mean, b.batch.variance
		} else {
			log.Debug().Msg("inverse before any training forward, using mean 0 and variance 1")
			mean, variance = make([]float64, cols), make([]float64, cols)
			for j := range variance {
				variance[j] = 1
			}
		}
	}

	x := mat.NewDense(rows, cols, nil)
	ladj := make([]float64, cols)
	for j := 0; j < cols; j++ {
		std := math.Sqrt(variance[j] + b.Eps)
		invGamma := math.Exp(-b.LogGamma[j])
		for i := 0; i < rows; i++ {
			x.Set(i, j, (y.At(i, j)-b.Beta[j])*invGamma*std+mean[j])
		}
		ladj[j] = 0.5*math.Log(variance[j]+b.Eps) - b.LogGamma[j]
	}
	return x, tensor.Broadcast(ladj, rows), nil
}

func (b *BatchNorm) Params() []Param {
	return []Param{
		vecParam("log_gamma", b.LogGamma, b.gradLogGamma, false),
		vecParam("beta", b.Beta, b.gradBeta, true),
		bufferParam("running_mean", b.RunningMean),
		bufferParam("running_var", b.RunningVar),
	}
}

func (b *BatchNorm) String() string {
	return fmt.Sprintf("BatchNorm(features=%d, momentum=%g, eps=%g)", len(b.Beta), b.Momentum, b.Eps)
}
