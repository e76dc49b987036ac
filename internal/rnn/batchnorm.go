package rnn

import (
	"fmt"
	"sync"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/internal/ema"
	"github.com/born-ml/rnncell/internal/varscope"
)

// ErrInvalidAxes is returned for reduction axes that are negative or repeated.
var ErrInvalidAxes = errors.New("invalid reduction axes")

// Moving-average names used by BatchNorm.
const (
	momentsName  = "moments"
	meanSeries   = "mean"
	varSeries    = "variance"
	defaultDecay = 0.5
	defaultEps   = 1e-5
)

// BatchNormConfig holds configuration for a batch normalization layer.
type BatchNormConfig struct {
	NumFeatures int                // Size of the last (feature) axis
	Axes        []int              // Reduction axes (default: [0, 1, 2])
	Decay       float32            // Moving-average decay (default: 0.5)
	Epsilon     float32            // Variance epsilon (default: 1e-5)
	Name        string             // Sub-scope name (default: "bn")
	Logger      logrus.FieldLogger // Defaults to the logrus standard logger
}

// BatchNorm normalizes its input with batch moments and tracks their
// exponential moving averages for inference.
//
// Formula: Y = (X - mean) * rsqrt(var + eps) * gamma + beta
//
// In training mode mean and var are the moments of the current batch over
// Axes (population variance) and each call feeds them into the moving
// averages "mean" and "variance". In inference mode the moving averages are
// used instead. The averages live in the variable store, so every tower
// built over the same store contributes to and reads the same statistics.
//
// The moving averages hold one value per element of the moments, so every
// axis outside Axes keeps the size it had on the first training call. With
// the default axes that is only the feature axis; with Axes [0] on
// [batch, time, features] input the time length is fixed as well, and a
// different length panics.
//
// Variables (under the Name sub-scope):
//   - beta: [NumFeatures], zeros
//   - gamma: [NumFeatures], ones
type BatchNorm[B tensor.Backend] struct {
	name        string
	numFeatures int
	axes        []int
	epsilon     float32
	beta        *nn.Parameter[B]
	gamma       *nn.Parameter[B]
	averages    *ema.MovingAverage
	logger      logrus.FieldLogger

	mu       sync.Mutex
	training bool
	warned   bool
}

// NewBatchNorm creates a batch normalization layer under sc.Sub(cfg.Name).
//
// The layer starts in training mode.
func NewBatchNorm[B tensor.Backend](sc varscope.Scope[B], cfg BatchNormConfig) (*BatchNorm[B], error) {
	if cfg.NumFeatures < 1 {
		return nil, errors.Wrapf(ErrArgShape, "batch norm: %d features", cfg.NumFeatures)
	}
	if cfg.Axes == nil {
		cfg.Axes = []int{0, 1, 2}
	}
	if cfg.Decay == 0 {
		cfg.Decay = defaultDecay
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = defaultEps
	}
	if cfg.Name == "" {
		cfg.Name = "bn"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	seen := make(map[int]bool, len(cfg.Axes))
	for _, ax := range cfg.Axes {
		if ax < 0 || seen[ax] {
			return nil, errors.Wrapf(ErrInvalidAxes, "batch norm: %v", cfg.Axes)
		}
		seen[ax] = true
	}

	bs := sc.Sub(cfg.Name)
	beta, err := bs.Variable("beta", tensor.Shape{cfg.NumFeatures}, varscope.Zeros())
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}
	gamma, err := bs.Variable("gamma", tensor.Shape{cfg.NumFeatures}, varscope.Ones())
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}
	averages, err := bs.MovingAverage(momentsName, cfg.Decay)
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}

	return &BatchNorm[B]{
		name:        bs.Name(),
		numFeatures: cfg.NumFeatures,
		axes:        append([]int(nil), cfg.Axes...),
		epsilon:     cfg.Epsilon,
		beta:        beta,
		gamma:       gamma,
		averages:    averages,
		logger:      cfg.Logger,
		training:    true,
	}, nil
}

// NewSeqBatchNorm creates a batch normalization layer for [batch, features]
// inputs, reducing over the batch axis only, under sc.Sub("sbn").
func NewSeqBatchNorm[B tensor.Backend](sc varscope.Scope[B], numFeatures int, logger logrus.FieldLogger) (*BatchNorm[B], error) {
	return NewBatchNorm(sc, BatchNormConfig{
		NumFeatures: numFeatures,
		Axes:        []int{0},
		Name:        "sbn",
		Logger:      logger,
	})
}

// Forward normalizes x, whose last axis must have NumFeatures elements.
//
// Reduction axes must all precede the feature axis.
func (bn *BatchNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	rank := len(shape)
	if rank == 0 || shape[rank-1] != bn.numFeatures {
		panic(fmt.Sprintf("BatchNorm.Forward: expected last dimension %d, got shape %v", bn.numFeatures, shape))
	}
	for _, ax := range bn.axes {
		if ax >= rank-1 {
			panic(fmt.Sprintf("BatchNorm.Forward: cannot reduce axis %d of shape %v", ax, shape))
		}
	}

	backend := x.Backend()

	// mean and variance keep the reduced axes as size 1.
	mean, variance := bn.statistics(x)

	xCentered := center(x, mean)
	epsTensor := tensor.Full[float32](variance.Shape(), bn.epsilon, backend)
	xNorm := xCentered.Mul(epsTensor.Add(variance).Rsqrt())

	// [n] -> [1, ..., 1, n]
	bshape := make([]int, rank)
	for i := range bshape {
		bshape[i] = 1
	}
	bshape[rank-1] = bn.numFeatures
	gamma := bn.gamma.Tensor().Reshape(bshape...)
	beta := bn.beta.Tensor().Reshape(bshape...)

	return xNorm.Mul(gamma).Add(beta)
}

// statistics returns the moments to normalize x with, updating the moving
// averages in training mode.
func (bn *BatchNorm[B]) statistics(x *tensor.Tensor[float32, B]) (mean, variance *tensor.Tensor[float32, B]) {
	bn.mu.Lock()
	training := bn.training
	bn.mu.Unlock()

	if !training {
		if m, v, ok := bn.averaged(x); ok {
			return m, v
		}
		bn.warnNoAverages()
	}

	mean, variance = moments(x, bn.axes)
	if training {
		bn.update(mean, variance)
	}
	return mean, variance
}

func (bn *BatchNorm[B]) update(mean, variance *tensor.Tensor[float32, B]) {
	if err := bn.averages.Apply(meanSeries, mean.Data()); err != nil {
		panic(fmt.Sprintf("BatchNorm.Forward: %s: moments of shape %v do not match earlier batches: %v", bn.name, mean.Shape(), err))
	}
	if err := bn.averages.Apply(varSeries, variance.Data()); err != nil {
		panic(fmt.Sprintf("BatchNorm.Forward: %s: moments of shape %v do not match earlier batches: %v", bn.name, variance.Shape(), err))
	}
}

// averaged returns the moving averages shaped like the moments of x.
func (bn *BatchNorm[B]) averaged(x *tensor.Tensor[float32, B]) (mean, variance *tensor.Tensor[float32, B], ok bool) {
	m, okM := bn.averages.Average(meanSeries)
	v, okV := bn.averages.Average(varSeries)
	if !okM || !okV {
		return nil, nil, false
	}

	kept := x.Shape().Clone()
	for _, ax := range bn.axes {
		kept[ax] = 1
	}
	if len(m) != kept.NumElements() || len(v) != kept.NumElements() {
		panic(fmt.Sprintf("BatchNorm.Forward: %s: moving averages hold %d values, input needs %d", bn.name, len(m), kept.NumElements()))
	}

	backend := x.Backend()
	meanT, err := tensor.FromSlice(m, kept, backend)
	if err != nil {
		panic(fmt.Sprintf("BatchNorm.Forward: %s: %v", bn.name, err))
	}
	varT, err := tensor.FromSlice(v, kept.Clone(), backend)
	if err != nil {
		panic(fmt.Sprintf("BatchNorm.Forward: %s: %v", bn.name, err))
	}
	return meanT, varT, true
}

func (bn *BatchNorm[B]) warnNoAverages() {
	bn.mu.Lock()
	defer bn.mu.Unlock()
	if bn.warned {
		return
	}
	bn.warned = true
	bn.logger.WithField("layer", bn.name).Warn("no moving averages yet, normalizing with batch statistics")
}

// moments returns the mean and population variance of x over axes, keeping
// the reduced axes.
func moments[B tensor.Backend](x *tensor.Tensor[float32, B], axes []int) (mean, variance *tensor.Tensor[float32, B]) {
	mean = x
	for _, ax := range axes {
		mean = mean.MeanDim(ax, true)
	}
	centered := center(x, mean)
	variance = centered.Mul(centered)
	for _, ax := range axes {
		variance = variance.MeanDim(ax, true)
	}
	return mean, variance
}

// center returns x - mean. When every reduced axis has size 1 the shapes
// match and the subtraction would run in place, so x is copied first.
func center[B tensor.Backend](x, mean *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if x.Shape().Equal(mean.Shape()) {
		return owned(x).Sub(mean)
	}
	return x.Sub(mean)
}

// SetTraining switches between batch statistics (true) and moving averages
// (false).
func (bn *BatchNorm[B]) SetTraining(training bool) {
	bn.mu.Lock()
	defer bn.mu.Unlock()
	bn.training = training
}

// Training reports whether the layer is in training mode.
func (bn *BatchNorm[B]) Training() bool {
	bn.mu.Lock()
	defer bn.mu.Unlock()
	return bn.training
}

// Parameters returns [gamma, beta].
func (bn *BatchNorm[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{bn.gamma, bn.beta}
}

// Name returns the full scope name of the layer.
func (bn *BatchNorm[B]) Name() string {
	return bn.name
}

// MovingAverages returns the statistics shared through the variable store.
func (bn *BatchNorm[B]) MovingAverages() *ema.MovingAverage {
	return bn.averages
}
