package rnn

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/internal/varscope"
)

const defaultCapping = 20

// BatchNormCellConfig holds configuration for BatchNormCell.
type BatchNormCellConfig struct {
	InputSize int                // Features per input step
	Units     int                // State and output size
	Capping   float32            // Activation cap (default: 20, negative: none)
	Name      string             // Sub-scope name (default: "BatchNormCell")
	Logger    logrus.FieldLogger // Passed to the batch norm layer
}

// BatchNormCell is a recurrent step with batch-normalized input projection:
//
//	output = newState = clippedReLU(SBN(input*W) + state*U + B, capping)
//
// Variables (under the Name sub-scope):
//   - W: [InputSize, Units]
//   - sbn/beta, sbn/gamma: [Units]
//   - U: [Units, Units]
//   - B: [Units], zeros
type BatchNormCell[B tensor.Backend] struct {
	inputSize int
	units     int
	capping   float32
	w         *nn.Parameter[B]
	u         *nn.Parameter[B]
	b         *nn.Parameter[B]
	bn        *BatchNorm[B]
}

// NewBatchNormCell creates the cell's variables under sc.Sub(cfg.Name).
func NewBatchNormCell[B tensor.Backend](sc varscope.Scope[B], cfg BatchNormCellConfig) (*BatchNormCell[B], error) {
	if cfg.InputSize < 1 || cfg.Units < 1 {
		return nil, errors.Wrapf(ErrArgShape, "batch norm cell: input size %d, units %d", cfg.InputSize, cfg.Units)
	}
	if cfg.Capping == 0 {
		cfg.Capping = defaultCapping
	}
	if cfg.Name == "" {
		cfg.Name = "BatchNormCell"
	}

	cs := sc.Sub(cfg.Name)

	w, err := cs.Variable("W", tensor.Shape{cfg.InputSize, cfg.Units}, varscope.GlorotUniform())
	if err != nil {
		return nil, errors.Wrap(err, "batch norm cell")
	}
	bn, err := NewSeqBatchNorm(cs, cfg.Units, cfg.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "batch norm cell")
	}
	u, err := cs.Variable("U", tensor.Shape{cfg.Units, cfg.Units}, varscope.GlorotUniform())
	if err != nil {
		return nil, errors.Wrap(err, "batch norm cell")
	}
	b, err := cs.Variable("B", tensor.Shape{cfg.Units}, varscope.Zeros())
	if err != nil {
		return nil, errors.Wrap(err, "batch norm cell")
	}

	return &BatchNormCell[B]{
		inputSize: cfg.InputSize,
		units:     cfg.Units,
		capping:   cfg.Capping,
		w:         w,
		u:         u,
		b:         b,
		bn:        bn,
	}, nil
}

// Step computes one recurrent step.
func (c *BatchNormCell[B]) Step(input, state *tensor.Tensor[float32, B]) (output, newState *tensor.Tensor[float32, B]) {
	checkStep("BatchNormCell.Step", input.Shape(), state.Shape(), c.inputSize, c.units)

	// [batch, in] @ [in, units]
	resi := c.bn.Forward(input.MatMul(c.w.Tensor()))
	// [batch, units] @ [units, units]
	resu := state.MatMul(c.u.Tensor())

	pre := resi.Add(resu).Add(c.b.Tensor().Reshape(1, c.units))
	output = ClippedReLU(pre, c.capping)
	return output, output
}

// SetTraining switches the batch norm layer between batch statistics and
// moving averages.
func (c *BatchNormCell[B]) SetTraining(training bool) {
	c.bn.SetTraining(training)
}

// InputSize returns the input feature count.
func (c *BatchNormCell[B]) InputSize() int { return c.inputSize }

// StateSize returns the number of units.
func (c *BatchNormCell[B]) StateSize() int { return c.units }

// OutputSize returns the number of units.
func (c *BatchNormCell[B]) OutputSize() int { return c.units }

// Capping returns the activation cap (<= 0 means none).
func (c *BatchNormCell[B]) Capping() float32 { return c.capping }

// Parameters returns [W, gamma, beta, U, B].
func (c *BatchNormCell[B]) Parameters() []*nn.Parameter[B] {
	params := []*nn.Parameter[B]{c.w}
	params = append(params, c.bn.Parameters()...)
	return append(params, c.u, c.b)
}

// BatchNorm returns the input batch normalization layer.
func (c *BatchNormCell[B]) BatchNorm() *BatchNorm[B] {
	return c.bn
}
