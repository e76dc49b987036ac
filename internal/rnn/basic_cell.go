package rnn

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/rnncell/internal/varscope"
)

// BasicCellConfig holds configuration for BasicCell.
type BasicCellConfig[B tensor.Backend] struct {
	InputSize  int           // Features per input step
	Units      int           // State and output size
	Activation Activation[B] // Default: ReLU6
	Name       string        // Sub-scope name (default: "BasicCell")
}

// BasicCell is the plain recurrent step
//
//	output = newState = act(W*input + U*state + B)
//
// with W and U stored as one Linear matrix over [input, state].
//
// Example:
//
//	store := varscope.NewStore(cpu.New())
//	tower := varscope.NewReplica(store, autodiff.New(cpu.New()))
//	cell, err := rnn.NewBasicCell(tower.Scope("model"), rnn.BasicCellConfig[*autodiff.Backend[*cpu.Backend]]{
//		InputSize: 13,
//		Units:     64,
//	})
type BasicCell[B tensor.Backend] struct {
	inputSize  int
	units      int
	activation Activation[B]
	linear     *Linear[B]
}

// NewBasicCell creates the cell's variables under sc.Sub(cfg.Name).
func NewBasicCell[B tensor.Backend](sc varscope.Scope[B], cfg BasicCellConfig[B]) (*BasicCell[B], error) {
	if cfg.InputSize < 1 || cfg.Units < 1 {
		return nil, errors.Wrapf(ErrArgShape, "basic cell: input size %d, units %d", cfg.InputSize, cfg.Units)
	}
	if cfg.Activation == nil {
		cfg.Activation = ReLU6[B]
	}
	if cfg.Name == "" {
		cfg.Name = "BasicCell"
	}

	linear, err := NewLinear(sc.Sub(cfg.Name), []int{cfg.InputSize, cfg.Units}, cfg.Units, true)
	if err != nil {
		return nil, errors.Wrap(err, "basic cell")
	}

	return &BasicCell[B]{
		inputSize:  cfg.InputSize,
		units:      cfg.Units,
		activation: cfg.Activation,
		linear:     linear,
	}, nil
}

// Step computes one recurrent step.
func (c *BasicCell[B]) Step(input, state *tensor.Tensor[float32, B]) (output, newState *tensor.Tensor[float32, B]) {
	checkStep("BasicCell.Step", input.Shape(), state.Shape(), c.inputSize, c.units)
	output = c.activation(c.linear.Forward(input, state))
	return output, output
}

// InputSize returns the input feature count.
func (c *BasicCell[B]) InputSize() int { return c.inputSize }

// StateSize returns the number of units.
func (c *BasicCell[B]) StateSize() int { return c.units }

// OutputSize returns the number of units.
func (c *BasicCell[B]) OutputSize() int { return c.units }

// Parameters returns the Linear matrix and bias.
func (c *BasicCell[B]) Parameters() []*nn.Parameter[B] {
	return c.linear.Parameters()
}

// Linear returns the underlying projection.
func (c *BasicCell[B]) Linear() *Linear[B] {
	return c.linear
}
