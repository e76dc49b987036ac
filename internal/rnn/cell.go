// Package rnn implements recurrent cells whose variables come from a
// varscope.Scope, so their weights can be pinned to a parameter device while
// the cells compute elsewhere.
//
// Building blocks:
//   - Linear: one matrix over concatenated inputs, optional bias
//   - BatchNorm: batch normalization with moving-average statistics
//   - ReLU, ClippedReLU, Tanh: activations working with or without autodiff
//
// Cells:
//   - BasicCell: output = state = act(W*[input, state] + B)
//   - BatchNormCell: output = state = clippedReLU(SBN(input*W) + state*U + B)
//
// RNN and Bidirectional run a cell over a [batch, time, features] sequence.
//
// The CPU backend computes same-shape Add, Sub, Mul and Div in place when the
// receiver owns its buffer. Layers here only use tensors they allocated as
// receivers, so inputs and states passed in are never modified.
package rnn

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Cell is a single recurrent step.
//
// Step consumes input [batch, InputSize] and state [batch, StateSize] and
// returns output [batch, OutputSize] and the next state. For the cells in
// this package output and next state are the same tensor.
type Cell[B tensor.Backend] interface {
	Step(input, state *tensor.Tensor[float32, B]) (output, newState *tensor.Tensor[float32, B])
	InputSize() int
	StateSize() int
	OutputSize() int
	Parameters() []*nn.Parameter[B]
}

// ZeroState returns an all-zero state [batch, cell.StateSize()] on backend.
func ZeroState[B tensor.Backend](cell Cell[B], batch int, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](tensor.Shape{batch, cell.StateSize()}, backend)
}

// checkStep panics unless input and state fit a cell with the given sizes.
func checkStep(where string, input, state tensor.Shape, inputSize, stateSize int) {
	if len(input) != 2 || input[1] != inputSize {
		panic(fmt.Sprintf("%s: expected input [batch, %d], got shape %v", where, inputSize, input))
	}
	if len(state) != 2 || state[1] != stateSize {
		panic(fmt.Sprintf("%s: expected state [batch, %d], got shape %v", where, stateSize, state))
	}
	if input[0] != state[0] {
		panic(fmt.Sprintf("%s: input batch %d does not match state batch %d", where, input[0], state[0]))
	}
}

// owned returns a copy of x that may be used as the receiver of a same-shape
// Add, Sub, Mul or Div without touching x. Autodiff records the copy.
func owned[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](x.Shape(), x.Backend()).Add(x)
}
