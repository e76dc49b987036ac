package rnn

import (
	"fmt"
	"sync"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

type rnnOptions struct {
	reverse bool
}

// RNNOption configures an RNN.
type RNNOption func(*rnnOptions)

// Reverse runs the cell from the last time step to the first. Outputs stay
// aligned with their input positions.
func Reverse() RNNOption {
	return func(o *rnnOptions) {
		o.reverse = true
	}
}

// RNN runs a Cell over time.
//
// Example:
//
//	r := rnn.NewRNN[B](cell)
//	out := r.Forward(x, nil) // [batch, time, features] -> [batch, time, units]
//	last := r.Final()        // [batch, units]
type RNN[B tensor.Backend] struct {
	cell    Cell[B]
	reverse bool

	mu    sync.Mutex
	final *tensor.Tensor[float32, B]
}

// NewRNN wraps cell.
func NewRNN[B tensor.Backend](cell Cell[B], opts ...RNNOption) *RNN[B] {
	var o rnnOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &RNN[B]{cell: cell, reverse: o.reverse}
}

// Cell returns the wrapped cell.
func (r *RNN[B]) Cell() Cell[B] {
	return r.cell
}

// Reversed reports whether the RNN runs backwards in time.
func (r *RNN[B]) Reversed() bool {
	return r.reverse
}

// Unroll runs the cell over inputs, one [batch, InputSize] tensor per step.
//
// A nil initial state means zeros. Returns the per-step outputs, in input
// order, and the final state.
func (r *RNN[B]) Unroll(inputs []*tensor.Tensor[float32, B], initial *tensor.Tensor[float32, B]) ([]*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	return r.unroll(inputs, initial, nil)
}

// Forward runs the cell over x [batch, time, InputSize] and returns the
// outputs [batch, time, OutputSize].
func (r *RNN[B]) Forward(x, initial *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	steps := r.split("RNN.Forward", x)
	outputs, _ := r.unroll(steps, initial, nil)
	return stack(outputs)
}

// ForwardWithLengths is Forward for padded batches.
//
// Sequence b is valid for its first lengths[b] steps. Past that its state is
// frozen and its outputs are zero, so Final returns the state after the last
// valid step. In reverse mode each sequence starts at its own last valid
// step.
func (r *RNN[B]) ForwardWithLengths(x *tensor.Tensor[float32, B], lengths []int, initial *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	steps := r.split("RNN.ForwardWithLengths", x)
	shape := x.Shape()
	if len(lengths) != shape[0] {
		panic(fmt.Sprintf("RNN.ForwardWithLengths: expected %d lengths, got %d", shape[0], len(lengths)))
	}
	for i, n := range lengths {
		if n < 0 || n > shape[1] {
			panic(fmt.Sprintf("RNN.ForwardWithLengths: length %d of sequence %d outside [0, %d]", n, i, shape[1]))
		}
	}
	outputs, _ := r.unroll(steps, initial, lengths)
	return stack(outputs)
}

// Final returns the state after the most recent run, or nil.
func (r *RNN[B]) Final() *tensor.Tensor[float32, B] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final
}

// Parameters returns the cell's parameters.
func (r *RNN[B]) Parameters() []*nn.Parameter[B] {
	return r.cell.Parameters()
}

func (r *RNN[B]) unroll(inputs []*tensor.Tensor[float32, B], initial *tensor.Tensor[float32, B], lengths []int) ([]*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	if len(inputs) == 0 {
		panic("RNN: no time steps")
	}

	backend := inputs[0].Backend()
	batch := inputs[0].Shape()[0]
	state := initial
	if state == nil {
		state = ZeroState(r.cell, batch, backend)
	}

	outputs := make([]*tensor.Tensor[float32, B], len(inputs))
	for i := range inputs {
		t := i
		if r.reverse {
			t = len(inputs) - 1 - i
		}

		output, next := r.cell.Step(inputs[t], state)
		if lengths != nil {
			// The masks are fresh, so they are the receivers: output, next
			// and state may share buffers with earlier outputs.
			keep, drop := stepMasks(lengths, t, r.cell.StateSize(), backend)
			next = keep.Mul(next).Add(drop.Mul(state))
			outKeep, _ := stepMasks(lengths, t, r.cell.OutputSize(), backend)
			output = outKeep.Mul(output)
		}

		outputs[t] = output
		state = next
	}

	r.mu.Lock()
	r.final = state
	r.mu.Unlock()

	return outputs, state
}

// split turns [batch, time, features] into time tensors of [batch, features].
func (r *RNN[B]) split(where string, x *tensor.Tensor[float32, B]) []*tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 3 {
		panic(fmt.Sprintf("%s: expected 3D input [batch, time, features], got shape %v", where, shape))
	}
	if shape[2] != r.cell.InputSize() {
		panic(fmt.Sprintf("%s: expected %d features, got %d", where, r.cell.InputSize(), shape[2]))
	}
	if shape[1] == 0 {
		panic(fmt.Sprintf("%s: no time steps", where))
	}

	batch, time, features := shape[0], shape[1], shape[2]
	if time == 1 {
		return []*tensor.Tensor[float32, B]{x.Reshape(batch, features)}
	}

	chunks := x.Chunk(time, 1)
	steps := make([]*tensor.Tensor[float32, B], time)
	for t, c := range chunks {
		steps[t] = c.Reshape(batch, features)
	}
	return steps
}

// stack turns time tensors of [batch, units] into [batch, time, units].
func stack[B tensor.Backend](outputs []*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := outputs[0].Shape()
	batch, units := shape[0], shape[1]
	if len(outputs) == 1 {
		return outputs[0].Reshape(batch, 1, units)
	}
	expanded := make([]*tensor.Tensor[float32, B], len(outputs))
	for t, o := range outputs {
		expanded[t] = o.Reshape(batch, 1, units)
	}
	return tensor.Cat(expanded, 1)
}

// stepMasks returns [batch, width] masks selecting sequences still running
// at step t (keep) and those already finished (drop).
func stepMasks[B tensor.Backend](lengths []int, t, width int, backend B) (keep, drop *tensor.Tensor[float32, B]) {
	keepData := make([]float32, len(lengths)*width)
	dropData := make([]float32, len(lengths)*width)
	for b, n := range lengths {
		v := float32(0)
		if t < n {
			v = 1
		}
		row := b * width
		for j := 0; j < width; j++ {
			keepData[row+j] = v
			dropData[row+j] = 1 - v
		}
	}
	shape := tensor.Shape{len(lengths), width}
	keep, err := tensor.FromSlice(keepData, shape, backend)
	if err != nil {
		panic(fmt.Sprintf("RNN: %v", err))
	}
	drop, err = tensor.FromSlice(dropData, shape.Clone(), backend)
	if err != nil {
		panic(fmt.Sprintf("RNN: %v", err))
	}
	return keep, drop
}

// Bidirectional runs one cell forward and another backward over the same
// sequence and concatenates their outputs on the feature axis.
//
// The two cells must live in different scopes, e.g. sc.Sub("fw") and
// sc.Sub("bw").
type Bidirectional[B tensor.Backend] struct {
	fw *RNN[B]
	bw *RNN[B]
}

// NewBidirectional pairs a forward and a backward cell.
func NewBidirectional[B tensor.Backend](fw, bw Cell[B]) *Bidirectional[B] {
	if fw.InputSize() != bw.InputSize() {
		panic(fmt.Sprintf("Bidirectional: input sizes differ: %d and %d", fw.InputSize(), bw.InputSize()))
	}
	return &Bidirectional[B]{
		fw: NewRNN(fw),
		bw: NewRNN(bw, Reverse()),
	}
}

// Forward returns [batch, time, fw.OutputSize()+bw.OutputSize()].
func (b *Bidirectional[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.Cat([]*tensor.Tensor[float32, B]{b.fw.Forward(x, nil), b.bw.Forward(x, nil)}, 2)
}

// ForwardWithLengths is Forward for padded batches.
func (b *Bidirectional[B]) ForwardWithLengths(x *tensor.Tensor[float32, B], lengths []int) *tensor.Tensor[float32, B] {
	return tensor.Cat([]*tensor.Tensor[float32, B]{
		b.fw.ForwardWithLengths(x, lengths, nil),
		b.bw.ForwardWithLengths(x, lengths, nil),
	}, 2)
}

// Final returns the final forward and backward states of the most recent run.
func (b *Bidirectional[B]) Final() (fw, bw *tensor.Tensor[float32, B]) {
	return b.fw.Final(), b.bw.Final()
}

// OutputSize returns the concatenated feature size.
func (b *Bidirectional[B]) OutputSize() int {
	return b.fw.cell.OutputSize() + b.bw.cell.OutputSize()
}

// Parameters returns the forward then the backward cell's parameters.
func (b *Bidirectional[B]) Parameters() []*nn.Parameter[B] {
	return append(b.fw.Parameters(), b.bw.Parameters()...)
}
