package rnn

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/rnncell/internal/varscope"
)

var (
	// ErrNoArgs is returned when a layer is built without inputs.
	ErrNoArgs = errors.New("no arguments")

	// ErrArgShape is returned for a non-positive input or output size.
	ErrArgShape = errors.New("invalid argument shape")
)

// Linear computes sum_i(args[i] @ W_i) + b over a list of 2-D inputs.
//
// The per-argument matrices are stored as one variable of shape
// [sum(argSizes), outputSize], so the inputs are concatenated on the feature
// axis and multiplied once.
//
// Variables (under the "Linear" sub-scope):
//   - Matrix: [sum(argSizes), outputSize], Glorot uniform
//   - Bias: [outputSize], zeros (only when bias is requested)
//
// Example:
//
//	lin, err := rnn.NewLinear(sc, []int{inputSize, units}, units, true)
//	y := lin.Forward(x, h) // [batch, units]
type Linear[B tensor.Backend] struct {
	argSizes    []int
	inFeatures  int
	outFeatures int
	matrix      *nn.Parameter[B]
	bias        *nn.Parameter[B]
}

// NewLinear creates the layer's variables under sc.Sub("Linear").
func NewLinear[B tensor.Backend](sc varscope.Scope[B], argSizes []int, outputSize int, bias bool) (*Linear[B], error) {
	if len(argSizes) == 0 {
		return nil, errors.Wrap(ErrNoArgs, "linear")
	}
	total := 0
	for i, n := range argSizes {
		if n < 1 {
			return nil, errors.Wrapf(ErrArgShape, "linear: argument %d has size %d", i, n)
		}
		total += n
	}
	if outputSize < 1 {
		return nil, errors.Wrapf(ErrArgShape, "linear: output size %d", outputSize)
	}

	ls := sc.Sub("Linear")
	matrix, err := ls.Variable("Matrix", tensor.Shape{total, outputSize}, varscope.GlorotUniform())
	if err != nil {
		return nil, errors.Wrap(err, "linear")
	}

	l := &Linear[B]{
		argSizes:    append([]int(nil), argSizes...),
		inFeatures:  total,
		outFeatures: outputSize,
		matrix:      matrix,
	}

	if bias {
		l.bias, err = ls.Variable("Bias", tensor.Shape{outputSize}, varscope.Zeros())
		if err != nil {
			return nil, errors.Wrap(err, "linear")
		}
	}

	return l, nil
}

// Forward applies the layer to args, which must match the configured sizes.
//
// Input shapes: [batch, argSizes[i]] each, same batch for all.
// Output shape: [batch, outputSize].
func (l *Linear[B]) Forward(args ...*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(args) != len(l.argSizes) {
		panic(fmt.Sprintf("Linear.Forward: expected %d arguments, got %d", len(l.argSizes), len(args)))
	}

	batch := -1
	for i, a := range args {
		shape := a.Shape()
		if len(shape) != 2 {
			panic(fmt.Sprintf("Linear.Forward: argument %d must be 2D [batch, features], got shape %v", i, shape))
		}
		if shape[1] != l.argSizes[i] {
			panic(fmt.Sprintf("Linear.Forward: argument %d expected %d features, got %d", i, l.argSizes[i], shape[1]))
		}
		if batch >= 0 && shape[0] != batch {
			panic(fmt.Sprintf("Linear.Forward: argument %d has batch %d, expected %d", i, shape[0], batch))
		}
		batch = shape[0]
	}

	x := args[0]
	if len(args) > 1 {
		x = tensor.Cat(args, 1)
	}

	// [batch, in] @ [in, out] = [batch, out]
	output := x.MatMul(l.matrix.Tensor())

	if l.bias != nil {
		output = output.Add(l.bias.Tensor().Reshape(1, l.outFeatures))
	}

	return output
}

// Parameters returns [Matrix, Bias], or [Matrix] without bias.
func (l *Linear[B]) Parameters() []*nn.Parameter[B] {
	if l.bias != nil {
		return []*nn.Parameter[B]{l.matrix, l.bias}
	}
	return []*nn.Parameter[B]{l.matrix}
}

// Matrix returns the weight variable.
func (l *Linear[B]) Matrix() *nn.Parameter[B] {
	return l.matrix
}

// Bias returns the bias variable, or nil.
func (l *Linear[B]) Bias() *nn.Parameter[B] {
	return l.bias
}

// InFeatures returns sum(argSizes).
func (l *Linear[B]) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the output size.
func (l *Linear[B]) OutFeatures() int {
	return l.outFeatures
}
