package rnn

import (
	"strings"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// ErrUnknownActivation is returned by ActivationByName.
var ErrUnknownActivation = errors.New("unknown activation")

// ReLUBackend is implemented by backends with a native ReLU.
type ReLUBackend interface {
	ReLU(*tensor.RawTensor) *tensor.RawTensor
}

// TanhBackend is implemented by backends with a native Tanh.
type TanhBackend interface {
	Tanh(*tensor.RawTensor) *tensor.RawTensor
}

// tanhBound is where float32 tanh reaches ±1.
const tanhBound = 20

// Activation is an element-wise nonlinearity.
type Activation[B tensor.Backend] func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

// ReLU computes max(0, x).
//
// The backend's ReLU is used when it has one (autodiff does); otherwise the
// result is assembled from Greater and Where.
func ReLU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if rb, ok := any(backend).(ReLUBackend); ok {
		return tensor.New[float32, B](rb.ReLU(x.Raw()), backend)
	}
	zeros := tensor.Zeros[float32](x.Shape(), backend)
	return tensor.Where(x.Greater(zeros), x, zeros)
}

// Tanh computes the hyperbolic tangent of x.
func Tanh[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if tb, ok := any(backend).(TanhBackend); ok {
		return tensor.New[float32, B](tb.Tanh(x.Raw()), backend)
	}
	// tanh(x) = 1 - 2 / (e^2x + 1), saturated outside [-tanhBound, tanhBound]
	shape := x.Shape()
	hi := tensor.Full[float32](shape, tanhBound, backend)
	lo := tensor.Full[float32](shape, -tanhBound, backend)
	xc := tensor.Where(x.Greater(hi), hi, x)
	xc = tensor.Where(lo.Greater(xc), lo, xc)

	e2x := tensor.Full[float32](shape, 2, backend).Mul(xc).Exp()
	q := tensor.Full[float32](shape, 2, backend).Div(e2x.Add(tensor.Ones[float32](shape, backend)))
	return tensor.Ones[float32](shape, backend).Sub(q)
}

// ClippedReLU computes min(max(0, x), capping).
//
// A capping <= 0 disables the upper bound and ClippedReLU behaves as ReLU.
// On backends with a native ReLU the cap is expressed as
// y - relu(y - capping), so gradients stop flowing above the cap just as
// they do below zero.
func ClippedReLU[B tensor.Backend](x *tensor.Tensor[float32, B], capping float32) *tensor.Tensor[float32, B] {
	y := ReLU(x)
	if capping <= 0 {
		return y
	}
	backend := y.Backend()
	if _, ok := any(backend).(ReLUBackend); ok {
		over := ReLU(tensor.Full[float32](y.Shape(), -capping, backend).Add(y))
		return y.Sub(over)
	}
	c := tensor.Full[float32](y.Shape(), capping, backend)
	return tensor.Where(y.Greater(c), c, y)
}

// ReLU6 computes min(max(0, x), 6).
func ReLU6[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return ClippedReLU(x, 6)
}

// Identity returns x unchanged.
func Identity[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x
}

// Clipped returns an Activation applying ClippedReLU with a fixed capping.
func Clipped[B tensor.Backend](capping float32) Activation[B] {
	return func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
		return ClippedReLU(x, capping)
	}
}

// ActivationByName resolves a configuration name to an Activation.
//
// Known names: relu, relu6, relu20, tanh, identity (alias linear).
// Matching is case-insensitive.
func ActivationByName[B tensor.Backend](name string) (Activation[B], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "relu":
		return ReLU[B], nil
	case "relu6":
		return ReLU6[B], nil
	case "relu20":
		return Clipped[B](20), nil
	case "tanh":
		return Tanh[B], nil
	case "identity", "linear":
		return Identity[B], nil
	default:
		return nil, errors.Wrapf(ErrUnknownActivation, "%q", name)
	}
}
