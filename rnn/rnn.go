// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package rnn

import (
	"github.com/born-ml/born/tensor"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/internal/rnn"
	"github.com/born-ml/rnncell/internal/varscope"
)

// Cell is a single recurrent step.
type Cell[B tensor.Backend] = rnn.Cell[B]

// ZeroState returns an all-zero state [batch, cell.StateSize()].
func ZeroState[B tensor.Backend](cell Cell[B], batch int, backend B) *tensor.Tensor[float32, B] {
	return rnn.ZeroState(cell, batch, backend)
}

// Cells

// BasicCell computes output = state = act(W*[input, state] + B).
type BasicCell[B tensor.Backend] = rnn.BasicCell[B]

// BasicCellConfig holds configuration for BasicCell.
type BasicCellConfig[B tensor.Backend] = rnn.BasicCellConfig[B]

// NewBasicCell creates a BasicCell under sc.
func NewBasicCell[B tensor.Backend](sc varscope.Scope[B], cfg BasicCellConfig[B]) (*BasicCell[B], error) {
	return rnn.NewBasicCell(sc, cfg)
}

// BatchNormCell computes output = state = clippedReLU(SBN(input*W) + state*U + B).
type BatchNormCell[B tensor.Backend] = rnn.BatchNormCell[B]

// BatchNormCellConfig holds configuration for BatchNormCell.
type BatchNormCellConfig = rnn.BatchNormCellConfig

// NewBatchNormCell creates a BatchNormCell under sc.
func NewBatchNormCell[B tensor.Backend](sc varscope.Scope[B], cfg BatchNormCellConfig) (*BatchNormCell[B], error) {
	return rnn.NewBatchNormCell(sc, cfg)
}

// Layers

// Linear computes sum_i(args[i] @ W_i) + b.
type Linear[B tensor.Backend] = rnn.Linear[B]

// NewLinear creates a Linear layer under sc.Sub("Linear").
func NewLinear[B tensor.Backend](sc varscope.Scope[B], argSizes []int, outputSize int, bias bool) (*Linear[B], error) {
	return rnn.NewLinear(sc, argSizes, outputSize, bias)
}

// BatchNorm normalizes with batch moments and tracks moving averages.
type BatchNorm[B tensor.Backend] = rnn.BatchNorm[B]

// BatchNormConfig holds configuration for BatchNorm.
type BatchNormConfig = rnn.BatchNormConfig

// NewBatchNorm creates a BatchNorm layer, reducing over [0, 1, 2] by default.
func NewBatchNorm[B tensor.Backend](sc varscope.Scope[B], cfg BatchNormConfig) (*BatchNorm[B], error) {
	return rnn.NewBatchNorm(sc, cfg)
}

// NewSeqBatchNorm creates a BatchNorm layer for [batch, features] inputs.
func NewSeqBatchNorm[B tensor.Backend](sc varscope.Scope[B], numFeatures int, logger logrus.FieldLogger) (*BatchNorm[B], error) {
	return rnn.NewSeqBatchNorm(sc, numFeatures, logger)
}

// Activations

// Activation is an element-wise nonlinearity.
type Activation[B tensor.Backend] = rnn.Activation[B]

// ReLU computes max(0, x).
func ReLU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return rnn.ReLU(x)
}

// ReLU6 computes min(max(0, x), 6).
func ReLU6[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return rnn.ReLU6(x)
}

// ClippedReLU computes min(max(0, x), capping); capping <= 0 means no cap.
func ClippedReLU[B tensor.Backend](x *tensor.Tensor[float32, B], capping float32) *tensor.Tensor[float32, B] {
	return rnn.ClippedReLU(x, capping)
}

// Tanh computes the hyperbolic tangent.
func Tanh[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return rnn.Tanh(x)
}

// Identity returns x.
func Identity[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x
}

// ActivationByName resolves relu, relu6, relu20, tanh or identity.
func ActivationByName[B tensor.Backend](name string) (Activation[B], error) {
	return rnn.ActivationByName[B](name)
}

// Sequences

// RNN runs a Cell over time.
type RNN[B tensor.Backend] = rnn.RNN[B]

// RNNOption configures an RNN.
type RNNOption = rnn.RNNOption

// Reverse runs the RNN backwards in time.
func Reverse() RNNOption {
	return rnn.Reverse()
}

// NewRNN wraps cell.
func NewRNN[B tensor.Backend](cell Cell[B], opts ...RNNOption) *RNN[B] {
	return rnn.NewRNN(cell, opts...)
}

// Bidirectional runs a forward and a reversed cell and concatenates outputs.
type Bidirectional[B tensor.Backend] = rnn.Bidirectional[B]

// NewBidirectional pairs a forward and a backward cell.
func NewBidirectional[B tensor.Backend](fw, bw Cell[B]) *Bidirectional[B] {
	return rnn.NewBidirectional(fw, bw)
}

// Errors
var (
	ErrNoArgs            = rnn.ErrNoArgs
	ErrArgShape          = rnn.ErrArgShape
	ErrInvalidAxes       = rnn.ErrInvalidAxes
	ErrUnknownActivation = rnn.ErrUnknownActivation
)
