// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package varscope

import (
	"github.com/born-ml/born/tensor"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/internal/ema"
	"github.com/born-ml/rnncell/internal/varscope"
)

// Scope hands out variables to layers computing on backend B.
type Scope[B tensor.Backend] = varscope.Scope[B]

// Store holds master variables on a parameter backend.
type Store[P tensor.Backend] = varscope.Store[P]

// NewStore creates an empty store whose variables live on backend.
//
// Example:
//
//	store := varscope.NewStore(cpu.New(), varscope.WithLogger(logger))
func NewStore[P tensor.Backend](backend P, opts ...Option) *Store[P] {
	return varscope.NewStore(backend, opts...)
}

// Replica mirrors the variables of a Store onto a compute backend.
type Replica[P, B tensor.Backend] = varscope.Replica[P, B]

// NewReplica creates a mirror of store on backend.
func NewReplica[P, B tensor.Backend](store *Store[P], backend B, opts ...Option) *Replica[P, B] {
	return varscope.NewReplica(store, backend, opts...)
}

// AverageGradients averages master-keyed gradient maps from several towers.
func AverageGradients(towers ...map[*tensor.RawTensor]*tensor.RawTensor) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	return varscope.AverageGradients(towers...)
}

// ReuseMode controls what happens when a scope asks for a variable.
type ReuseMode = varscope.ReuseMode

// Reuse modes.
const (
	CreateNew = varscope.CreateNew
	Reuse     = varscope.Reuse
	AutoReuse = varscope.AutoReuse
)

// VariableSpec describes a variable to look up or create.
type VariableSpec = varscope.VariableSpec

// Option configures a Store or Replica.
type Option = varscope.Option

// WithLogger sets the logger used for variable placement messages.
func WithLogger(logger logrus.FieldLogger) Option {
	return varscope.WithLogger(logger)
}

// VariableOption configures a single Scope.Variable call.
type VariableOption = varscope.VariableOption

// NonTrainable excludes the variable from Parameters.
func NonTrainable() VariableOption {
	return varscope.NonTrainable()
}

// MovingAverage is an exponential moving average shared through a Store.
type MovingAverage = ema.MovingAverage

// Initializers

// Initializer fills a new variable's values.
type Initializer = varscope.Initializer

// InitializerFunc adapts a function to Initializer.
type InitializerFunc = varscope.InitializerFunc

// Zeros fills with 0.
func Zeros() Initializer { return varscope.Zeros() }

// Ones fills with 1.
func Ones() Initializer { return varscope.Ones() }

// Constant fills with v.
func Constant(v float32) Initializer { return varscope.Constant(v) }

// GlorotUniform samples U(-limit, limit), limit = sqrt(6 / (fanIn + fanOut)).
func GlorotUniform() Initializer { return varscope.GlorotUniform() }

// RandomUniform samples U(minVal, maxVal).
func RandomUniform(minVal, maxVal float32) Initializer {
	return varscope.RandomUniform(minVal, maxVal)
}

// TruncatedNormal samples N(mean, stddev) redrawn beyond two stddevs.
func TruncatedNormal(mean, stddev float32) Initializer {
	return varscope.TruncatedNormal(mean, stddev)
}

// Errors
var (
	ErrVariableExists   = varscope.ErrVariableExists
	ErrVariableNotFound = varscope.ErrVariableNotFound
	ErrShapeMismatch    = varscope.ErrShapeMismatch
	ErrInvalidName      = varscope.ErrInvalidName
	ErrInvalidShape     = varscope.ErrInvalidShape
	ErrDecayMismatch    = varscope.ErrDecayMismatch
	ErrMissingState     = varscope.ErrMissingState
)
