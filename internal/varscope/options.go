package varscope

import "github.com/sirupsen/logrus"

type options struct {
	logger logrus.FieldLogger
}

// Option configures a Store or Replica.
type Option func(*options)

// WithLogger sets the logger used for variable placement messages.
//
// Defaults to the logrus standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type variableOptions struct {
	trainable bool
}

// VariableOption configures a single Scope.Variable call.
type VariableOption func(*variableOptions)

// NonTrainable excludes the variable from Parameters.
func NonTrainable() VariableOption {
	return func(o *variableOptions) {
		o.trainable = false
	}
}

func newVariableOptions(opts []VariableOption) variableOptions {
	o := variableOptions{trainable: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
