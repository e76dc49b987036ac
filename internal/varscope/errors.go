package varscope

import "github.com/pkg/errors"

// Errors returned while creating or looking up variables.
var (
	ErrVariableExists   = errors.New("variable already exists")
	ErrVariableNotFound = errors.New("variable does not exist")
	ErrShapeMismatch    = errors.New("variable shape mismatch")
	ErrInvalidName      = errors.New("invalid variable name")
	ErrInvalidShape     = errors.New("invalid variable shape")
	ErrDecayMismatch    = errors.New("moving average decay mismatch")
	ErrMissingState     = errors.New("missing entry in state dict")
)
