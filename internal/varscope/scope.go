package varscope

import (
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/rnncell/internal/ema"
)

// Scope hands out variables to layers computing on backend B.
//
// Scopes are immutable values: Sub and WithReuse return new scopes and leave
// the receiver unchanged.
//
// Example:
//
//	store := varscope.NewStore(cpu.New())
//	sc := store.Scope("model")
//	w, err := sc.Sub("Linear").Variable("Matrix", tensor.Shape{4, 8}, nil)
//	// w.Name() == "model/Linear/Matrix"
type Scope[B tensor.Backend] interface {
	// Name returns the full path of the scope ("" for the root).
	Name() string

	// Backend returns the backend variables are delivered on.
	Backend() B

	// Device returns the device of Backend.
	Device() tensor.Device

	// Sub returns a child scope. An invalid name is reported by the next
	// Variable or MovingAverage call.
	Sub(name string) Scope[B]

	// WithReuse returns a copy of the scope with a different reuse mode.
	// Child scopes inherit the mode.
	WithReuse(mode ReuseMode) Scope[B]

	// Reuse returns the current reuse mode.
	Reuse() ReuseMode

	// Variable returns the variable name under this scope, creating it
	// with init when the reuse mode allows. A nil init means GlorotUniform.
	Variable(name string, shape tensor.Shape, init Initializer, opts ...VariableOption) (*nn.Parameter[B], error)

	// MovingAverage returns the moving average name under this scope,
	// shared with every other scope over the same store.
	MovingAverage(name string, decay float32) (*ema.MovingAverage, error)
}

// path is the name/reuse state shared by scope implementations.
type path struct {
	prefix string
	reuse  ReuseMode
	err    error
}

func rootPath() path {
	return path{}
}

func (p path) sub(name string) path {
	if p.err != nil {
		return p
	}
	if name == "" || strings.Contains(name, "/") {
		p.err = errors.Wrapf(ErrInvalidName, "scope %q under %q", name, p.prefix)
		return p
	}
	if p.prefix == "" {
		p.prefix = name
	} else {
		p.prefix = p.prefix + "/" + name
	}
	return p
}

func (p path) join(name string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if name == "" || strings.Contains(name, "/") {
		return "", errors.Wrapf(ErrInvalidName, "variable %q under %q", name, p.prefix)
	}
	if p.prefix == "" {
		return name, nil
	}
	return p.prefix + "/" + name, nil
}

// localScope delivers master variables directly; compute and parameter
// device are the same.
type localScope[P tensor.Backend] struct {
	store *Store[P]
	path  path
}

func (s *localScope[P]) Name() string          { return s.path.prefix }
func (s *localScope[P]) Backend() P            { return s.store.backend }
func (s *localScope[P]) Device() tensor.Device { return s.store.Device() }
func (s *localScope[P]) Reuse() ReuseMode      { return s.path.reuse }

func (s *localScope[P]) Sub(name string) Scope[P] {
	return &localScope[P]{store: s.store, path: s.path.sub(name)}
}

func (s *localScope[P]) WithReuse(mode ReuseMode) Scope[P] {
	p := s.path
	p.reuse = mode
	return &localScope[P]{store: s.store, path: p}
}

func (s *localScope[P]) Variable(name string, shape tensor.Shape, init Initializer, opts ...VariableOption) (*nn.Parameter[P], error) {
	full, err := s.path.join(name)
	if err != nil {
		return nil, err
	}
	vo := newVariableOptions(opts)
	return s.store.GetOrCreate(VariableSpec{
		Name:      full,
		Shape:     shape,
		Init:      init,
		Trainable: vo.trainable,
	}, s.path.reuse)
}

func (s *localScope[P]) MovingAverage(name string, decay float32) (*ema.MovingAverage, error) {
	full, err := s.path.join(name)
	if err != nil {
		return nil, err
	}
	return s.store.MovingAverage(full, decay)
}
