// Package varscope implements hierarchical variable scopes whose variables
// are pinned to one parameter device.
//
// A Store owns the master copy of every variable on a parameter backend
// (typically the CPU). Layers never allocate their own weights; they ask a
// Scope for them by name. A Scope obtained from Store.Scope computes on the
// parameter backend directly. A Scope obtained from a Replica computes on
// another backend and sees mirrored copies of the same masters, so several
// towers can share one set of weights.
//
// Names are joined with "/" (for example "model/BatchNormCell/W"). Creating
// a name twice is an error unless the scope allows reuse.
package varscope

import (
	"strings"
	"sync"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/internal/ema"
)

// stepsSuffix marks the update count of a moving-average series in a state
// dict.
const stepsSuffix = ":steps"

// ReuseMode controls what happens when a scope asks for a variable.
type ReuseMode int

const (
	// CreateNew creates the variable and fails if it already exists.
	CreateNew ReuseMode = iota
	// Reuse returns an existing variable and fails if it does not exist.
	Reuse
	// AutoReuse returns the variable if it exists and creates it otherwise.
	AutoReuse
)

// String returns the mode name.
func (m ReuseMode) String() string {
	switch m {
	case CreateNew:
		return "create"
	case Reuse:
		return "reuse"
	case AutoReuse:
		return "auto"
	default:
		return "unknown"
	}
}

// VariableSpec describes a variable to look up or create.
type VariableSpec struct {
	Name      string       // Full path, e.g. "model/Linear/Matrix"
	Shape     tensor.Shape // Must have positive dimensions
	Init      Initializer  // Defaults to GlorotUniform
	Trainable bool         // Included in Parameters when true
}

type entry[P tensor.Backend] struct {
	param     *nn.Parameter[P]
	trainable bool
}

// Store holds master variables on a parameter backend.
//
// Store is safe for concurrent use, so towers may build their graphs in
// parallel against the same store.
type Store[P tensor.Backend] struct {
	mu       sync.RWMutex
	backend  P
	vars     map[string]*entry[P]
	order    []string
	averages map[string]*ema.MovingAverage
	avgOrder []string
	logger   logrus.FieldLogger
}

// NewStore creates an empty store whose variables live on backend.
func NewStore[P tensor.Backend](backend P, opts ...Option) *Store[P] {
	o := newOptions(opts)
	return &Store[P]{
		backend:  backend,
		vars:     make(map[string]*entry[P]),
		averages: make(map[string]*ema.MovingAverage),
		logger:   o.logger,
	}
}

// Backend returns the parameter backend.
func (s *Store[P]) Backend() P {
	return s.backend
}

// Device returns the parameter device.
func (s *Store[P]) Device() tensor.Device {
	return s.backend.Device()
}

// Len returns the number of variables.
func (s *Store[P]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Names returns the variable names in creation order.
func (s *Store[P]) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Lookup returns the master variable with the given full name.
func (s *Store[P]) Lookup(name string) (*nn.Parameter[P], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.vars[name]
	if !ok {
		return nil, false
	}
	return e.param, true
}

// Trainable reports whether the named variable is trainable.
func (s *Store[P]) Trainable(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.vars[name]
	return ok && e.trainable
}

// Parameters returns the trainable master variables in creation order.
//
// Pass them to a Born optimizer built on the parameter backend.
func (s *Store[P]) Parameters() []*nn.Parameter[P] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	params := make([]*nn.Parameter[P], 0, len(s.order))
	for _, name := range s.order {
		if e := s.vars[name]; e.trainable {
			params = append(params, e.param)
		}
	}
	return params
}

// GetOrCreate returns the master variable for spec, creating it if mode
// allows.
func (s *Store[P]) GetOrCreate(spec VariableSpec, mode ReuseMode) (*nn.Parameter[P], error) {
	if err := validatePath(spec.Name); err != nil {
		return nil, err
	}
	if err := validateShape(spec.Name, spec.Shape); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.vars[spec.Name]; ok {
		if mode == CreateNew {
			return nil, errors.Wrapf(ErrVariableExists, "%q (use Reuse or AutoReuse to share it)", spec.Name)
		}
		have := e.param.Tensor().Shape()
		if !have.Equal(spec.Shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "%q: have %v, want %v", spec.Name, have, spec.Shape)
		}
		return e.param, nil
	}

	if mode == Reuse {
		return nil, errors.Wrapf(ErrVariableNotFound, "%q (create it first or use AutoReuse)", spec.Name)
	}

	init := spec.Init
	if init == nil {
		init = GlorotUniform()
	}
	shape := spec.Shape.Clone()
	data := make([]float32, shape.NumElements())
	init.Fill(data, shape)

	t, err := tensor.FromSlice(data, shape, s.backend)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %q", spec.Name)
	}

	param := nn.NewParameter(spec.Name, t)
	s.vars[spec.Name] = &entry[P]{param: param, trainable: spec.Trainable}
	s.order = append(s.order, spec.Name)

	s.logger.WithFields(logrus.Fields{
		"variable":  spec.Name,
		"shape":     shape,
		"device":    s.backend.Device().String(),
		"trainable": spec.Trainable,
	}).Debug("variable created")

	return param, nil
}

// MovingAverage returns the moving average registered under name, creating
// it with decay if needed.
//
// Moving averages are kept on the host next to the masters and shared by
// every scope that names them, so all towers feed the same statistics.
func (s *Store[P]) MovingAverage(name string, decay float32) (*ema.MovingAverage, error) {
	if err := validatePath(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if avg, ok := s.averages[name]; ok {
		if avg.Decay() != decay {
			return nil, errors.Wrapf(ErrDecayMismatch, "%q: have %v, want %v", name, avg.Decay(), decay)
		}
		return avg, nil
	}

	avg, err := ema.New(decay)
	if err != nil {
		return nil, errors.Wrapf(err, "moving average %q", name)
	}
	s.averages[name] = avg
	s.avgOrder = append(s.avgOrder, name)

	s.logger.WithFields(logrus.Fields{
		"average": name,
		"decay":   decay,
	}).Debug("moving average created")

	return avg, nil
}

// StateDict exports every variable and moving-average shadow as raw tensors
// on the parameter backend.
//
// Shadows are stored under "<average>/<series>" with the update count as an
// int64 scalar under "<average>/<series>:steps".
func (s *Store[P]) StateDict() (map[string]*tensor.RawTensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateDict := make(map[string]*tensor.RawTensor, len(s.vars))
	for name, e := range s.vars {
		stateDict[name] = e.param.Tensor().Raw()
	}

	for _, avgName := range s.avgOrder {
		avg := s.averages[avgName]
		for _, series := range avg.Names() {
			key := avgName + "/" + series
			shadow, steps, err := avg.Shadow(series)
			if err != nil {
				return nil, errors.Wrapf(err, "state dict %q", key)
			}
			t, err := tensor.FromSlice(shadow, tensor.Shape{len(shadow)}, s.backend)
			if err != nil {
				return nil, errors.Wrapf(err, "state dict %q", key)
			}
			stateDict[key] = t.Raw()

			stepsRaw, err := tensor.NewRaw(tensor.Shape{1}, tensor.Int64, s.Device())
			if err != nil {
				return nil, errors.Wrapf(err, "state dict %q", key+stepsSuffix)
			}
			stepsRaw.AsInt64()[0] = int64(steps)
			stateDict[key+stepsSuffix] = stepsRaw
		}
	}

	return stateDict, nil
}

// LoadStateDict copies values from stateDict into the existing variables and
// moving averages.
//
// Every variable must be present with a matching shape. Moving-average
// entries are optional, but must match the length of a series that already
// exists; unknown keys are ignored. Everything is validated before anything
// is copied, so a failed load leaves the store unchanged.
func (s *Store[P]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.order {
		raw, ok := stateDict[name]
		if !ok {
			return errors.Wrapf(ErrMissingState, "%q", name)
		}
		dst := s.vars[name].param.Tensor()
		if !raw.Shape().Equal(dst.Shape()) {
			return errors.Wrapf(ErrShapeMismatch, "%q: have %v, got %v", name, dst.Shape(), raw.Shape())
		}
		if raw.DType() != tensor.Float32 {
			return errors.Errorf("%q: dtype mismatch: expected float32, got %v", name, raw.DType())
		}
	}

	restores, err := s.averageRestores(stateDict)
	if err != nil {
		return err
	}

	for _, name := range s.order {
		copy(s.vars[name].param.Tensor().Data(), stateDict[name].AsFloat32())
	}
	for _, r := range restores {
		if err := r.avg.Restore(r.series, r.values, r.steps); err != nil {
			return errors.Wrapf(err, "state dict %q", r.key)
		}
	}

	return nil
}

type averageRestore struct {
	avg    *ema.MovingAverage
	key    string
	series string
	values []float32
	steps  int
}

// averageRestores collects and validates the moving-average entries of
// stateDict.
func (s *Store[P]) averageRestores(stateDict map[string]*tensor.RawTensor) ([]averageRestore, error) {
	var restores []averageRestore
	for _, avgName := range s.avgOrder {
		avg := s.averages[avgName]
		prefix := avgName + "/"
		for key, raw := range stateDict {
			if !strings.HasPrefix(key, prefix) || strings.HasSuffix(key, stepsSuffix) {
				continue
			}
			series := strings.TrimPrefix(key, prefix)
			if strings.Contains(series, "/") {
				continue
			}
			if raw.DType() != tensor.Float32 {
				return nil, errors.Errorf("%q: dtype mismatch: expected float32, got %v", key, raw.DType())
			}
			values := raw.AsFloat32()
			if have, _, err := avg.Shadow(series); err == nil && len(have) != len(values) {
				return nil, errors.Wrapf(ema.ErrLengthMismatch, "%q: have %d, got %d", key, len(have), len(values))
			}
			steps, err := restoredSteps(stateDict[key+stepsSuffix])
			if err != nil {
				return nil, errors.Wrapf(err, "%q", key+stepsSuffix)
			}
			restores = append(restores, averageRestore{avg: avg, key: key, series: series, values: values, steps: steps})
		}
	}
	return restores, nil
}

// restoredSteps reads an update count. A missing count means one update.
func restoredSteps(raw *tensor.RawTensor) (int, error) {
	if raw == nil {
		return 1, nil
	}
	if raw.NumElements() != 1 {
		return 0, errors.Errorf("expected one step count, got %d values", raw.NumElements())
	}
	var steps int
	switch raw.DType() {
	case tensor.Int64:
		steps = int(raw.AsInt64()[0])
	case tensor.Float32:
		steps = int(raw.AsFloat32()[0])
	default:
		return 0, errors.Errorf("unsupported step count dtype %v", raw.DType())
	}
	if steps < 0 {
		return 0, errors.Errorf("negative step count %d", steps)
	}
	return steps, nil
}

// Scope returns a scope rooted at name whose variables compute on the
// parameter backend itself. An empty name is the root scope.
func (s *Store[P]) Scope(name string) Scope[P] {
	p := rootPath()
	if name != "" {
		p = p.sub(name)
	}
	return &localScope[P]{store: s, path: p}
}

// AverageNames returns the registered moving averages in creation order.
func (s *Store[P]) AverageNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.avgOrder))
	copy(names, s.avgOrder)
	return names
}

func validatePath(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidName, "empty name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return errors.Wrapf(ErrInvalidName, "%q has an empty path element", name)
		}
	}
	return nil
}

func validateShape(name string, shape tensor.Shape) error {
	for i, d := range shape {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidShape, "%q: dimension %d is %d", name, i, d)
		}
	}
	return nil
}
