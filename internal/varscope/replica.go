package varscope

import (
	"sync"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/internal/ema"
	"github.com/born-ml/rnncell/internal/parallel"
)

// Replica mirrors the variables of a Store[P] onto compute backend B.
//
// Each tower owns one Replica. Variables requested through Replica.Scope are
// created (or reused) as masters in the store and copied once onto B. After
// the optimizer updates the masters, Sync refreshes every copy.
//
// Example:
//
//	store := varscope.NewStore(cpu.New())
//	tower0 := varscope.NewReplica(store, autodiff.New(cpu.New()))
//	tower1 := varscope.NewReplica(store, autodiff.New(cpu.New()))
//
//	cell0, _ := rnn.NewBasicCell(tower0.Scope("model"), cfg)
//	cell1, _ := rnn.NewBasicCell(tower1.Scope("model").WithReuse(varscope.Reuse), cfg)
type Replica[P, B tensor.Backend] struct {
	mu      sync.Mutex
	store   *Store[P]
	backend B
	byName  map[string]*nn.Parameter[B]
	masters map[*nn.Parameter[B]]*nn.Parameter[P]
	order   []*nn.Parameter[B]
	logger  logrus.FieldLogger
}

// NewReplica creates a mirror of store on backend.
func NewReplica[P, B tensor.Backend](store *Store[P], backend B, opts ...Option) *Replica[P, B] {
	o := options{logger: store.logger}
	for _, opt := range opts {
		opt(&o)
	}
	return &Replica[P, B]{
		store:   store,
		backend: backend,
		byName:  make(map[string]*nn.Parameter[B]),
		masters: make(map[*nn.Parameter[B]]*nn.Parameter[P]),
		logger:  o.logger,
	}
}

// Store returns the store holding the masters.
func (r *Replica[P, B]) Store() *Store[P] {
	return r.store
}

// Backend returns the compute backend.
func (r *Replica[P, B]) Backend() B {
	return r.backend
}

// Scope returns a scope rooted at name delivering mirrored variables on the
// compute backend. An empty name is the root scope.
func (r *Replica[P, B]) Scope(name string) Scope[B] {
	p := rootPath()
	if name != "" {
		p = p.sub(name)
	}
	return &pinnedScope[P, B]{replica: r, path: p}
}

// Parameters returns the mirrored trainable variables in the order they were
// first requested.
func (r *Replica[P, B]) Parameters() []*nn.Parameter[B] {
	r.mu.Lock()
	defer r.mu.Unlock()

	params := make([]*nn.Parameter[B], 0, len(r.order))
	for _, p := range r.order {
		if r.store.Trainable(p.Name()) {
			params = append(params, p)
		}
	}
	return params
}

// Master returns the master variable behind a mirrored one.
func (r *Replica[P, B]) Master(p *nn.Parameter[B]) (*nn.Parameter[P], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[p]
	return m, ok
}

// Sync copies the current master values into every mirrored variable.
//
// The copies are updated in place, so layers holding them see the new
// values without being rebuilt.
func (r *Replica[P, B]) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.order {
		master := r.masters[p]
		copy(p.Tensor().Raw().AsFloat32(), master.Tensor().Data())
	}
}

// MasterGradients re-keys a Born gradient map from mirrored variables to
// their masters.
//
// Gradient values are copied onto the parameter backend so an optimizer
// built on the store's backend can consume the result directly. Mirrored
// variables without a gradient are skipped.
func (r *Replica[P, B]) MasterGradients(grads map[*tensor.RawTensor]*tensor.RawTensor) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[*tensor.RawTensor]*tensor.RawTensor, len(r.order))
	for _, p := range r.order {
		g, ok := grads[p.Tensor().Raw()]
		if !ok || g == nil {
			continue
		}
		master := r.masters[p]
		shape := master.Tensor().Shape()
		t, err := tensor.FromSlice(g.AsFloat32(), shape.Clone(), r.store.backend)
		if err != nil {
			return nil, errors.Wrapf(err, "gradient for %q", p.Name())
		}
		out[master.Tensor().Raw()] = t.Raw()
	}
	return out, nil
}

// mirror returns the compute-side copy of master, creating it on first use.
func (r *Replica[P, B]) mirror(master *nn.Parameter[P]) (*nn.Parameter[B], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := master.Name()
	if p, ok := r.byName[name]; ok {
		return p, nil
	}

	src := master.Tensor()
	data := make([]float32, src.NumElements())
	copy(data, src.Data())

	t, err := tensor.FromSlice(data, src.Shape().Clone(), r.backend)
	if err != nil {
		return nil, errors.Wrapf(err, "mirror %q", name)
	}

	p := nn.NewParameter(name, t)
	r.byName[name] = p
	r.masters[p] = master
	r.order = append(r.order, p)

	r.logger.WithFields(logrus.Fields{
		"variable": name,
		"shape":    src.Shape(),
		"from":     r.store.Device().String(),
		"to":       r.backend.Name(),
	}).Debug("variable mirrored")

	return p, nil
}

// AverageGradients returns the element-wise mean of several master-keyed
// gradient maps, one per tower.
//
// A key missing from some towers is averaged over the towers that have it.
func AverageGradients(towers ...map[*tensor.RawTensor]*tensor.RawTensor) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	type acc struct {
		sum   []float32
		shape tensor.Shape
		dev   tensor.Device
		n     int
	}

	sums := make(map[*tensor.RawTensor]*acc)
	var keys []*tensor.RawTensor
	for _, grads := range towers {
		for key, g := range grads {
			if g == nil {
				continue
			}
			a, ok := sums[key]
			if !ok {
				a = &acc{sum: make([]float32, g.NumElements()), shape: g.Shape().Clone(), dev: g.Device()}
				sums[key] = a
				keys = append(keys, key)
			}
			if !g.Shape().Equal(a.shape) {
				return nil, errors.Wrapf(ErrShapeMismatch, "tower gradients: have %v, got %v", a.shape, g.Shape())
			}
			for i, v := range g.AsFloat32() {
				a.sum[i] += v
			}
			a.n++
		}
	}

	cfg := parallel.DefaultConfig()
	cfg.MinChunkSize = 4096
	out := make(map[*tensor.RawTensor]*tensor.RawTensor, len(keys))
	for _, key := range keys {
		a := sums[key]
		raw, err := tensor.NewRaw(a.shape, tensor.Float32, a.dev)
		if err != nil {
			return nil, errors.Wrap(err, "allocate averaged gradient")
		}
		dst := raw.AsFloat32()
		inv := 1 / float32(a.n)
		parallel.For(len(dst), func(i int) {
			dst[i] = a.sum[i] * inv
		}, cfg)
		out[key] = raw
	}
	return out, nil
}

// pinnedScope delivers mirrored copies of master variables.
type pinnedScope[P, B tensor.Backend] struct {
	replica *Replica[P, B]
	path    path
}

func (s *pinnedScope[P, B]) Name() string          { return s.path.prefix }
func (s *pinnedScope[P, B]) Backend() B            { return s.replica.backend }
func (s *pinnedScope[P, B]) Device() tensor.Device { return s.replica.backend.Device() }
func (s *pinnedScope[P, B]) Reuse() ReuseMode      { return s.path.reuse }

func (s *pinnedScope[P, B]) Sub(name string) Scope[B] {
	return &pinnedScope[P, B]{replica: s.replica, path: s.path.sub(name)}
}

func (s *pinnedScope[P, B]) WithReuse(mode ReuseMode) Scope[B] {
	p := s.path
	p.reuse = mode
	return &pinnedScope[P, B]{replica: s.replica, path: p}
}

func (s *pinnedScope[P, B]) Variable(name string, shape tensor.Shape, init Initializer, opts ...VariableOption) (*nn.Parameter[B], error) {
	full, err := s.path.join(name)
	if err != nil {
		return nil, err
	}
	vo := newVariableOptions(opts)
	master, err := s.replica.store.GetOrCreate(VariableSpec{
		Name:      full,
		Shape:     shape,
		Init:      init,
		Trainable: vo.trainable,
	}, s.path.reuse)
	if err != nil {
		return nil, err
	}
	return s.replica.mirror(master)
}

func (s *pinnedScope[P, B]) MovingAverage(name string, decay float32) (*ema.MovingAverage, error) {
	full, err := s.path.join(name)
	if err != nil {
		return nil, err
	}
	return s.replica.store.MovingAverage(full, decay)
}
