// Package ema implements exponential moving averages of named float32 vectors.
//
// A MovingAverage keeps one shadow vector per name and updates it with
//
//	shadow = decay * shadow + (1 - decay) * value
//
// Shadows start at zero, so the first update yields (1 - decay) * value.
// With zero debiasing enabled the reported average is divided by
// (1 - decay^steps), which removes the bias towards the zero start.
//
// Batch normalization uses it to track batch mean and variance across
// training steps. Several towers may update the same MovingAverage
// concurrently.
package ema

import (
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Errors returned by MovingAverage.
var (
	ErrInvalidDecay   = errors.New("decay must be in [0, 1]")
	ErrLengthMismatch = errors.New("length mismatch")
	ErrUnknownName    = errors.New("unknown moving average")
)

type shadow struct {
	biased []float32
	steps  int
}

// MovingAverage tracks exponential moving averages of named vectors.
type MovingAverage struct {
	mu         sync.RWMutex
	decay      float32
	zeroDebias bool
	shadows    map[string]*shadow
}

// Option configures a MovingAverage.
type Option func(*MovingAverage)

// WithZeroDebias divides averages by (1 - decay^steps).
func WithZeroDebias() Option {
	return func(m *MovingAverage) {
		m.zeroDebias = true
	}
}

// New creates a MovingAverage with the given decay.
//
// A decay close to 1 averages over many steps; 0 keeps only the latest value.
func New(decay float32, opts ...Option) (*MovingAverage, error) {
	if decay < 0 || decay > 1 || math.IsNaN(float64(decay)) {
		return nil, errors.Wrapf(ErrInvalidDecay, "got %v", decay)
	}

	m := &MovingAverage{
		decay:   decay,
		shadows: make(map[string]*shadow),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Decay returns the decay rate.
func (m *MovingAverage) Decay() float32 {
	return m.decay
}

// ZeroDebias reports whether averages are debiased.
func (m *MovingAverage) ZeroDebias() bool {
	return m.zeroDebias
}

// Apply folds value into the shadow for name.
//
// The first Apply for a name fixes its length; later calls with a different
// length fail and leave the shadow untouched.
func (m *MovingAverage) Apply(name string, value []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shadows[name]
	if !ok {
		s = &shadow{biased: make([]float32, len(value))}
		m.shadows[name] = s
	}
	if len(s.biased) != len(value) {
		return errors.Wrapf(ErrLengthMismatch, "moving average %q: have %d, got %d", name, len(s.biased), len(value))
	}

	keep := m.decay
	take := 1 - m.decay
	for i, v := range value {
		s.biased[i] = keep*s.biased[i] + take*v
	}
	s.steps++
	return nil
}

// Average returns a copy of the current average for name.
//
// The second result is false if name has never been applied.
func (m *MovingAverage) Average(name string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shadows[name]
	if !ok {
		return nil, false
	}

	out := make([]float32, len(s.biased))
	copy(out, s.biased)

	if m.zeroDebias && s.steps > 0 {
		correction := 1 - float32(math.Pow(float64(m.decay), float64(s.steps)))
		if correction > 0 {
			for i := range out {
				out[i] /= correction
			}
		}
	}
	return out, true
}

// Steps returns how many times name has been applied.
func (m *MovingAverage) Steps(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.shadows[name]; ok {
		return s.steps
	}
	return 0
}

// Names returns the tracked names in sorted order.
func (m *MovingAverage) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.shadows))
	for name := range m.shadows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shadow returns a copy of the raw (not debiased) shadow and its step count.
func (m *MovingAverage) Shadow(name string) ([]float32, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shadows[name]
	if !ok {
		return nil, 0, errors.Wrapf(ErrUnknownName, "%q", name)
	}
	out := make([]float32, len(s.biased))
	copy(out, s.biased)
	return out, s.steps, nil
}

// Restore replaces the shadow for name, e.g. when loading saved state.
//
// A series that already exists keeps its length; restoring a different
// length fails and leaves the shadow untouched. A restored shadow with
// steps == 0 is treated as never applied by callers that check Steps, but
// still reports its values through Average.
func (m *MovingAverage) Restore(name string, biased []float32, steps int) error {
	if steps < 0 {
		return errors.Errorf("moving average %q: negative step count %d", name, steps)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.shadows[name]; ok && len(s.biased) != len(biased) {
		return errors.Wrapf(ErrLengthMismatch, "moving average %q: have %d, got %d", name, len(s.biased), len(biased))
	}

	s := &shadow{biased: make([]float32, len(biased)), steps: steps}
	copy(s.biased, biased)
	m.shadows[name] = s
	return nil
}
