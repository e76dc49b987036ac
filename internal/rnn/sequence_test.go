package rnn

import (
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnncell/internal/varscope"
)

func newSequenceCell(t *testing.T, store *varscope.Store[*cpu.Backend], name string) *BasicCell[*cpu.Backend] {
	t.Helper()
	cell, err := NewBasicCell(store.Scope(name), BasicCellConfig[*cpu.Backend]{
		InputSize:  2,
		Units:      3,
		Activation: Tanh[*cpu.Backend],
	})
	require.NoError(t, err)
	return cell
}

// sequence returns x [2, 3, 2] and its time steps.
func sequence(t *testing.T, backend *cpu.Backend) (*tensor.Tensor[float32, *cpu.Backend], []*tensor.Tensor[float32, *cpu.Backend]) {
	t.Helper()
	// x[b][t] = steps[t][b]
	steps := [][][]float32{
		{{1, 0}, {0.5, -1}},
		{{0, 1}, {0.25, 0.5}},
		{{-1, 2}, {1, 1}},
	}
	data := make([]float32, 0, 12)
	for b := 0; b < 2; b++ {
		for _, st := range steps {
			data = append(data, st[b]...)
		}
	}
	x, err := tensor.FromSlice(data, tensor.Shape{2, 3, 2}, backend)
	require.NoError(t, err)

	ts := make([]*tensor.Tensor[float32, *cpu.Backend], len(steps))
	for i, st := range steps {
		ts[i] = fromRows(t, backend, st)
	}
	return x, ts
}

// assertStep checks out[:, t, :] against want [batch, units].
func assertStep(t *testing.T, want []float32, out *tensor.Tensor[float32, *cpu.Backend], step int) {
	t.Helper()
	shape := out.Shape()
	batch, units := shape[0], shape[2]
	require.Len(t, want, batch*units)
	for b := 0; b < batch; b++ {
		for j := 0; j < units; j++ {
			assert.InDelta(t, want[b*units+j], out.At(b, step, j), 1e-5, "out[%d,%d,%d]", b, step, j)
		}
	}
}

func TestRNN_ForwardMatchesUnroll(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell := newSequenceCell(t, store, "m")
	x, steps := sequence(t, backend)

	r := NewRNN[*cpu.Backend](cell)
	out := r.Forward(x, nil)
	require.Equal(t, tensor.Shape{2, 3, 3}, out.Shape())
	final := r.Final()

	outputs, last := r.Unroll(steps, nil)
	require.Len(t, outputs, 3)
	for i, o := range outputs {
		assertStep(t, o.Data(), out, i)
	}
	assert.InDeltaSlice(t, last.Data(), final.Data(), 1e-6)
	assert.InDeltaSlice(t, outputs[2].Data(), last.Data(), 1e-6)
}

func TestRNN_InitialState(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell := newSequenceCell(t, store, "m")
	_, steps := sequence(t, backend)

	r := NewRNN[*cpu.Backend](cell)
	h0 := fromRows(t, backend, [][]float32{{1, 1, 1}, {-1, 0, 1}})
	outputs, _ := r.Unroll(steps[:1], h0)
	want, _ := cell.Step(steps[0], h0)
	assert.InDeltaSlice(t, want.Data(), outputs[0].Data(), 1e-6)
}

func TestRNN_Reverse(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell := newSequenceCell(t, store, "m")
	x, steps := sequence(t, backend)

	r := NewRNN[*cpu.Backend](cell, Reverse())
	assert.True(t, r.Reversed())
	out := r.Forward(x, nil)

	// Manual reverse pass.
	h := ZeroState[*cpu.Backend](cell, 2, backend)
	want := make([][]float32, 3)
	for i := 2; i >= 0; i-- {
		h, _ = cell.Step(steps[i], h)
		want[i] = h.Data()
	}
	for i := range want {
		assertStep(t, want[i], out, i)
	}
	assert.InDeltaSlice(t, want[0], r.Final().Data(), 1e-6)
}

func TestRNN_ForwardWithLengths(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell := newSequenceCell(t, store, "m")
	x, _ := sequence(t, backend)

	r := NewRNN[*cpu.Backend](cell)
	out := r.ForwardWithLengths(x, []int{3, 1}, nil)
	require.Equal(t, tensor.Shape{2, 3, 3}, out.Shape())

	full := NewRNN[*cpu.Backend](cell).Forward(x, nil)

	// Sequence 0 runs all steps.
	for step := 0; step < 3; step++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, full.At(0, step, j), out.At(0, step, j), 1e-5)
		}
	}
	// Sequence 1 stops after one step: zero outputs, frozen state.
	for j := 0; j < 3; j++ {
		assert.InDelta(t, full.At(1, 0, j), out.At(1, 0, j), 1e-5)
		assert.Zero(t, out.At(1, 1, j))
		assert.Zero(t, out.At(1, 2, j))
	}
	final := r.Final()
	for j := 0; j < 3; j++ {
		assert.InDelta(t, out.At(0, 2, j), final.At(0, j), 1e-5)
		assert.InDelta(t, out.At(1, 0, j), final.At(1, j), 1e-5)
	}
}

func TestRNN_ReverseWithLengths(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell := newSequenceCell(t, store, "m")
	x, steps := sequence(t, backend)

	r := NewRNN[*cpu.Backend](cell, Reverse())
	out := r.ForwardWithLengths(x, []int{3, 2}, nil)

	// Sequence 1 starts at its own last valid step (t=1).
	h := ZeroState[*cpu.Backend](cell, 2, backend)
	h1, _ := cell.Step(steps[1], h)
	h0, _ := cell.Step(steps[0], h1)

	units := 3
	for j := 0; j < units; j++ {
		assert.Zero(t, out.At(1, 2, j))
		assert.InDelta(t, h1.At(1, j), out.At(1, 1, j), 1e-5)
		assert.InDelta(t, h0.At(1, j), out.At(1, 0, j), 1e-5)
		assert.InDelta(t, h0.At(1, j), r.Final().At(1, j), 1e-5)
	}
}

func TestRNN_Panics(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell := newSequenceCell(t, store, "m")
	x, _ := sequence(t, backend)
	r := NewRNN[*cpu.Backend](cell)

	assert.Panics(t, func() { r.Forward(x.Reshape(6, 2), nil) })
	assert.Panics(t, func() { r.Forward(x.Reshape(2, 2, 3), nil) })
	assert.Panics(t, func() { r.ForwardWithLengths(x, []int{3}, nil) })
	assert.Panics(t, func() { r.ForwardWithLengths(x, []int{3, 4}, nil) })
	assert.Panics(t, func() { r.Unroll(nil, nil) })
}

func TestBidirectional(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	fw := newSequenceCell(t, store, "fw")
	bw := newSequenceCell(t, store, "bw")
	x, _ := sequence(t, backend)

	bi := NewBidirectional[*cpu.Backend](fw, bw)
	out := bi.Forward(x)
	require.Equal(t, tensor.Shape{2, 3, 6}, out.Shape())
	assert.Equal(t, 6, bi.OutputSize())
	assert.Len(t, bi.Parameters(), 4)

	fwOut := NewRNN[*cpu.Backend](fw).Forward(x, nil)
	bwOut := NewRNN[*cpu.Backend](bw, Reverse()).Forward(x, nil)
	for b := 0; b < 2; b++ {
		for step := 0; step < 3; step++ {
			for j := 0; j < 3; j++ {
				assert.InDelta(t, fwOut.At(b, step, j), out.At(b, step, j), 1e-5)
				assert.InDelta(t, bwOut.At(b, step, j), out.At(b, step, 3+j), 1e-5)
			}
		}
	}

	ffw, fbw := bi.Final()
	require.NotNil(t, ffw)
	require.NotNil(t, fbw)

	padded := bi.ForwardWithLengths(x, []int{1, 3})
	assert.Equal(t, tensor.Shape{2, 3, 6}, padded.Shape())
}

func TestRNN_LengthsLeaveEmittedValuesIntact(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell, err := NewBasicCell(store.Scope("m"), BasicCellConfig[*cpu.Backend]{
		InputSize:  2,
		Units:      2,
		Activation: Identity[*cpu.Backend],
	})
	require.NoError(t, err)
	x, steps := sequence(t, backend)
	xData := append([]float32(nil), x.Data()...)
	h0 := fromRows(t, backend, [][]float32{{0.5, -0.5}, {1, 2}})
	h0Data := append([]float32(nil), h0.Data()...)

	// Reference values from plain steps on fresh tensors.
	want := make([][]float32, len(steps))
	h := fromRows(t, backend, [][]float32{{0.5, -0.5}, {1, 2}})
	for i, st := range steps {
		h, _ = cell.Step(st, h)
		want[i] = append([]float32(nil), h.Data()...)
	}

	r := NewRNN[*cpu.Backend](cell)
	out := r.ForwardWithLengths(x, []int{3, 1}, h0)

	for step := 0; step < 3; step++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, want[step][j], out.At(0, step, j), 1e-5, "seq 0 step %d", step)
		}
	}
	for j := 0; j < 2; j++ {
		assert.InDelta(t, want[0][2+j], out.At(1, 0, j), 1e-5)
		assert.Zero(t, out.At(1, 1, j))
		assert.Zero(t, out.At(1, 2, j))
		assert.InDelta(t, want[0][2+j], r.Final().At(1, j), 1e-5, "state frozen after the last valid step")
	}

	assert.Equal(t, xData, x.Data(), "input must be left intact")
	assert.Equal(t, h0Data, h0.Data(), "initial state must be left intact")
}
