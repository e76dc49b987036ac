package rnn

import (
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/rnncell/internal/varscope"
)

type compute = *autodiff.Backend[*cpu.Backend]

func TestZeroState(t *testing.T) {
	store := newStore()
	cell, err := NewBasicCell(store.Scope("m"), BasicCellConfig[*cpu.Backend]{InputSize: 2, Units: 3})
	require.NoError(t, err)

	s := ZeroState[*cpu.Backend](cell, 4, store.Backend())
	assert.Equal(t, tensor.Shape{4, 3}, s.Shape())
	for _, v := range s.Data() {
		assert.Zero(t, v)
	}
}

func TestBasicCell_Variables(t *testing.T) {
	store := newStore()
	cell, err := NewBasicCell(store.Scope("model"), BasicCellConfig[*cpu.Backend]{InputSize: 2, Units: 3})
	require.NoError(t, err)

	assert.Equal(t, []string{"model/BasicCell/Linear/Matrix", "model/BasicCell/Linear/Bias"}, store.Names())
	assert.Equal(t, tensor.Shape{5, 3}, cell.Linear().Matrix().Tensor().Shape())
	assert.Equal(t, 2, cell.InputSize())
	assert.Equal(t, 3, cell.StateSize())
	assert.Equal(t, 3, cell.OutputSize())
	assert.Len(t, cell.Parameters(), 2)

	_, err = NewBasicCell(store.Scope("model"), BasicCellConfig[*cpu.Backend]{Units: 3})
	assert.True(t, errors.Is(err, ErrArgShape))
}

func TestBasicCell_Step(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell, err := NewBasicCell(store.Scope("m"), BasicCellConfig[*cpu.Backend]{
		InputSize:  2,
		Units:      2,
		Activation: Identity[*cpu.Backend],
	})
	require.NoError(t, err)
	setValues(t, cell.Linear().Bias(), []float32{0.1, -0.2})

	x := fromRows(t, backend, [][]float32{{1, 2}, {0, -1}})
	h := fromRows(t, backend, [][]float32{{0.5, 0.5}, {1, -1}})

	output, state := cell.Step(x, h)
	assert.Same(t, output, state)

	xh := mat.NewDense(2, 4, nil)
	xh.Augment(toDense(x), toDense(h))
	var want mat.Dense
	want.Mul(xh, toDense(cell.Linear().Matrix().Tensor()))
	for i := 0; i < 2; i++ {
		want.Set(i, 0, want.At(i, 0)+0.1)
		want.Set(i, 1, want.At(i, 1)-0.2)
	}
	assertDenseEqual(t, &want, output, 1e-5)
}

func TestBasicCell_DefaultActivationIsReLU6(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell, err := NewBasicCell(store.Scope("m"), BasicCellConfig[*cpu.Backend]{InputSize: 1, Units: 2})
	require.NoError(t, err)
	// Matrix rows: input, state[0], state[1]
	setValues(t, cell.Linear().Matrix(), []float32{
		10, -10,
		0, 0,
		0, 0,
	})

	x := fromRows(t, backend, [][]float32{{1}})
	out, _ := cell.Step(x, ZeroState[*cpu.Backend](cell, 1, backend))
	assert.InDeltaSlice(t, []float32{6, 0}, out.Data(), 1e-6)
}

func TestBasicCell_StepPanics(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell, err := NewBasicCell(store.Scope("m"), BasicCellConfig[*cpu.Backend]{InputSize: 2, Units: 2})
	require.NoError(t, err)

	x := fromRows(t, backend, [][]float32{{1, 2}})
	assert.Panics(t, func() { cell.Step(x, fromRows(t, backend, [][]float32{{1, 2, 3}})) })
	assert.Panics(t, func() { cell.Step(fromRows(t, backend, [][]float32{{1}}), ZeroState[*cpu.Backend](cell, 1, backend)) })
	assert.Panics(t, func() { cell.Step(x, ZeroState[*cpu.Backend](cell, 2, backend)) })
}

func TestBatchNormCell_Variables(t *testing.T) {
	store := newStore()
	cell, err := NewBatchNormCell(store.Scope("m"), BatchNormCellConfig{InputSize: 3, Units: 2, Logger: quietLogger()})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"m/BatchNormCell/W",
		"m/BatchNormCell/sbn/beta",
		"m/BatchNormCell/sbn/gamma",
		"m/BatchNormCell/U",
		"m/BatchNormCell/B",
	}, store.Names())
	assert.Equal(t, []string{"m/BatchNormCell/sbn/moments"}, store.AverageNames())

	w, ok := store.Lookup("m/BatchNormCell/W")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{3, 2}, w.Tensor().Shape())
	u, ok := store.Lookup("m/BatchNormCell/U")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{2, 2}, u.Tensor().Shape())

	assert.Equal(t, float32(20), cell.Capping())
	assert.Len(t, cell.Parameters(), 5)
}

func TestBatchNormCell_Step(t *testing.T) {
	tests := []struct {
		name    string
		capping float32
		want    []float32
	}{
		{"default cap", 0, []float32{0, 0, 1.5, 1}},
		{"cap 1.2", 1.2, []float32{0, 0, 1.2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore()
			backend := store.Backend()
			cell, err := NewBatchNormCell(store.Scope("m"), BatchNormCellConfig{
				InputSize: 2,
				Units:     2,
				Capping:   tt.capping,
				Logger:    quietLogger(),
			})
			require.NoError(t, err)

			w, _ := store.Lookup("m/BatchNormCell/W")
			u, _ := store.Lookup("m/BatchNormCell/U")
			b, _ := store.Lookup("m/BatchNormCell/B")
			setValues(t, w, []float32{1, 0, 0, 1})
			setValues(t, u, []float32{0, 0, 0, 0})
			setValues(t, b, []float32{0.5, 0})

			// SBN(x) = [[-1, -1], [1, 1]]; + B = [[-0.5, -1], [1.5, 1]]
			x := fromRows(t, backend, [][]float32{{1, 2}, {3, 6}})
			h := ZeroState[*cpu.Backend](cell, 2, backend)
			out, state := cell.Step(x, h)

			assert.Same(t, out, state)
			assert.InDeltaSlice(t, tt.want, out.Data(), 1e-3)
			assert.Equal(t, []float32{1, 2, 3, 6}, x.Data())
			assert.Equal(t, []float32{0, 0, 0, 0}, h.Data())

			// Stepping again from the same tensors gives the same result.
			again, _ := cell.Step(x, h)
			assert.InDeltaSlice(t, tt.want, again.Data(), 1e-3)
		})
	}
}

func TestBatchNormCell_RecurrentTerm(t *testing.T) {
	store := newStore()
	backend := store.Backend()
	cell, err := NewBatchNormCell(store.Scope("m"), BatchNormCellConfig{InputSize: 1, Units: 2, Logger: quietLogger()})
	require.NoError(t, err)

	u, _ := store.Lookup("m/BatchNormCell/U")
	setValues(t, u, []float32{1, 2, 3, 4})

	// A constant input normalizes to zero, leaving relu(state @ U).
	x := fromRows(t, backend, [][]float32{{5}, {5}})
	h := fromRows(t, backend, [][]float32{{1, 0}, {1, -1}})
	out, _ := cell.Step(x, h)

	assert.InDeltaSlice(t, []float32{1, 2, 0, 0}, out.Data(), 1e-3)
}

func TestBatchNormCell_SetTraining(t *testing.T) {
	store := newStore()
	cell, err := NewBatchNormCell(store.Scope("m"), BatchNormCellConfig{InputSize: 2, Units: 2, Logger: quietLogger()})
	require.NoError(t, err)

	assert.True(t, cell.BatchNorm().Training())
	cell.SetTraining(false)
	assert.False(t, cell.BatchNorm().Training())
}

// Two towers compute on autodiff backends with weights pinned in one CPU
// store; averaged gradients update the masters and Sync refreshes the towers.
func TestBatchNormCell_TowersTrainPinnedWeights(t *testing.T) {
	store := newStore()
	towers := []*varscope.Replica[*cpu.Backend, compute]{
		varscope.NewReplica(store, autodiff.New(cpu.New())),
		varscope.NewReplica(store, autodiff.New(cpu.New())),
	}

	cfg := BatchNormCellConfig{InputSize: 2, Units: 3, Logger: quietLogger()}
	cells := make([]*BatchNormCell[compute], len(towers))
	for i, tower := range towers {
		sc := tower.Scope("model")
		if i > 0 {
			sc = sc.WithReuse(varscope.Reuse)
		}
		cell, err := NewBatchNormCell(sc, cfg)
		require.NoError(t, err)
		cells[i] = cell
	}
	require.Equal(t, 5, store.Len(), "towers share one set of variables")

	b, _ := store.Lookup("model/BatchNormCell/B")
	before := append([]float32(nil), b.Tensor().Data()...)

	inputs := [][]float32{
		{1, 2, 3, 6, -1, 0.5},
		{0, 1, 2, -2, 4, 1},
	}

	var perTower []map[*tensor.RawTensor]*tensor.RawTensor
	for i, tower := range towers {
		backend := tower.Backend()
		x, err := tensor.FromSlice(inputs[i], tensor.Shape{3, 2}, backend)
		require.NoError(t, err)
		h := ZeroState[compute](cells[i], 3, backend)

		backend.Tape().StartRecording()
		out, _ := cells[i].Step(x, h)
		outputGrad := tensor.Ones[float32](out.Shape(), backend)
		grads := backend.Tape().Backward(outputGrad.Raw(), backend)
		backend.Tape().StopRecording()

		mg, err := tower.MasterGradients(grads)
		require.NoError(t, err)
		assert.Contains(t, mg, b.Tensor().Raw())
		perTower = append(perTower, mg)
	}

	avg, err := varscope.AverageGradients(perTower...)
	require.NoError(t, err)

	sgd := optim.NewSGD(store.Parameters(), optim.SGDConfig{LR: 0.5}, store.Backend())
	sgd.Step(avg)

	after := b.Tensor().Data()
	assert.NotEqual(t, before, after, "bias must move")

	for _, tower := range towers {
		tower.Sync()
		mirrored := tower.Parameters()
		require.Len(t, mirrored, 5)
		for _, p := range mirrored {
			master, ok := tower.Master(p)
			require.True(t, ok)
			assert.Equal(t, master.Tensor().Data(), p.Tensor().Data(), p.Name())
		}
	}
}
