package main

import (
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/internal/parallel"
	"github.com/born-ml/rnncell/varscope"
)

// ErrDeviceUnavailable is returned when the requested compute device cannot
// be used on this system.
var ErrDeviceUnavailable = errors.New("compute device unavailable")

// tower is one compute replica with its own copy of the model.
type tower[X tensor.Backend] struct {
	id      int
	replica *varscope.Replica[*cpu.Backend, *autodiff.Backend[X]]
	model   *model[*autodiff.Backend[X]]
}

type towerResult struct {
	loss  float32
	grads map[*tensor.RawTensor]*tensor.RawTensor
}

// stepResult summarizes one training step.
type stepResult struct {
	Losses    []float32 // Per-tower loss before the update
	Variables int       // Master variables in the store
	Gradients int       // Master variables that received a gradient
}

// runStep builds cfg.Train.Towers replicas computing on autodiff(newInner())
// over store, runs one forward/backward pass per tower concurrently, averages
// the gradients onto the masters and applies one SGD update.
//
// The loss is the mean squared output against a zero target.
func runStep[X tensor.Backend](cfg *Config, store *varscope.Store[*cpu.Backend], newInner func() X, logger logrus.FieldLogger) (*stepResult, error) {
	towers := make([]*tower[X], cfg.Train.Towers)
	for i := range towers {
		replica := varscope.NewReplica(store, autodiff.New(newInner()), varscope.WithLogger(logger))
		sc := replica.Scope("")
		if i > 0 {
			sc = sc.WithReuse(varscope.Reuse)
		}
		m, err := buildModel(sc, cfg.Model, logger.WithField("tower", i))
		if err != nil {
			return nil, errors.Wrapf(err, "tower %d", i)
		}
		towers[i] = &tower[X]{id: i, replica: replica, model: m}
	}

	results := make([]towerResult, len(towers))
	err := parallel.Run(len(towers), func(i int) error {
		r, err := towers[i].step(cfg)
		results[i] = r
		return err
	}, parallel.DefaultConfig())
	if err != nil {
		return nil, errors.Wrap(err, "tower step")
	}

	res := &stepResult{Losses: make([]float32, len(towers))}
	perTower := make([]map[*tensor.RawTensor]*tensor.RawTensor, 0, len(towers))
	for i, r := range results {
		res.Losses[i] = r.loss
		perTower = append(perTower, r.grads)
		logger.WithFields(logrus.Fields{
			"tower": i,
			"loss":  r.loss,
		}).Info("tower finished")
	}

	avg, err := varscope.AverageGradients(perTower...)
	if err != nil {
		return nil, errors.Wrap(err, "average gradients")
	}

	sgd := optim.NewSGD(store.Parameters(), optim.SGDConfig{LR: cfg.Train.LearningRate}, store.Backend())
	sgd.Step(avg)

	for _, tw := range towers {
		tw.replica.Sync()
	}

	res.Variables = store.Len()
	res.Gradients = len(avg)

	logger.WithFields(logrus.Fields{
		"towers":    len(towers),
		"variables": res.Variables,
		"gradients": res.Gradients,
		"device":    store.Device().String(),
	}).Info("parameters updated")

	return res, nil
}

func (tw *tower[X]) step(cfg *Config) (towerResult, error) {
	backend := tw.replica.Backend()
	shape := tensor.Shape{cfg.Train.Batch, cfg.Train.Time, cfg.Model.InputSize}
	x := tensor.Randn[float32](shape, backend)

	tape := backend.Tape()
	tape.Clear()
	tape.StartRecording()
	out := tw.model.Forward(x)

	// loss = mean(out^2), dloss/dout = 2*out/n
	data := out.Data()
	n := float32(len(data))
	gradData := make([]float32, len(data))
	var loss float32
	for i, v := range data {
		loss += v * v
		gradData[i] = 2 * v / n
	}
	loss /= n

	outputGrad, err := tensor.FromSlice(gradData, out.Shape().Clone(), backend)
	if err != nil {
		tape.StopRecording()
		return towerResult{}, errors.Wrap(err, "output gradient")
	}
	grads := tape.Backward(outputGrad.Raw(), backend)
	tape.StopRecording()

	master, err := tw.replica.MasterGradients(grads)
	if err != nil {
		return towerResult{}, err
	}
	return towerResult{loss: loss, grads: master}, nil
}
