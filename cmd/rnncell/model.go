package main

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/rnn"
	"github.com/born-ml/rnncell/varscope"
)

// model is a stack of recurrent layers built from a ModelConfig.
type model[B tensor.Backend] struct {
	layers     []func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]
	bnCells    []*rnn.BatchNormCell[B]
	outputSize int
}

// buildModel creates the layers' variables under sc.Sub(cfg.Name).
//
// Layer i lives in "<name>/layer<i>", with "fw"/"bw" sub-scopes when
// bidirectional.
func buildModel[B tensor.Backend](sc varscope.Scope[B], cfg ModelConfig, logger logrus.FieldLogger) (*model[B], error) {
	root := sc.Sub(cfg.Name)
	m := &model[B]{}

	in := cfg.InputSize
	for i := 0; i < cfg.Layers; i++ {
		ls := root.Sub(fmt.Sprintf("layer%d", i))

		if cfg.Bidirectional {
			fw, err := m.newCell(ls.Sub("fw"), cfg, in, logger)
			if err != nil {
				return nil, errors.Wrapf(err, "layer %d", i)
			}
			bw, err := m.newCell(ls.Sub("bw"), cfg, in, logger)
			if err != nil {
				return nil, errors.Wrapf(err, "layer %d", i)
			}
			bi := rnn.NewBidirectional(fw, bw)
			m.layers = append(m.layers, bi.Forward)
			in = bi.OutputSize()
			continue
		}

		cell, err := m.newCell(ls, cfg, in, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		r := rnn.NewRNN(cell)
		m.layers = append(m.layers, func(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return r.Forward(x, nil)
		})
		in = cell.OutputSize()
	}

	m.outputSize = in
	return m, nil
}

func (m *model[B]) newCell(sc varscope.Scope[B], cfg ModelConfig, inputSize int, logger logrus.FieldLogger) (rnn.Cell[B], error) {
	switch cfg.Cell {
	case "basic":
		act, err := rnn.ActivationByName[B](cfg.Activation)
		if err != nil {
			return nil, err
		}
		cell, err := rnn.NewBasicCell(sc, rnn.BasicCellConfig[B]{
			InputSize:  inputSize,
			Units:      cfg.Units,
			Activation: act,
		})
		if err != nil {
			return nil, err
		}
		return cell, nil
	default:
		cell, err := rnn.NewBatchNormCell(sc, rnn.BatchNormCellConfig{
			InputSize: inputSize,
			Units:     cfg.Units,
			Capping:   cfg.Capping,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		m.bnCells = append(m.bnCells, cell)
		return cell, nil
	}
}

// Forward runs x [batch, time, InputSize] through every layer.
func (m *model[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	for _, layer := range m.layers {
		x = layer(x)
	}
	return x
}

// SetTraining switches every batch-norm cell.
func (m *model[B]) SetTraining(training bool) {
	for _, c := range m.bnCells {
		c.SetTraining(training)
	}
}
