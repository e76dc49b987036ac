// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package rnn provides recurrent cells whose weights come from a
// varscope.Scope and can therefore be pinned to one parameter device.
//
// # Overview
//
// This package contains:
//   - Cells: BasicCell, BatchNormCell
//   - Layers: Linear, BatchNorm (SeqBatchNorm for [batch, features])
//   - Activations: ReLU, ReLU6, ClippedReLU, Tanh, Identity
//   - Sequence runners: RNN, Bidirectional
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/born/autodiff"
//	    "github.com/born-ml/born/backend/cpu"
//	    "github.com/born-ml/rnncell/rnn"
//	    "github.com/born-ml/rnncell/varscope"
//	)
//
//	func main() {
//	    store := varscope.NewStore(cpu.New())
//	    tower := varscope.NewReplica(store, autodiff.New(cpu.New()))
//
//	    cell, err := rnn.NewBatchNormCell(tower.Scope("model"), rnn.BatchNormCellConfig{
//	        InputSize: 161,
//	        Units:     256,
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    r := rnn.NewRNN[*autodiff.Backend[*cpu.Backend]](cell)
//	    output := r.Forward(features, nil) // [batch, time, 161] -> [batch, time, 256]
//	}
//
// # Cells
//
// BasicCell: output = state = act(W*[input, state] + B), ReLU6 by default
//
//	cell, err := rnn.NewBasicCell(sc, rnn.BasicCellConfig[B]{InputSize: n, Units: u})
//
// BatchNormCell: output = state = min(relu(SBN(input*W) + state*U + B), 20)
//
//	cell, err := rnn.NewBatchNormCell(sc, rnn.BatchNormCellConfig{InputSize: n, Units: u})
//	cell.SetTraining(false) // use the moving averages
package rnn
