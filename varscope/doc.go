// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package varscope provides named variable scopes with weights pinned to a
// parameter device.
//
// # Overview
//
// Layers ask a Scope for their variables by name instead of allocating them.
// The master copy of every variable lives in a Store on the parameter
// backend. Towers computing on other backends use a Replica, which mirrors
// the masters onto their compute backend:
//   - Store: master variables and moving averages on the parameter device
//   - Replica: per-tower mirrors, gradient re-keying, Sync after updates
//   - Scope: "/"-joined names and reuse modes (CreateNew, Reuse, AutoReuse)
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/born/autodiff"
//	    "github.com/born-ml/born/backend/cpu"
//	    "github.com/born-ml/born/optim"
//	    "github.com/born-ml/rnncell/varscope"
//	)
//
//	func main() {
//	    store := varscope.NewStore(cpu.New())
//	    tower := varscope.NewReplica(store, autodiff.New(cpu.New()))
//
//	    // Build layers with tower.Scope("model"), run forward/backward, then:
//	    grads, _ := tower.MasterGradients(tapeGrads)
//	    sgd := optim.NewSGD(store.Parameters(), optim.SGDConfig{LR: 0.01}, store.Backend())
//	    sgd.Step(grads)
//	    tower.Sync()
//	}
//
// # Reuse
//
// A second tower sharing the same weights opens its scope with Reuse:
//
//	sc := tower1.Scope("model").WithReuse(varscope.Reuse)
//
// Asking for an existing name under CreateNew fails with ErrVariableExists;
// asking for a missing name under Reuse fails with ErrVariableNotFound.
package varscope
