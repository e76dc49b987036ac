//go:build !windows

package main

import (
	"github.com/born-ml/born/backend/cpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/varscope"
)

// stepOnDevice runs one step with towers computing on cfg.Device.Compute.
//
// The WebGPU backend is only built on Windows.
func stepOnDevice(cfg *Config, store *varscope.Store[*cpu.Backend], logger logrus.FieldLogger) (*stepResult, error) {
	if cfg.Device.Compute == "webgpu" {
		return nil, errors.Wrap(ErrDeviceUnavailable, "webgpu is only available on windows builds")
	}
	return runStep(cfg, store, cpu.New, logger)
}
