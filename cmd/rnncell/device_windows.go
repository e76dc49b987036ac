//go:build windows

package main

import (
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/varscope"
)

// stepOnDevice runs one step with towers computing on cfg.Device.Compute.
func stepOnDevice(cfg *Config, store *varscope.Store[*cpu.Backend], logger logrus.FieldLogger) (*stepResult, error) {
	if cfg.Device.Compute != "webgpu" {
		return runStep(cfg, store, cpu.New, logger)
	}

	if !webgpu.IsAvailable() {
		return nil, errors.Wrap(ErrDeviceUnavailable, "webgpu: no compatible adapter")
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, errors.Wrap(err, "webgpu")
	}
	defer gpu.Release()

	logger.WithField("backend", gpu.Name()).Info("computing on GPU, variables pinned on CPU")
	return runStep(cfg, store, func() *webgpu.Backend { return gpu }, logger)
}
