package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes a model and one training step.
type Config struct {
	Model  ModelConfig  `yaml:"model"`
	Train  TrainConfig  `yaml:"train"`
	Device DeviceConfig `yaml:"device"`
}

// ModelConfig describes a stack of recurrent layers.
type ModelConfig struct {
	Name          string  `yaml:"name"`          // Root scope (default: "model")
	Cell          string  `yaml:"cell"`          // "batchnorm" or "basic" (default: "batchnorm")
	InputSize     int     `yaml:"input_size"`    // Features per time step
	Units         int     `yaml:"units"`         // Units per direction
	Layers        int     `yaml:"layers"`        // Stacked layers (default: 1)
	Activation    string  `yaml:"activation"`    // Basic cell only (default: "relu6")
	Capping       float32 `yaml:"capping"`       // Batch-norm cell only (default: 20)
	Bidirectional bool    `yaml:"bidirectional"` // Run each layer in both directions
}

// TrainConfig describes the synthetic batch used by the step command.
type TrainConfig struct {
	Towers       int     `yaml:"towers"`        // Compute replicas (default: 1)
	Batch        int     `yaml:"batch"`         // Sequences per tower (default: 4)
	Time         int     `yaml:"time"`          // Steps per sequence (default: 8)
	LearningRate float32 `yaml:"learning_rate"` // SGD learning rate (default: 0.01)
}

// DeviceConfig selects where variables live and where towers compute.
type DeviceConfig struct {
	Compute string `yaml:"compute"` // "cpu" or "webgpu" (default: "cpu")
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, applies defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	m := &c.Model
	if m.Name == "" {
		m.Name = "model"
	}
	m.Cell = strings.ToLower(m.Cell)
	if m.Cell == "" {
		m.Cell = "batchnorm"
	}
	if m.Layers == 0 {
		m.Layers = 1
	}
	if m.Activation == "" {
		m.Activation = "relu6"
	}

	t := &c.Train
	if t.Towers == 0 {
		t.Towers = 1
	}
	if t.Batch == 0 {
		t.Batch = 4
	}
	if t.Time == 0 {
		t.Time = 8
	}
	if t.LearningRate == 0 {
		t.LearningRate = 0.01
	}

	c.Device.Compute = strings.ToLower(c.Device.Compute)
	if c.Device.Compute == "" {
		c.Device.Compute = "cpu"
	}
}

func (c *Config) validate() error {
	m := c.Model
	switch m.Cell {
	case "batchnorm", "basic":
	default:
		return errors.Errorf("model.cell: unknown cell %q (want batchnorm or basic)", m.Cell)
	}
	if m.InputSize < 1 {
		return errors.Errorf("model.input_size: must be positive, got %d", m.InputSize)
	}
	if m.Units < 1 {
		return errors.Errorf("model.units: must be positive, got %d", m.Units)
	}
	if m.Layers < 1 {
		return errors.Errorf("model.layers: must be positive, got %d", m.Layers)
	}

	t := c.Train
	if t.Towers < 1 || t.Batch < 1 || t.Time < 1 {
		return errors.Errorf("train: towers, batch and time must be positive, got %d, %d, %d", t.Towers, t.Batch, t.Time)
	}
	if t.LearningRate < 0 {
		return errors.Errorf("train.learning_rate: must not be negative, got %v", t.LearningRate)
	}

	switch c.Device.Compute {
	case "cpu", "webgpu":
	default:
		return errors.Errorf("device.compute: unknown device %q (want cpu or webgpu)", c.Device.Compute)
	}
	return nil
}
