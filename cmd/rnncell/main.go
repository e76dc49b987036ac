// Package main provides the rnncell CLI.
//
// Usage:
//
//	rnncell version
//	rnncell describe -config model.yaml
//	rnncell step -config model.yaml [-log-level debug] [-log-format json]
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/born-ml/born/backend/cpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/rnncell/varscope"
)

const version = "v0.1.0"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rnncell: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "rnncell %s\n", version)
		return nil
	case "describe":
		cfg, logger, err := parseCommand("describe", args[1:], stderr)
		if err != nil {
			return err
		}
		return describe(cfg, stdout, logger)
	case "step":
		cfg, logger, err := parseCommand("step", args[1:], stderr)
		if err != nil {
			return err
		}
		store := varscope.NewStore(cpu.New(), varscope.WithLogger(logger))
		res, err := stepOnDevice(cfg, store, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "step done: %d towers, %d variables, %d gradients\n", len(res.Losses), res.Variables, res.Gradients)
		for i, loss := range res.Losses {
			fmt.Fprintf(stdout, "  tower %d loss %.6f\n", i, loss)
		}
		return nil
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return errors.Errorf("unknown command %q", args[0])
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "rnncell %s - recurrent cells with device-pinned weights\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  version    Show version")
	fmt.Fprintln(w, "  describe   List the variables a model config creates")
	fmt.Fprintln(w, "  step       Run one multi-tower training step")
}

func parseCommand(name string, args []string, stderr io.Writer) (*Config, *logrus.Logger, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to the YAML model config")
	level := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	format := fs.String("log-format", "text", "Log format (text or json)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if *configPath == "" {
		return nil, nil, errors.New("-config is required")
	}

	logger, err := newLogger(*level, *format, stderr)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// describe builds the model on the CPU store and lists its variables.
func describe(cfg *Config, w io.Writer, logger logrus.FieldLogger) error {
	store := varscope.NewStore(cpu.New(), varscope.WithLogger(logger))
	m, err := buildModel(store.Scope(""), cfg.Model, logger)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIABLE\tSHAPE\tDEVICE\tTRAINABLE")
	total := 0
	for _, name := range store.Names() {
		p, _ := store.Lookup(name)
		shape := p.Tensor().Shape()
		total += shape.NumElements()
		fmt.Fprintf(tw, "%s\t%v\t%s\t%t\n", name, shape, store.Device(), store.Trainable(name))
	}
	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "write table")
	}

	fmt.Fprintf(w, "\n%d variables, %d values, output size %d\n", store.Len(), total, m.outputSize)
	for _, name := range store.AverageNames() {
		fmt.Fprintf(w, "moving average %s\n", name)
	}
	return nil
}
