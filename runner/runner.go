// Package runner defines the process entry modes. Every mode implements the
// same Runner contract; main picks one from the configuration and runs it
// until the context is cancelled.
package runner

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eventscope/eventscope/config"
)

// Run modes. Serve is the default all-in-one process; the split modes exist
// so the API and the browser-heavy workers can scale independently.
const (
	RunModeServe = iota + 1
	RunModeWeb
	RunModeWorker
	RunModeDispatch
	RunModeInstallPlaywright
)

var ErrInvalidRunMode = errors.New("invalid run mode")

// Runner is a process mode. Run blocks until the context is cancelled or the
// mode fails; Close releases whatever Run left open.
type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

// Config is the parsed process configuration: the chosen run mode plus the
// environment-driven settings.
type Config struct {
	RunMode int
	Env     *config.Config
}

// ParseConfig reads the command line and the environment. The playwright
// install mode skips the environment entirely so it can run in build
// containers without a database.
func ParseConfig() (*Config, error) {
	cfg := Config{}

	if os.Getenv("PLAYWRIGHT_INSTALL_ONLY") == "1" {
		cfg.RunMode = RunModeInstallPlaywright

		return &cfg, nil
	}

	var mode string

	flag.StringVar(&mode, "mode", "serve", "run mode: serve, web, worker, dispatch, install-playwright")
	flag.Parse()

	switch mode {
	case "serve":
		cfg.RunMode = RunModeServe
	case "web":
		cfg.RunMode = RunModeWeb
	case "worker":
		cfg.RunMode = RunModeWorker
	case "dispatch":
		cfg.RunMode = RunModeDispatch
	case "install-playwright":
		cfg.RunMode = RunModeInstallPlaywright

		return &cfg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRunMode, mode)
	}

	env, err := config.Load()
	if err != nil {
		return nil, err
	}

	cfg.Env = env

	return &cfg, nil
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger, nil
}
