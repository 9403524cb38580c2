package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/eventscope/eventscope/runner"
	"github.com/eventscope/eventscope/runner/app"
	"github.com/eventscope/eventscope/runner/dispatchrunner"
	"github.com/eventscope/eventscope/runner/installplaywright"
	"github.com/eventscope/eventscope/runner/serverunner"
	"github.com/eventscope/eventscope/runner/webrunner"
	"github.com/eventscope/eventscope/runner/workerrunner"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := runner.ParseConfig()
	if err != nil {
		return err
	}

	if cfg.RunMode == runner.RunModeInstallPlaywright {
		r, err := installplaywright.New()
		if err != nil {
			return err
		}

		return r.Run(ctx)
	}

	logger, err := runner.NewLogger(cfg.Env.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg.Env, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown left connections dirty", zap.Error(err))
		}
	}()

	r, err := runnerFactory(cfg, a)
	if err != nil {
		return err
	}

	runErr := r.Run(ctx)

	if err := r.Close(context.Background()); err != nil {
		logger.Warn("runner close failed", zap.Error(err))
	}

	return runErr
}

func runnerFactory(cfg *runner.Config, a *app.App) (runner.Runner, error) {
	switch cfg.RunMode {
	case runner.RunModeServe:
		return serverunner.New(a)
	case runner.RunModeWeb:
		return webrunner.New(a)
	case runner.RunModeWorker:
		return workerrunner.New(a)
	case runner.RunModeDispatch:
		return dispatchrunner.New(a)
	default:
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}
}
