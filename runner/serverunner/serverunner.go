// Package serverunner is the all-in-one mode: HTTP API, queue workers and
// the dispatcher in a single process. It is the default for small
// deployments; the split modes exist for scaling the pieces apart.
package serverunner

import (
	"context"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/eventscope/eventscope/runner"
	"github.com/eventscope/eventscope/runner/app"
	"github.com/eventscope/eventscope/runner/dispatchrunner"
	"github.com/eventscope/eventscope/runner/webrunner"
	"github.com/eventscope/eventscope/runner/workerrunner"
)

type serveRunner struct {
	parts []runner.Runner
}

// New composes the web, worker and dispatch runners on one shared app.
func New(a *app.App) (runner.Runner, error) {
	web, err := webrunner.New(a)
	if err != nil {
		return nil, err
	}

	worker, err := workerrunner.New(a)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatchrunner.New(a)
	if err != nil {
		_ = worker.Close(context.Background())

		return nil, err
	}

	return &serveRunner{parts: []runner.Runner{web, worker, dispatcher}}, nil
}

func (s *serveRunner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, part := range s.parts {
		part := part
		g.Go(func() error {
			return part.Run(ctx)
		})
	}

	return g.Wait()
}

func (s *serveRunner) Close(ctx context.Context) error {
	var err error

	for _, part := range s.parts {
		err = multierr.Append(err, part.Close(ctx))
	}

	return err
}
