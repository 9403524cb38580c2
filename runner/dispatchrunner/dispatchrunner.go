// Package dispatchrunner hosts the scheduler: periodic refresh dispatch and
// heartbeat reconciliation. Exactly one instance should run per deployment.
package dispatchrunner

import (
	"context"

	"github.com/eventscope/eventscope/dispatch"
	"github.com/eventscope/eventscope/runner"
	"github.com/eventscope/eventscope/runner/app"
)

type dispatchRunner struct {
	dispatcher *dispatch.Dispatcher
}

// New builds the scheduler runner on the shared app.
func New(a *app.App) (runner.Runner, error) {
	d := dispatch.New(
		a.Sources, a.Runs, a.Jobs, a.Bus,
		a.Cfg.DispatchInterval(), a.Cfg.HeartbeatTimeout(),
		a.Logger,
	)

	return &dispatchRunner{dispatcher: d}, nil
}

func (r *dispatchRunner) Run(ctx context.Context) error {
	if err := r.dispatcher.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	r.dispatcher.Stop()

	return nil
}

func (r *dispatchRunner) Close(context.Context) error {
	return nil
}
