// Package webrunner serves the HTTP API and the log streams.
package webrunner

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eventscope/eventscope/runner"
	"github.com/eventscope/eventscope/runner/app"
	"github.com/eventscope/eventscope/web"
)

const shutdownGrace = 15 * time.Second

type webRunner struct {
	app *app.App
	srv *web.Server
}

// New builds the HTTP runner on the shared app.
func New(a *app.App) (runner.Runner, error) {
	srv := web.New(a.Cfg.Addr, web.Dependencies{
		Logger:   a.Logger,
		DB:       a.DB,
		Sources:  a.Sources,
		Runs:     a.Runs,
		Matches:  a.Matches,
		Settings: a.Settings,
		Jobs:     a.Jobs,
		Registry: a.Registry,
		Bus:      a.Bus,
	})

	return &webRunner{app: a, srv: srv}, nil
}

func (w *webRunner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(w.srv.Start)

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		return w.srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (w *webRunner) Close(context.Context) error {
	return nil
}
