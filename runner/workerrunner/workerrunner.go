// Package workerrunner consumes the scrape, match and instagram queues. It is
// the only mode that launches a browser.
package workerrunner

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/eventscope/eventscope/browser"
	"github.com/eventscope/eventscope/limiter"
	"github.com/eventscope/eventscope/matcher"
	"github.com/eventscope/eventscope/models"
	"github.com/eventscope/eventscope/postgres"
	"github.com/eventscope/eventscope/queue"
	"github.com/eventscope/eventscope/runner"
	"github.com/eventscope/eventscope/runner/app"
	"github.com/eventscope/eventscope/scrape"
)

type consumer struct {
	server *queue.Server
	mux    *asynq.ServeMux
}

type workerRunner struct {
	app       *app.App
	pool      *browser.Pool
	consumers []consumer
}

// New builds queue consumers on the shared app. The browser launches here so
// web-only and dispatch-only processes never pay for it.
func New(a *app.App) (runner.Runner, error) {
	pool, err := browser.NewPool(a.Cfg.BrowserPoolSize, a.Cfg.Headless, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("start browser pool: %w", err)
	}

	runtime := scrape.NewRuntime(
		a.Sources, a.Runs, a.Events,
		a.Registry, pool, limiter.NewRegistry(),
		a.Bus, a.Broker, a.Logger,
	).WithInstagramStore(postgres.NewInstagramRepository(a.DB))

	matchSvc := matcher.NewService(a.Events, a.Matches, a.Settings, a.Logger)

	w := &workerRunner{app: a, pool: pool}

	specs := []struct {
		queue       string
		concurrency int
		taskType    string
		handler     asynq.HandlerFunc
	}{
		{models.QueueScrape, a.Cfg.ScrapeConcurrency, models.TypeScrapeSource, runtime.ProcessScrapeTask},
		{models.QueueMatch, a.Cfg.MatchConcurrency, models.TypeMatchEvents, matchSvc.ProcessTask},
		{models.QueueInstagram, a.Cfg.InstagramConcurrency, models.TypeInstagramFetch, runtime.ProcessInstagramTask},
	}

	for _, spec := range specs {
		srv, err := queue.NewServer(a.Cfg.RedisURL, spec.queue, spec.concurrency, a.Logger)
		if err != nil {
			_ = pool.Close()

			return nil, fmt.Errorf("build %s consumer: %w", spec.queue, err)
		}

		mux := asynq.NewServeMux()
		mux.HandleFunc(spec.taskType, spec.handler)

		w.consumers = append(w.consumers, consumer{server: srv, mux: mux})
	}

	return w, nil
}

func (w *workerRunner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range w.consumers {
		c := c
		g.Go(func() error {
			return c.server.Start(c.mux)
		})
	}

	g.Go(func() error {
		<-ctx.Done()

		for _, c := range w.consumers {
			c.server.Shutdown(context.Background())
		}

		return nil
	})

	return g.Wait()
}

func (w *workerRunner) Close(context.Context) error {
	return w.pool.Close()
}
