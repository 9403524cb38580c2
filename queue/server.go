package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server consumes one queue with a fixed worker count. The pipeline runs one
// server per queue so each queue gets its own concurrency bound: scrape work
// is browser-bound, matching is CPU-bound single-writer, instagram is
// politeness-bound.
type Server struct {
	srv    *asynq.Server
	queue  string
	logger *zap.Logger
}

// NewServer builds a consumer for queue with the given concurrency.
func NewServer(redisURL, queue string, concurrency int, logger *zap.Logger) (*Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retryDelay(n)
		},
		Logger: zapAdapter{logger.Named("asynq." + queue).Sugar()},
	})

	return &Server{srv: srv, queue: queue, logger: logger}, nil
}

// Start begins consuming with the given handler mux and blocks until the
// server fails or Shutdown is called.
func (s *Server) Start(mux *asynq.ServeMux) error {
	if err := s.srv.Run(mux); err != nil {
		return fmt.Errorf("queue server %s: %w", s.queue, err)
	}

	return nil
}

// Shutdown drains in-flight tasks and stops the server.
func (s *Server) Shutdown(_ context.Context) {
	s.srv.Shutdown()
}

// retryDelay backs off exponentially from the initial thirty seconds:
// 30s, 1m, 2m, ...
func retryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}

	if n > 10 {
		n = 10 // cap at ~8.5h, avoids overflow on pathological counts
	}

	return initialRetryBackoff * (1 << n)
}

// zapAdapter bridges asynq's logger interface onto zap.
type zapAdapter struct {
	zl *zap.SugaredLogger
}

func (a zapAdapter) Debug(args ...interface{}) { a.zl.Debug(args...) }
func (a zapAdapter) Info(args ...interface{})  { a.zl.Info(args...) }
func (a zapAdapter) Warn(args ...interface{})  { a.zl.Warn(args...) }
func (a zapAdapter) Error(args ...interface{}) { a.zl.Error(args...) }
func (a zapAdapter) Fatal(args ...interface{}) { a.zl.Fatal(args...) }
