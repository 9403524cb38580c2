// Package jobs is the submission surface of the pipeline: it creates run
// records and pushes the matching tasks onto the queues, and exposes the
// queue admin operations (status, retry, clean).
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/models"
	"github.com/eventscope/eventscope/queue"
)

// Broker is the queue surface the service needs; satisfied by queue.Broker.
type Broker interface {
	Enqueue(ctx context.Context, q, taskType string, payload interface{}, opts queue.EnqueueOptions) (string, error)
	AllCounts() (map[string]queue.Counts, error)
	Retry(q, jobID string) error
	Clean() error
}

// Service submits work and administers the queues.
type Service struct {
	sources models.SourceRepository
	runs    models.RunRepository
	broker  Broker
	logger  *zap.Logger
}

// NewService wires a job service.
func NewService(sources models.SourceRepository, runs models.RunRepository, broker Broker, logger *zap.Logger) *Service {
	return &Service{
		sources: sources,
		runs:    runs,
		broker:  broker,
		logger:  logger.Named("jobs"),
	}
}

// ScrapeOptions are the per-submission knobs of a scrape job.
type ScrapeOptions struct {
	TestMode     bool
	StartDate    *time.Time
	EndDate      *time.Time
	UploadedFile *models.UploadedFile
}

// SubmitScrape creates the run record and enqueues the scrape task. The run
// id is returned to the caller immediately so logs can be tailed while the
// job is still queued. Source activity is checked by the runtime, not here:
// a submit against a paused source yields a run that fails with a recorded
// reason rather than a rejected request.
func (s *Service) SubmitScrape(ctx context.Context, sourceID uuid.UUID, opts ScrapeOptions) (models.Run, error) {
	if _, err := s.sources.Get(ctx, sourceID); err != nil {
		return models.Run{}, fmt.Errorf("submit scrape: %w", err)
	}

	run, err := s.runs.Create(ctx, sourceID)
	if err != nil {
		return models.Run{}, fmt.Errorf("submit scrape: %w", err)
	}

	_, err = s.broker.Enqueue(ctx, models.QueueScrape, models.TypeScrapeSource,
		models.ScrapePayload{
			SourceID:     sourceID,
			RunID:        run.ID,
			TestMode:     opts.TestMode,
			StartDate:    opts.StartDate,
			EndDate:      opts.EndDate,
			UploadedFile: opts.UploadedFile,
		},
		queue.EnqueueOptions{JobID: "scrape-" + run.ID.String()})
	if err != nil {
		return models.Run{}, fmt.Errorf("submit scrape: %w", err)
	}

	s.logger.Info("scrape submitted",
		zap.String("source_id", sourceID.String()),
		zap.String("run_id", run.ID.String()))

	return run, nil
}

// SubmitInstagramFetch creates a run and enqueues an instagram:fetch task.
func (s *Service) SubmitInstagramFetch(ctx context.Context, sourceID uuid.UUID, postLimit int) (models.Run, error) {
	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return models.Run{}, fmt.Errorf("submit instagram fetch: %w", err)
	}

	if src.SourceType != models.SourceTypeInstagram {
		return models.Run{}, fmt.Errorf("source %s is not an instagram source", sourceID)
	}

	run, err := s.runs.Create(ctx, sourceID)
	if err != nil {
		return models.Run{}, fmt.Errorf("submit instagram fetch: %w", err)
	}

	_, err = s.broker.Enqueue(ctx, models.QueueInstagram, models.TypeInstagramFetch,
		models.InstagramFetchPayload{
			SourceID:  sourceID,
			RunID:     run.ID,
			PostLimit: postLimit,
		},
		queue.EnqueueOptions{JobID: "instagram-" + run.ID.String()})
	if err != nil {
		return models.Run{}, fmt.Errorf("submit instagram fetch: %w", err)
	}

	return run, nil
}

// SubmitMatch enqueues a match pass over the given window. Returns the task id.
func (s *Service) SubmitMatch(ctx context.Context, payload models.MatchPayload) (string, error) {
	id, err := s.broker.Enqueue(ctx, models.QueueMatch, models.TypeMatchEvents, payload, queue.EnqueueOptions{})
	if err != nil {
		return "", fmt.Errorf("submit match: %w", err)
	}

	return id, nil
}

// QueueStatus reports every queue's state breakdown.
func (s *Service) QueueStatus() (map[string]queue.Counts, error) {
	return s.broker.AllCounts()
}

// RetryJob re-runs a failed or scheduled task. The admin API addresses tasks
// by id alone, so each queue is tried in turn.
func (s *Service) RetryJob(jobID string) error {
	var errs error

	for _, q := range queue.Queues {
		err := s.broker.Retry(q, jobID)
		if err == nil {
			return nil
		}

		errs = multierr.Append(errs, err)
	}

	return fmt.Errorf("retry %s: %w", jobID, errs)
}

// CleanQueues drops completed and dead-lettered tasks from every queue.
func (s *Service) CleanQueues() error {
	return s.broker.Clean()
}
