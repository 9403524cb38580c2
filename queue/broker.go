// Package queue wraps asynq to provide the durable work queues of the
// pipeline: scrape, match and instagram. Delivery is at-least-once; callers
// rely on idempotent task ids and idempotent persistence rather than on
// exactly-once semantics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/eventscope/eventscope/models"
)

// Default retry policy: three attempts total, exponential backoff starting
// at thirty seconds.
const (
	DefaultMaxAttempts  = 3
	initialRetryBackoff = 30 * time.Second
)

// Queues lists every queue the pipeline uses.
var Queues = []string{models.QueueScrape, models.QueueMatch, models.QueueInstagram}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// Delay postpones first delivery.
	Delay time.Duration
	// JobID makes the enqueue idempotent: a task with the same id that is
	// still pending or running turns the call into a no-op.
	JobID string
	// MaxAttempts overrides DefaultMaxAttempts when positive.
	MaxAttempts int
}

// Counts is a queue's state breakdown, as surfaced to the admin UI.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Broker enqueues jobs and inspects queue state.
type Broker struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewBroker connects a broker to the Redis behind redisURL.
func NewBroker(redisURL string) (*Broker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &Broker{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}, nil
}

// Close releases the underlying connections.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close asynq client: %w", err)
	}

	return b.inspector.Close()
}

// Enqueue marshals payload and pushes a task of taskType onto queue.
// Returns the task id, or the supplied JobID unchanged when the task was
// already queued.
func (b *Broker) Enqueue(ctx context.Context, queue, taskType string, payload interface{}, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", taskType, err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	taskOpts := []asynq.Option{
		asynq.Queue(queue),
		// asynq counts retries after the first attempt.
		asynq.MaxRetry(maxAttempts - 1),
		asynq.Timeout(30 * time.Minute),
	}

	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}

	if opts.JobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.JobID))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return opts.JobID, nil
		}

		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}

	return info.ID, nil
}

// Counts reports the state breakdown of one queue.
func (b *Broker) Counts(queue string) (Counts, error) {
	info, err := b.inspector.GetQueueInfo(queue)
	if err != nil {
		return Counts{}, fmt.Errorf("queue info %s: %w", queue, err)
	}

	return Counts{
		Waiting:   info.Pending,
		Active:    info.Active,
		Completed: info.Completed,
		Failed:    info.Archived,
		Delayed:   info.Scheduled + info.Retry,
	}, nil
}

// AllCounts reports every queue's breakdown keyed by queue name.
func (b *Broker) AllCounts() (map[string]Counts, error) {
	out := make(map[string]Counts, len(Queues))

	for _, q := range Queues {
		c, err := b.Counts(q)
		if err != nil {
			return nil, err
		}

		out[q] = c
	}

	return out, nil
}

// Retry moves a failed or scheduled task to the front of its queue.
func (b *Broker) Retry(queue, jobID string) error {
	if err := b.inspector.RunTask(queue, jobID); err != nil {
		return fmt.Errorf("retry %s/%s: %w", queue, jobID, err)
	}

	return nil
}

// Clean drops completed and dead-lettered tasks from every queue.
func (b *Broker) Clean() error {
	for _, q := range Queues {
		if _, err := b.inspector.DeleteAllCompletedTasks(q); err != nil {
			return fmt.Errorf("clean completed %s: %w", q, err)
		}

		if _, err := b.inspector.DeleteAllArchivedTasks(q); err != nil {
			return fmt.Errorf("clean archived %s: %w", q, err)
		}
	}

	return nil
}
