// Package dispatch runs the periodic housekeeping of the pipeline: it
// enqueues scrape jobs for sources due for refresh and reconciles runs whose
// worker died mid-flight.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/jobs"
	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
)

// DefaultHeartbeatTimeout is how long a running run may go without a log line
// before it is declared dead.
const DefaultHeartbeatTimeout = 10 * time.Minute

// Submitter creates runs and queue tasks; satisfied by jobs.Service.
type Submitter interface {
	SubmitScrape(ctx context.Context, sourceID uuid.UUID, opts jobs.ScrapeOptions) (models.Run, error)
	SubmitInstagramFetch(ctx context.Context, sourceID uuid.UUID, postLimit int) (models.Run, error)
}

// Dispatcher ticks on a schedule. Each tick is two passes: refresh dispatch
// and heartbeat reconciliation.
type Dispatcher struct {
	sources models.SourceRepository
	runs    models.RunRepository
	submit  Submitter
	bus     logbus.Bus
	logger  *zap.Logger

	interval         time.Duration
	heartbeatTimeout time.Duration

	cron *cron.Cron
}

// New builds a dispatcher. interval is the tick period; heartbeatTimeout
// falls back to DefaultHeartbeatTimeout when zero.
func New(
	sources models.SourceRepository,
	runs models.RunRepository,
	submit Submitter,
	bus logbus.Bus,
	interval time.Duration,
	heartbeatTimeout time.Duration,
	logger *zap.Logger,
) *Dispatcher {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}

	return &Dispatcher{
		sources:          sources,
		runs:             runs,
		submit:           submit,
		bus:              bus,
		logger:           logger.Named("dispatch"),
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Start begins ticking in the background until Stop is called.
func (d *Dispatcher) Start() error {
	d.cron = cron.New()

	_, err := d.cron.AddFunc(fmt.Sprintf("@every %s", d.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.interval)
		defer cancel()

		d.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule dispatcher: %w", err)
	}

	d.cron.Start()
	d.logger.Info("dispatcher started", zap.Duration("interval", d.interval))

	return nil
}

// Stop halts the schedule and waits for an in-flight tick to finish.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// Tick runs one dispatch cycle. Exported so a tick can be forced in tests and
// from the admin surface.
func (d *Dispatcher) Tick(ctx context.Context) {
	if err := d.dispatchDue(ctx); err != nil {
		d.logger.Error("refresh dispatch failed", zap.Error(err))
	}

	if err := d.reconcile(ctx); err != nil {
		d.logger.Error("heartbeat reconciliation failed", zap.Error(err))
	}
}

// dispatchDue enqueues work for every active source whose refresh interval
// has elapsed. Poster-import sources are excluded: they only run on upload.
func (d *Dispatcher) dispatchDue(ctx context.Context) error {
	active := true

	sources, err := d.sources.Select(ctx, models.SourceFilter{Active: &active})
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, src := range sources {
		if !d.due(ctx, src, now) {
			continue
		}

		var run models.Run

		switch src.SourceType {
		case models.SourceTypePosterImport:
			continue
		case models.SourceTypeInstagram:
			run, err = d.submit.SubmitInstagramFetch(ctx, src.ID, 0)
		default:
			run, err = d.submit.SubmitScrape(ctx, src.ID, jobs.ScrapeOptions{})
		}

		if err != nil {
			d.logger.Error("dispatch failed",
				zap.String("source_id", src.ID.String()), zap.Error(err))

			continue
		}

		d.logger.Info("source dispatched",
			zap.String("source_id", src.ID.String()),
			zap.String("run_id", run.ID.String()))
	}

	return nil
}

func (d *Dispatcher) due(ctx context.Context, src models.Source, now time.Time) bool {
	// Zero interval means manual-only.
	if src.RefreshIntervalMin <= 0 {
		return false
	}

	if src.LastScrapedAt != nil {
		next := src.LastScrapedAt.Add(time.Duration(src.RefreshIntervalMin) * time.Minute)
		if now.Before(next) {
			return false
		}
	}

	// One in-flight run per source: skip while the latest run is not terminal.
	latest, err := d.runs.Select(ctx, models.RunFilter{SourceID: &src.ID, Limit: 1})
	if err != nil {
		d.logger.Warn("run lookup failed", zap.String("source_id", src.ID.String()), zap.Error(err))

		return false
	}

	if len(latest) > 0 && !models.RunTerminal(latest[0].Status) {
		return false
	}

	return true
}

// reconcile finds running runs whose stream has gone quiet past the
// heartbeat timeout and marks them failed. A run that never logged is judged
// by its start time.
func (d *Dispatcher) reconcile(ctx context.Context) error {
	running, err := d.runs.Running(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-d.heartbeatTimeout)

	for _, run := range running {
		last, err := d.bus.LastActivity(ctx, run.ID)
		if err != nil {
			d.logger.Warn("last activity lookup failed",
				zap.String("run_id", run.ID.String()), zap.Error(err))

			continue
		}

		if last.IsZero() {
			last = run.StartedAt
		}

		if !last.Before(cutoff) {
			continue
		}

		if err := d.markTimedOut(ctx, run, last); err != nil {
			d.logger.Error("heartbeat timeout update failed",
				zap.String("run_id", run.ID.String()), zap.Error(err))

			continue
		}

		d.logger.Warn("run timed out",
			zap.String("run_id", run.ID.String()),
			zap.Time("last_activity", last))
	}

	return nil
}

func (d *Dispatcher) markTimedOut(ctx context.Context, run models.Run, last time.Time) error {
	status := models.RunStatusError
	now := time.Now().UTC()

	errData, err := json.Marshal([]models.RunError{{
		Reason:  models.RunErrHeartbeatTimeout,
		Message: fmt.Sprintf("no activity since %s", last.Format(time.RFC3339)),
	}})
	if err != nil {
		return err
	}

	return d.runs.Update(ctx, run.ID, models.RunPatch{
		Status:     &status,
		FinishedAt: &now,
		Errors:     errData,
	})
}
