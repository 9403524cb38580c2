// Package scrape runs scraper modules against sources: one job at a time,
// from source lookup through normalization and persistence to the final run
// record update.
package scrape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/limiter"
	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
	"github.com/eventscope/eventscope/modules"
	"github.com/eventscope/eventscope/normalize"
	"github.com/eventscope/eventscope/queue"
)

const (
	// Window handed to the follow-up match job.
	matchWindowDays = 30
	// Small delay so several sources finishing together coalesce into the
	// broker's idempotent task ids instead of racing.
	matchEnqueueDelay = 5 * time.Second

	finalizeTimeout = 10 * time.Second
)

// PagePool hands out browser pages; satisfied by browser.Pool.
type PagePool interface {
	Checkout(ctx context.Context) (playwright.Page, func(), error)
}

// Enqueuer pushes follow-up jobs; satisfied by queue.Broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, q, taskType string, payload interface{}, opts queue.EnqueueOptions) (string, error)
}

// Runtime executes scrape jobs.
type Runtime struct {
	sources  models.SourceRepository
	runs     models.RunRepository
	events   models.EventRepository
	registry *modules.Registry
	pages    PagePool
	limiters *limiter.Registry
	bus      logbus.Bus
	broker   Enqueuer
	logger   *zap.Logger

	instagrams models.InstagramRepository
}

// WithInstagramStore enables per-account bookkeeping and browser session
// reuse for instagram fetches.
func (r *Runtime) WithInstagramStore(repo models.InstagramRepository) *Runtime {
	r.instagrams = repo

	return r
}

// NewRuntime wires a runtime. pages may be nil when every registered module
// is browserless (tests, poster-only deployments).
func NewRuntime(
	sources models.SourceRepository,
	runs models.RunRepository,
	events models.EventRepository,
	registry *modules.Registry,
	pages PagePool,
	limiters *limiter.Registry,
	bus logbus.Bus,
	broker Enqueuer,
	logger *zap.Logger,
) *Runtime {
	return &Runtime{
		sources:  sources,
		runs:     runs,
		events:   events,
		registry: registry,
		pages:    pages,
		limiters: limiters,
		bus:      bus,
		broker:   broker,
		logger:   logger.Named("scrape"),
	}
}

// ProcessScrapeTask is the asynq handler for scrape:source tasks.
func (r *Runtime) ProcessScrapeTask(ctx context.Context, t *asynq.Task) error {
	var payload models.ScrapePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal scrape payload: %v: %w", err, asynq.SkipRetry)
	}

	return r.run(ctx, job{
		sourceID: payload.SourceID,
		runID:    payload.RunID,
		data: modules.JobData{
			TestMode:     payload.TestMode,
			StartDate:    payload.StartDate,
			EndDate:      payload.EndDate,
			UploadedFile: payload.UploadedFile,
		},
	})
}

// ProcessInstagramTask is the asynq handler for instagram:fetch tasks. An
// Instagram fetch is a scrape run whose module comes from the source row,
// with a post cap instead of a date window.
func (r *Runtime) ProcessInstagramTask(ctx context.Context, t *asynq.Task) error {
	var payload models.InstagramFetchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal instagram payload: %v: %w", err, asynq.SkipRetry)
	}

	return r.run(ctx, job{
		sourceID: payload.SourceID,
		runID:    payload.RunID,
		data:     modules.JobData{PostLimit: payload.PostLimit},
	})
}

type job struct {
	sourceID uuid.UUID
	runID    uuid.UUID
	data     modules.JobData
}

func (r *Runtime) run(ctx context.Context, jb job) error {
	run, err := r.runs.Get(ctx, jb.runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s not found: %w", jb.runID, asynq.SkipRetry)
		}

		return err
	}

	// At-least-once delivery: a redelivered job for a finished run is a no-op.
	if models.RunTerminal(run.Status) {
		r.logger.Info("run already terminal, acking redelivery",
			zap.String("run_id", jb.runID.String()), zap.String("status", run.Status))

		return nil
	}

	rlog := logbus.NewRunLogger(r.bus, r.logger, jb.runID, "runtime")

	src, err := r.sources.Get(ctx, jb.sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.fail(rlog, jb.runID, models.RunErrSourceInactive, "source not found")
		}

		return err
	}

	if !src.Active {
		return r.fail(rlog, jb.runID, models.RunErrSourceInactive, "source is inactive")
	}

	mod, ok := r.registry.Get(src.ModuleKey)
	if !ok {
		return r.fail(rlog, jb.runID, models.RunErrModuleNotFound,
			fmt.Sprintf("module %q is not registered", src.ModuleKey))
	}

	if err := r.setStatus(jb.runID, models.RunStatusRunning); err != nil {
		return err
	}

	rlog.Infof("run started: source %q, module %s", src.Name, src.ModuleKey)

	rc := &modules.RunContext{
		Source:   src,
		SourceID: jb.sourceID,
		RunID:    jb.runID,
		JobData:  jb.data,
		Logger:   rlog.Named(src.ModuleKey),
		Limiter:  r.limiters.Get(src.ID, src.RateLimitPerMin),
		Stats:    &modules.Stats{},
	}

	if r.instagrams != nil {
		rc.Sessions = r.instagrams
	}

	if !mod.Meta().Browserless {
		page, release, err := r.pages.Checkout(ctx)
		if err != nil {
			if canceled(ctx, err) {
				return r.cancel(rlog, jb.runID, rc)
			}

			// Pool trouble is transient; leave the run running and let the
			// broker redeliver.
			return fmt.Errorf("page checkout: %w", err)
		}

		defer release()

		rc.Page = page
	}

	// First politeness token is on the runtime; modules take over from here.
	if err := rc.Limiter.Acquire(ctx); err != nil {
		return r.cancel(rlog, jb.runID, rc)
	}

	raw, err := mod.Run(ctx, rc)
	if err != nil {
		if canceled(ctx, err) {
			return r.cancel(rlog, jb.runID, rc)
		}

		rlog.Errorf("module failed: %v", err)

		return r.finalizeError(rlog, jb.runID, rc, models.RunError{
			Reason:  models.RunErrModuleFailure,
			Message: err.Error(),
		})
	}

	saved, eventErrs := r.persist(ctx, rlog, src, jb.runID, raw)

	if ctx.Err() != nil {
		return r.cancel(rlog, jb.runID, rc)
	}

	status := models.RunStatusSuccess
	if len(raw) > 0 && saved == 0 {
		status = models.RunStatusPartial
	}

	rlog.Infof("run finished: %s, %d/%d events saved, %d pages",
		status, saved, len(raw), rc.Stats.PagesCrawled())

	if err := r.finalize(jb.runID, status, saved, rc.Stats.PagesCrawled(), eventErrs); err != nil {
		return err
	}

	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := r.sources.MarkScraped(fctx, src.ID, time.Now().UTC()); err != nil {
		rlog.Warnf("mark scraped failed: %v", err)
	}

	if r.instagrams != nil && src.SourceType == models.SourceTypeInstagram && src.InstagramUsername != "" {
		now := time.Now().UTC()

		if err := r.instagrams.UpsertAccount(fctx, models.InstagramAccount{
			Username:      src.InstagramUsername,
			SourceID:      src.ID,
			LastFetchedAt: &now,
			EventsFound:   saved,
		}); err != nil {
			rlog.Warnf("account bookkeeping failed: %v", err)
		}
	}

	if saved > 0 {
		r.enqueueMatch(fctx, rlog, src.ID, jb.runID)
	}

	return nil
}

// persist normalizes and upserts each raw event. Per-event failures are
// absorbed: logged, collected, and reflected in the run record, but only a
// fully-failed batch changes the run status.
func (r *Runtime) persist(ctx context.Context, rlog *logbus.RunLogger, src models.Source, runID uuid.UUID, raw []models.RawEvent) (int, error) {
	var (
		saved int
		errs  error
	)

	for i := range raw {
		if ctx.Err() != nil {
			return saved, errs
		}

		ev, err := normalize.Event(raw[i], src.DefaultTimezone)
		if err != nil {
			rlog.Warnf("event %q dropped: %v", raw[i].Title, err)
			errs = multierr.Append(errs, fmt.Errorf("normalize %q: %w", raw[i].Title, err))

			continue
		}

		ev.SourceID = src.ID
		ev.RunID = runID

		_, inserted, err := r.events.Upsert(ctx, &ev)
		if err != nil {
			rlog.Warnf("upsert %q failed: %v", ev.Title, err)
			errs = multierr.Append(errs, fmt.Errorf("upsert %q: %w", ev.Title, err))

			continue
		}

		if inserted {
			rlog.Debugf("new event %q (%s)", ev.Title, ev.ID)
		}

		saved++
	}

	return saved, errs
}

func (r *Runtime) enqueueMatch(ctx context.Context, rlog *logbus.RunLogger, sourceID, runID uuid.UUID) {
	start := time.Now().UTC().AddDate(0, 0, -matchWindowDays)

	_, err := r.broker.Enqueue(ctx, models.QueueMatch, models.TypeMatchEvents,
		models.MatchPayload{
			SourceIDs: []uuid.UUID{sourceID},
			StartDate: &start,
		},
		queue.EnqueueOptions{
			Delay: matchEnqueueDelay,
			JobID: "match-after-scrape-" + runID.String(),
		})
	if err != nil {
		rlog.Warnf("match enqueue failed: %v", err)

		return
	}

	rlog.Infof("match job enqueued")
}

// cancel marks the run error:cancelled and acks the job. The deferred page
// release runs on the way out.
func (r *Runtime) cancel(rlog *logbus.RunLogger, runID uuid.UUID, rc *modules.RunContext) error {
	rlog.Warnf("run cancelled")

	_ = r.finalizeWith(runID, models.RunStatusError, 0, rc.Stats.PagesCrawled(), models.RunError{
		Reason: models.RunErrCancelled,
	})

	return nil
}

// fail terminates a run that never got to execute. The returned error carries
// SkipRetry: the run is terminal, so redelivery could only no-op.
func (r *Runtime) fail(rlog *logbus.RunLogger, runID uuid.UUID, reason, msg string) error {
	rlog.Errorf("%s: %s", reason, msg)

	if err := r.finalizeWith(runID, models.RunStatusError, 0, 0, models.RunError{Reason: reason, Message: msg}); err != nil {
		return err
	}

	return fmt.Errorf("%s: %s: %w", reason, msg, asynq.SkipRetry)
}

func (r *Runtime) finalizeError(rlog *logbus.RunLogger, runID uuid.UUID, rc *modules.RunContext, runErr models.RunError) error {
	if err := r.finalizeWith(runID, models.RunStatusError, 0, rc.Stats.PagesCrawled(), runErr); err != nil {
		return err
	}

	return fmt.Errorf("%s: %s: %w", runErr.Reason, runErr.Message, asynq.SkipRetry)
}

func (r *Runtime) finalize(runID uuid.UUID, status string, eventsFound, pagesCrawled int, eventErrs error) error {
	var runErrs []models.RunError

	for _, e := range multierr.Errors(eventErrs) {
		runErrs = append(runErrs, models.RunError{
			Reason:  "event_failure",
			Message: e.Error(),
		})
	}

	return r.patchTerminal(runID, status, eventsFound, pagesCrawled, runErrs)
}

func (r *Runtime) finalizeWith(runID uuid.UUID, status string, eventsFound, pagesCrawled int, runErr models.RunError) error {
	return r.patchTerminal(runID, status, eventsFound, pagesCrawled, []models.RunError{runErr})
}

// patchTerminal writes the terminal run record. It runs on a fresh context:
// the job context may already be cancelled, and a terminal state must land
// regardless.
func (r *Runtime) patchTerminal(runID uuid.UUID, status string, eventsFound, pagesCrawled int, runErrs []models.RunError) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	now := time.Now().UTC()

	patch := models.RunPatch{
		Status:       &status,
		FinishedAt:   &now,
		EventsFound:  &eventsFound,
		PagesCrawled: &pagesCrawled,
	}

	if len(runErrs) > 0 {
		data, err := json.Marshal(runErrs)
		if err != nil {
			return fmt.Errorf("encode run errors: %w", err)
		}

		patch.Errors = data
	}

	if err := r.runs.Update(ctx, runID, patch); err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}

	return nil
}

func (r *Runtime) setStatus(runID uuid.UUID, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := r.runs.Update(ctx, runID, models.RunPatch{Status: &status}); err != nil {
		return fmt.Errorf("set run %s %s: %w", runID, status, err)
	}

	return nil
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
