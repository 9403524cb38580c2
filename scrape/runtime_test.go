package scrape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/limiter"
	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
	"github.com/eventscope/eventscope/modules"
	"github.com/eventscope/eventscope/queue"
)

type fakeSources struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.Source
}

func (f *fakeSources) Get(_ context.Context, id uuid.UUID) (models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, ok := f.rows[id]
	if !ok {
		return models.Source{}, fmt.Errorf("source %s: %w", id, sql.ErrNoRows)
	}

	return src, nil
}

func (f *fakeSources) Select(context.Context, models.SourceFilter) ([]models.Source, error) {
	return nil, nil
}

func (f *fakeSources) Create(_ context.Context, src *models.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rows[src.ID] = *src

	return nil
}

func (f *fakeSources) Update(_ context.Context, src *models.Source) error {
	return f.Create(context.Background(), src)
}

func (f *fakeSources) Deactivate(_ context.Context, id uuid.UUID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	src := f.rows[id]
	src.Active = false
	src.Notes = note
	f.rows[id] = src

	return nil
}

func (f *fakeSources) MarkScraped(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	src := f.rows[id]
	src.LastScrapedAt = &at
	f.rows[id] = src

	return nil
}

type fakeRuns struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.Run
}

func (f *fakeRuns) Get(_ context.Context, id uuid.UUID) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.rows[id]
	if !ok {
		return models.Run{}, fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
	}

	return run, nil
}

func (f *fakeRuns) Create(_ context.Context, sourceID uuid.UUID) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run := models.Run{
		ID:        uuid.New(),
		SourceID:  sourceID,
		Status:    models.RunStatusQueued,
		StartedAt: time.Now().UTC(),
	}
	f.rows[run.ID] = run

	return run, nil
}

func (f *fakeRuns) Update(_ context.Context, id uuid.UUID, patch models.RunPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.rows[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
	}

	if patch.Status != nil {
		run.Status = *patch.Status
	}

	if patch.FinishedAt != nil {
		run.FinishedAt = patch.FinishedAt
	}

	if patch.EventsFound != nil {
		run.EventsFound = *patch.EventsFound
	}

	if patch.PagesCrawled != nil {
		run.PagesCrawled = *patch.PagesCrawled
	}

	if patch.Errors != nil {
		run.Errors = patch.Errors
	}

	f.rows[id] = run

	return nil
}

func (f *fakeRuns) Select(context.Context, models.RunFilter) ([]models.Run, error) {
	return nil, nil
}

func (f *fakeRuns) Running(context.Context) ([]models.Run, error) {
	return nil, nil
}

type fakeEvents struct {
	mu      sync.Mutex
	rows    map[string]models.EventRaw
	failAll bool
}

func (f *fakeEvents) key(ev *models.EventRaw) string {
	if ev.SourceEventID != "" {
		return ev.SourceID.String() + "/" + ev.SourceEventID
	}

	return ev.SourceID.String() + "#" + ev.ContentHash
}

func (f *fakeEvents) Upsert(_ context.Context, ev *models.EventRaw) (uuid.UUID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return uuid.Nil, false, errors.New("storage unavailable")
	}

	key := f.key(ev)
	if existing, ok := f.rows[key]; ok {
		ev.ID = existing.ID

		return existing.ID, false, nil
	}

	f.rows[key] = *ev

	return ev.ID, true, nil
}

func (f *fakeEvents) Get(_ context.Context, id uuid.UUID) (models.EventRaw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ev := range f.rows {
		if ev.ID == id {
			return ev, nil
		}
	}

	return models.EventRaw{}, sql.ErrNoRows
}

func (f *fakeEvents) ListForMatching(context.Context, models.EventFilter) (models.EventIterator, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEvents) CountForRun(_ context.Context, runID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int

	for _, ev := range f.rows {
		if ev.RunID == runID {
			n++
		}
	}

	return n, nil
}

type enqueued struct {
	queue    string
	taskType string
	payload  []byte
	opts     queue.EnqueueOptions
}

type fakeBroker struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (f *fakeBroker) Enqueue(_ context.Context, q, taskType string, payload interface{}, opts queue.EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.tasks = append(f.tasks, enqueued{queue: q, taskType: taskType, payload: data, opts: opts})

	return opts.JobID, nil
}

// funcModule adapts a closure into a browserless module.
type funcModule struct {
	key string
	fn  func(ctx context.Context, rc *modules.RunContext) ([]models.RawEvent, error)
}

func (m *funcModule) Meta() modules.Metadata {
	return modules.Metadata{Key: m.key, Label: m.key, Pagination: modules.PaginationNone, Browserless: true}
}

func (m *funcModule) Run(ctx context.Context, rc *modules.RunContext) ([]models.RawEvent, error) {
	return m.fn(ctx, rc)
}

func asynqTask(taskType string, payload []byte) *asynq.Task {
	return asynq.NewTask(taskType, payload)
}

type fixture struct {
	runtime *Runtime
	sources *fakeSources
	runs    *fakeRuns
	events  *fakeEvents
	broker  *fakeBroker
	src     models.Source
	run     models.Run
}

func newFixture(t *testing.T, moduleKey string, mods ...modules.Module) *fixture {
	t.Helper()

	f := &fixture{
		sources: &fakeSources{rows: make(map[uuid.UUID]models.Source)},
		runs:    &fakeRuns{rows: make(map[uuid.UUID]models.Run)},
		events:  &fakeEvents{rows: make(map[string]models.EventRaw)},
		broker:  &fakeBroker{},
	}

	registry := modules.NewRegistry()
	for _, m := range mods {
		require.NoError(t, registry.Register(m))
	}

	f.src = models.Source{
		ID:              uuid.New(),
		Name:            "Fixture Source",
		ModuleKey:       moduleKey,
		Active:          true,
		DefaultTimezone: "UTC",
		RateLimitPerMin: 600,
		SourceType:      models.SourceTypeWebsite,
	}
	require.NoError(t, f.sources.Create(context.Background(), &f.src))

	var err error
	f.run, err = f.runs.Create(context.Background(), f.src.ID)
	require.NoError(t, err)

	f.runtime = NewRuntime(
		f.sources, f.runs, f.events, registry,
		nil, // all test modules are browserless
		limiter.NewRegistry(), logbus.NewMemoryBus(), f.broker, zap.NewNop(),
	)

	return f
}

func (f *fixture) process(t *testing.T, ctx context.Context) error {
	t.Helper()

	payload, err := json.Marshal(models.ScrapePayload{SourceID: f.src.ID, RunID: f.run.ID})
	require.NoError(t, err)

	return f.runtime.ProcessScrapeTask(ctx, asynqTask(models.TypeScrapeSource, payload))
}

func (f *fixture) currentRun(t *testing.T) models.Run {
	t.Helper()

	run, err := f.runs.Get(context.Background(), f.run.ID)
	require.NoError(t, err)

	return run
}

func runErrors(t *testing.T, run models.Run) []models.RunError {
	t.Helper()

	if run.Errors == nil {
		return nil
	}

	var errs []models.RunError
	require.NoError(t, json.Unmarshal(run.Errors, &errs))

	return errs
}

func TestRunSuccessEnqueuesMatch(t *testing.T) {
	f := newFixture(t, "fake_fixed", &modules.FakeFixedModule{})

	require.NoError(t, f.process(t, context.Background()))

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 2, run.EventsFound)
	require.NotNil(t, run.FinishedAt)

	n, err := f.events.CountForRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	src, err := f.sources.Get(context.Background(), f.src.ID)
	require.NoError(t, err)
	assert.NotNil(t, src.LastScrapedAt)

	require.Len(t, f.broker.tasks, 1)
	task := f.broker.tasks[0]
	assert.Equal(t, models.QueueMatch, task.queue)
	assert.Equal(t, models.TypeMatchEvents, task.taskType)
	assert.Equal(t, "match-after-scrape-"+f.run.ID.String(), task.opts.JobID)
	assert.Equal(t, 5*time.Second, task.opts.Delay)

	var mp models.MatchPayload
	require.NoError(t, json.Unmarshal(task.payload, &mp))
	require.Len(t, mp.SourceIDs, 1)
	assert.Equal(t, f.src.ID, mp.SourceIDs[0])
	require.NotNil(t, mp.StartDate)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), *mp.StartDate, time.Minute)
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, "fake_fixed", &modules.FakeFixedModule{})

	require.NoError(t, f.process(t, context.Background()))

	// Redelivery of the same job: terminal run, no new rows, no new match job.
	require.NoError(t, f.process(t, context.Background()))

	n, err := f.events.CountForRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.broker.tasks, 1)
}

func TestModuleFailureDiscardsPartialOutput(t *testing.T) {
	f := newFixture(t, "boom", &funcModule{key: "boom", fn: func(context.Context, *modules.RunContext) ([]models.RawEvent, error) {
		// Events emitted before the failure never reach the runtime.
		return nil, errors.New("selector vanished")
	}})

	err := f.process(t, context.Background())
	require.Error(t, err)

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusError, run.Status)
	assert.Equal(t, 0, run.EventsFound)

	errs := runErrors(t, run)
	require.Len(t, errs, 1)
	assert.Equal(t, models.RunErrModuleFailure, errs[0].Reason)
	assert.Contains(t, errs[0].Message, "selector vanished")

	assert.Empty(t, f.broker.tasks, "no match job after a failed run")
}

func TestAllUpsertsFailingIsPartial(t *testing.T) {
	f := newFixture(t, "fake_fixed", &modules.FakeFixedModule{})
	f.events.failAll = true

	require.NoError(t, f.process(t, context.Background()))

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusPartial, run.Status)
	assert.Equal(t, 0, run.EventsFound)
	assert.NotEmpty(t, runErrors(t, run))

	assert.Empty(t, f.broker.tasks, "nothing saved, nothing to match")
}

func TestSomeUpsertsFailingIsSuccess(t *testing.T) {
	f := newFixture(t, "mixed", &funcModule{key: "mixed", fn: func(context.Context, *modules.RunContext) ([]models.RawEvent, error) {
		return []models.RawEvent{
			{Title: "Good", Start: "2025-07-01T18:00", URL: "https://x.example/1"},
			{Title: "Bad", Start: "not a datetime", URL: "https://x.example/2"},
		}, nil
	}})

	require.NoError(t, f.process(t, context.Background()))

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.EventsFound, "counts persisted rows, not the two the module emitted")

	errs := runErrors(t, run)
	require.Len(t, errs, 1)
	assert.Equal(t, "event_failure", errs[0].Reason)

	assert.Len(t, f.broker.tasks, 1, "partial persistence still triggers matching")
}

func TestEmptyResultIsSuccess(t *testing.T) {
	f := newFixture(t, "empty", &funcModule{key: "empty", fn: func(context.Context, *modules.RunContext) ([]models.RawEvent, error) {
		return nil, nil
	}})

	require.NoError(t, f.process(t, context.Background()))

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 0, run.EventsFound)
	assert.Empty(t, f.broker.tasks)
}

func TestCancellationAcksWithoutPartialRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	f := newFixture(t, "slow", &funcModule{key: "slow", fn: func(ctx context.Context, _ *modules.RunContext) ([]models.RawEvent, error) {
		cancel()
		<-ctx.Done()

		return nil, ctx.Err()
	}})

	// nil error: the broker must ack, not retry.
	require.NoError(t, f.process(t, ctx))

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusError, run.Status)

	errs := runErrors(t, run)
	require.Len(t, errs, 1)
	assert.Equal(t, models.RunErrCancelled, errs[0].Reason)

	n, err := f.events.CountForRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInactiveSourceFailsRun(t *testing.T) {
	f := newFixture(t, "fake_fixed", &modules.FakeFixedModule{})
	require.NoError(t, f.sources.Deactivate(context.Background(), f.src.ID, "paused"))

	err := f.process(t, context.Background())
	require.Error(t, err)

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusError, run.Status)

	errs := runErrors(t, run)
	require.Len(t, errs, 1)
	assert.Equal(t, models.RunErrSourceInactive, errs[0].Reason)
}

func TestUnknownModuleFailsRun(t *testing.T) {
	f := newFixture(t, "nope") // registry left empty

	err := f.process(t, context.Background())
	require.Error(t, err)

	errs := runErrors(t, f.currentRun(t))
	require.Len(t, errs, 1)
	assert.Equal(t, models.RunErrModuleNotFound, errs[0].Reason)
}

func TestInstagramTaskRunsSourceModule(t *testing.T) {
	f := newFixture(t, "ig", &funcModule{key: "ig", fn: func(_ context.Context, rc *modules.RunContext) ([]models.RawEvent, error) {
		if rc.JobData.PostLimit != 6 {
			return nil, fmt.Errorf("post limit not threaded: %d", rc.JobData.PostLimit)
		}

		return []models.RawEvent{{
			Title:         "Pop-up Show",
			Start:         "2025-08-01T20:00",
			URL:           "https://instagram.com/p/abc/",
			SourceEventID: "/p/abc/",
		}}, nil
	}})

	payload, err := json.Marshal(models.InstagramFetchPayload{
		SourceID:  f.src.ID,
		RunID:     f.run.ID,
		PostLimit: 6,
	})
	require.NoError(t, err)

	require.NoError(t, f.runtime.ProcessInstagramTask(context.Background(),
		asynqTask(models.TypeInstagramFetch, payload)))

	run := f.currentRun(t)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.EventsFound)
}

type fakeInstagrams struct {
	accounts map[string]models.InstagramAccount
	sessions map[string][]byte
}

func (s *fakeInstagrams) UpsertAccount(_ context.Context, acct models.InstagramAccount) error {
	s.accounts[acct.Username] = acct

	return nil
}

func (s *fakeInstagrams) Session(_ context.Context, username string) ([]byte, error) {
	return s.sessions[username], nil
}

func (s *fakeInstagrams) SaveSession(_ context.Context, username string, cookies []byte) error {
	s.sessions[username] = cookies

	return nil
}

func TestInstagramRunRecordsAccount(t *testing.T) {
	f := newFixture(t, "ig", &funcModule{key: "ig", fn: func(_ context.Context, rc *modules.RunContext) ([]models.RawEvent, error) {
		if rc.Sessions == nil {
			return nil, fmt.Errorf("session store not threaded")
		}

		return []models.RawEvent{{
			Title:         "Gallery Night",
			Start:         "2025-08-02T19:00",
			URL:           "https://instagram.com/p/xyz/",
			SourceEventID: "/p/xyz/",
		}}, nil
	}})

	f.src.SourceType = models.SourceTypeInstagram
	f.src.InstagramUsername = "gallerytown"
	require.NoError(t, f.sources.Update(context.Background(), &f.src))

	store := &fakeInstagrams{
		accounts: make(map[string]models.InstagramAccount),
		sessions: make(map[string][]byte),
	}
	f.runtime.WithInstagramStore(store)

	payload, err := json.Marshal(models.InstagramFetchPayload{SourceID: f.src.ID, RunID: f.run.ID})
	require.NoError(t, err)

	require.NoError(t, f.runtime.ProcessInstagramTask(context.Background(),
		asynqTask(models.TypeInstagramFetch, payload)))

	acct, ok := store.accounts["gallerytown"]
	require.True(t, ok, "account row written after a successful fetch")
	assert.Equal(t, f.src.ID, acct.SourceID)
	assert.Equal(t, 1, acct.EventsFound)
	require.NotNil(t, acct.LastFetchedAt)
	assert.WithinDuration(t, time.Now().UTC(), *acct.LastFetchedAt, time.Minute)
}
