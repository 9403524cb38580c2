package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/jobs"
	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
)

type memSources struct {
	rows []models.Source
}

func (m *memSources) Get(_ context.Context, id uuid.UUID) (models.Source, error) {
	for _, src := range m.rows {
		if src.ID == id {
			return src, nil
		}
	}

	return models.Source{}, assertErr
}

func (m *memSources) Select(_ context.Context, filter models.SourceFilter) ([]models.Source, error) {
	var out []models.Source

	for _, src := range m.rows {
		if filter.Active != nil && src.Active != *filter.Active {
			continue
		}

		out = append(out, src)
	}

	return out, nil
}

func (m *memSources) Create(context.Context, *models.Source) error            { return nil }
func (m *memSources) Update(context.Context, *models.Source) error            { return nil }
func (m *memSources) Deactivate(context.Context, uuid.UUID, string) error     { return nil }
func (m *memSources) MarkScraped(context.Context, uuid.UUID, time.Time) error { return nil }

type memRuns struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.Run
}

func (m *memRuns) Get(_ context.Context, id uuid.UUID) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rows[id], nil
}

func (m *memRuns) Create(_ context.Context, sourceID uuid.UUID) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := models.Run{ID: uuid.New(), SourceID: sourceID, Status: models.RunStatusQueued, StartedAt: time.Now().UTC()}
	m.rows[run.ID] = run

	return run, nil
}

func (m *memRuns) Update(_ context.Context, id uuid.UUID, patch models.RunPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.rows[id]

	if patch.Status != nil {
		run.Status = *patch.Status
	}

	if patch.FinishedAt != nil {
		run.FinishedAt = patch.FinishedAt
	}

	if patch.Errors != nil {
		run.Errors = patch.Errors
	}

	m.rows[id] = run

	return nil
}

func (m *memRuns) Select(_ context.Context, filter models.RunFilter) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Run

	for id := range m.rows {
		run := m.rows[id]

		if filter.SourceID != nil && run.SourceID != *filter.SourceID {
			continue
		}

		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = &run
		}
	}

	if latest == nil {
		return nil, nil
	}

	return []models.Run{*latest}, nil
}

func (m *memRuns) Running(context.Context) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Run

	for _, run := range m.rows {
		if run.Status == models.RunStatusRunning {
			out = append(out, run)
		}
	}

	return out, nil
}

type recordingSubmitter struct {
	scrapes    []uuid.UUID
	instagrams []uuid.UUID
}

func (r *recordingSubmitter) SubmitScrape(_ context.Context, sourceID uuid.UUID, _ jobs.ScrapeOptions) (models.Run, error) {
	r.scrapes = append(r.scrapes, sourceID)

	return models.Run{ID: uuid.New(), SourceID: sourceID}, nil
}

func (r *recordingSubmitter) SubmitInstagramFetch(_ context.Context, sourceID uuid.UUID, _ int) (models.Run, error) {
	r.instagrams = append(r.instagrams, sourceID)

	return models.Run{ID: uuid.New(), SourceID: sourceID}, nil
}

var assertErr = assert.AnError

func newDispatcher(sources *memSources, runs *memRuns, submit *recordingSubmitter, bus logbus.Bus) *Dispatcher {
	return New(sources, runs, submit, bus, time.Minute, 10*time.Minute, zap.NewNop())
}

func TestDispatchDueSources(t *testing.T) {
	old := time.Now().UTC().Add(-2 * time.Hour)
	fresh := time.Now().UTC().Add(-5 * time.Minute)

	website := models.Source{
		ID: uuid.New(), Active: true, SourceType: models.SourceTypeWebsite,
		RefreshIntervalMin: 60, LastScrapedAt: &old,
	}
	neverScraped := models.Source{
		ID: uuid.New(), Active: true, SourceType: models.SourceTypeWebsite,
		RefreshIntervalMin: 60,
	}
	recentlyScraped := models.Source{
		ID: uuid.New(), Active: true, SourceType: models.SourceTypeWebsite,
		RefreshIntervalMin: 60, LastScrapedAt: &fresh,
	}
	manualOnly := models.Source{
		ID: uuid.New(), Active: true, SourceType: models.SourceTypeWebsite,
		RefreshIntervalMin: 0, LastScrapedAt: &old,
	}
	poster := models.Source{
		ID: uuid.New(), Active: true, SourceType: models.SourceTypePosterImport,
		RefreshIntervalMin: 60,
	}
	instagram := models.Source{
		ID: uuid.New(), Active: true, SourceType: models.SourceTypeInstagram,
		RefreshIntervalMin: 60, LastScrapedAt: &old,
	}
	inactive := models.Source{
		ID: uuid.New(), Active: false, SourceType: models.SourceTypeWebsite,
		RefreshIntervalMin: 60,
	}

	sources := &memSources{rows: []models.Source{
		website, neverScraped, recentlyScraped, manualOnly, poster, instagram, inactive,
	}}
	runs := &memRuns{rows: make(map[uuid.UUID]models.Run)}
	submit := &recordingSubmitter{}

	d := newDispatcher(sources, runs, submit, logbus.NewMemoryBus())
	d.Tick(context.Background())

	assert.ElementsMatch(t, []uuid.UUID{website.ID, neverScraped.ID}, submit.scrapes)
	assert.Equal(t, []uuid.UUID{instagram.ID}, submit.instagrams)
}

func TestDispatchSkipsSourceWithRunInFlight(t *testing.T) {
	old := time.Now().UTC().Add(-2 * time.Hour)
	src := models.Source{
		ID: uuid.New(), Active: true, SourceType: models.SourceTypeWebsite,
		RefreshIntervalMin: 60, LastScrapedAt: &old,
	}

	runs := &memRuns{rows: make(map[uuid.UUID]models.Run)}
	run, err := runs.Create(context.Background(), src.ID)
	require.NoError(t, err)

	running := models.RunStatusRunning
	require.NoError(t, runs.Update(context.Background(), run.ID, models.RunPatch{Status: &running}))

	submit := &recordingSubmitter{}
	d := newDispatcher(&memSources{rows: []models.Source{src}}, runs, submit, logbus.NewMemoryBus())

	// The running run both blocks re-dispatch and, being fresh, survives
	// reconciliation.
	d.Tick(context.Background())

	assert.Empty(t, submit.scrapes)

	got, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestHeartbeatReconciliation(t *testing.T) {
	bus := logbus.NewMemoryBus()
	runs := &memRuns{rows: make(map[uuid.UUID]models.Run)}
	sources := &memSources{}

	running := models.RunStatusRunning

	// Stale: last log line 20 minutes ago.
	stale, err := runs.Create(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NoError(t, runs.Update(context.Background(), stale.ID, models.RunPatch{Status: &running}))

	_, err = bus.Append(context.Background(), models.LogEntry{
		RunID:     stale.ID,
		Timestamp: time.Now().UTC().Add(-20 * time.Minute).UnixMilli(),
		Level:     models.LogLevelInfo,
		Source:    "runtime",
		Msg:       "run started",
	})
	require.NoError(t, err)

	// Alive: logged seconds ago.
	alive, err := runs.Create(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NoError(t, runs.Update(context.Background(), alive.ID, models.RunPatch{Status: &running}))

	_, err = bus.Append(context.Background(), models.LogEntry{
		RunID:     alive.ID,
		Timestamp: time.Now().UTC().UnixMilli(),
		Level:     models.LogLevelInfo,
		Source:    "runtime",
		Msg:       "crawling",
	})
	require.NoError(t, err)

	// Silent: never logged, started 30 minutes ago.
	silent, err := runs.Create(context.Background(), uuid.New())
	require.NoError(t, err)

	runs.mu.Lock()
	r := runs.rows[silent.ID]
	r.Status = models.RunStatusRunning
	r.StartedAt = time.Now().UTC().Add(-30 * time.Minute)
	runs.rows[silent.ID] = r
	runs.mu.Unlock()

	d := newDispatcher(sources, runs, &recordingSubmitter{}, bus)
	d.Tick(context.Background())

	got, err := runs.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, got.Status)
	require.NotNil(t, got.FinishedAt)

	var errs []models.RunError
	require.NoError(t, json.Unmarshal(got.Errors, &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, models.RunErrHeartbeatTimeout, errs[0].Reason)

	got, err = runs.Get(context.Background(), alive.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status, "active runs are left alone")

	got, err = runs.Get(context.Background(), silent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, got.Status, "a run that never logged is judged by its start time")
}
