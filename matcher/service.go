package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/models"
)

// SettingsProvider yields the current settings; satisfied by
// config.SettingsCache.
type SettingsProvider interface {
	Settings(ctx context.Context) (models.Settings, error)
}

// Service consumes match jobs from the queue, loads the candidate event set
// and replaces the open match set. It is the only writer of match rows.
type Service struct {
	events   models.EventRepository
	matches  models.MatchRepository
	settings SettingsProvider
	logger   *zap.Logger
}

// NewService wires a matcher service.
func NewService(events models.EventRepository, matches models.MatchRepository, settings SettingsProvider, logger *zap.Logger) *Service {
	return &Service{
		events:   events,
		matches:  matches,
		settings: settings,
		logger:   logger.Named("matcher"),
	}
}

// ProcessTask handles a queued match job.
func (s *Service) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload models.MatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal match payload: %w", err)
	}

	n, err := s.Run(ctx, payload)
	if err != nil {
		return err
	}

	s.logger.Info("match pass finished",
		zap.Int("open_matches", n),
		zap.Int("source_filter", len(payload.SourceIDs)))

	return nil
}

// Run executes one matching pass over the events selected by payload and
// returns the number of open matches written. Running twice on the same
// input yields the same open set: the previous open set is wiped and the
// computation is deterministic.
func (s *Service) Run(ctx context.Context, payload models.MatchPayload) (int, error) {
	cfg := DefaultConfig()

	if s.settings != nil {
		settings, err := s.settings.Settings(ctx)
		if err != nil {
			s.logger.Warn("settings unavailable, using defaults", zap.Error(err))
		} else {
			if settings.MatchWindowDays > 0 {
				cfg.WindowDays = settings.MatchWindowDays
			}

			if settings.MatchReviewThreshold > 0 {
				cfg.ReviewThreshold = settings.MatchReviewThreshold
			}
		}
	}

	events, err := s.loadEvents(ctx, payload)
	if err != nil {
		return 0, fmt.Errorf("load events for matching: %w", err)
	}

	started := time.Now()
	matches := FindMatches(events, cfg)
	matches = anchorFilter(matches, events, payload.SourceIDs)

	s.logger.Debug("scored candidate set",
		zap.Int("events", len(events)),
		zap.Int("matches", len(matches)),
		zap.Duration("took", time.Since(started)))

	if err := s.matches.ReplaceOpen(ctx, matches); err != nil {
		return 0, fmt.Errorf("replace open matches: %w", err)
	}

	return len(matches), nil
}

// loadEvents pulls the candidate window across every source. Duplicates of
// a given source's events necessarily live in other sources, so the payload
// source set must not narrow the load; it narrows the emitted pairs via
// anchorFilter instead.
func (s *Service) loadEvents(ctx context.Context, payload models.MatchPayload) ([]models.EventRaw, error) {
	it, err := s.events.ListForMatching(ctx, models.EventFilter{
		From: payload.StartDate,
		To:   payload.EndDate,
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var events []models.EventRaw

	for {
		ev, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}

		if !ok {
			break
		}

		events = append(events, ev)
	}

	return events, nil
}

// anchorFilter keeps only matches touching at least one of the given
// sources. An empty source set keeps everything.
func anchorFilter(matches []models.Match, events []models.EventRaw, sourceIDs []uuid.UUID) []models.Match {
	if len(sourceIDs) == 0 {
		return matches
	}

	anchors := make(map[uuid.UUID]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		anchors[id] = struct{}{}
	}

	sourceOf := make(map[uuid.UUID]uuid.UUID, len(events))
	for _, ev := range events {
		sourceOf[ev.ID] = ev.SourceID
	}

	out := matches[:0]

	for _, m := range matches {
		_, okA := anchors[sourceOf[m.RawIDA]]
		_, okB := anchors[sourceOf[m.RawIDB]]

		if okA || okB {
			out = append(out, m)
		}
	}

	return out
}
