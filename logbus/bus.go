// Package logbus carries per-run append-only log streams. Every run gets its
// own stream with bus-assigned monotonically increasing ids; readers can
// fetch bounded history or tail the stream live. The production
// implementation sits on Redis Streams, the in-memory one backs tests and
// single-process setups without Redis.
package logbus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eventscope/eventscope/models"
)

// DefaultRetention bounds each run's stream length.
const DefaultRetention = 10000

// Bus is the per-run log stream contract.
type Bus interface {
	// Append adds an entry to the run's stream. The bus assigns the entry
	// id; entries within a run are totally ordered by it.
	Append(ctx context.Context, e models.LogEntry) (id string, err error)

	// Tail delivers historical entries from fromID (exclusive; empty means
	// from the beginning) and then follows live appends until ctx is
	// cancelled. The returned channel is closed when tailing stops.
	Tail(ctx context.Context, runID uuid.UUID, fromID string) (<-chan models.LogEntry, error)

	// History returns up to limit most recent entries, oldest first.
	History(ctx context.Context, runID uuid.UUID, limit int) ([]models.LogEntry, error)

	// LastActivity reports the timestamp of the run's newest entry. Returns
	// the zero time when the run has no entries.
	LastActivity(ctx context.Context, runID uuid.UUID) (time.Time, error)
}
