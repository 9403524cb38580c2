package logbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventscope/eventscope/models"
)

// MemoryBus is an in-process Bus used by tests and Redis-less setups. It
// keeps the same retention bound as the Redis implementation.
type MemoryBus struct {
	mu        sync.Mutex
	streams   map[uuid.UUID][]models.LogEntry
	seq       map[uuid.UUID]int64
	listeners map[uuid.UUID][]chan models.LogEntry
	retention int
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams:   make(map[uuid.UUID][]models.LogEntry),
		seq:       make(map[uuid.UUID]int64),
		listeners: make(map[uuid.UUID][]chan models.LogEntry),
		retention: DefaultRetention,
	}
}

// Append stores the entry and fans it out to live tails.
func (b *MemoryBus) Append(_ context.Context, e models.LogEntry) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	b.seq[e.RunID]++
	// Zero-padded so lexical order matches append order.
	e.ID = fmt.Sprintf("%d-%08d", e.Timestamp, b.seq[e.RunID])

	stream := append(b.streams[e.RunID], e)
	if len(stream) > b.retention {
		stream = stream[len(stream)-b.retention:]
	}

	b.streams[e.RunID] = stream

	for _, ch := range b.listeners[e.RunID] {
		select {
		case ch <- e:
		default: // slow tail, drop rather than block the writer
		}
	}

	return e.ID, nil
}

// Tail replays history after fromID and then follows live appends.
func (b *MemoryBus) Tail(ctx context.Context, runID uuid.UUID, fromID string) (<-chan models.LogEntry, error) {
	live := make(chan models.LogEntry, 64)

	b.mu.Lock()

	var history []models.LogEntry

	for _, e := range b.streams[runID] {
		if fromID == "" || e.ID > fromID {
			history = append(history, e)
		}
	}

	b.listeners[runID] = append(b.listeners[runID], live)
	b.mu.Unlock()

	out := make(chan models.LogEntry, 64)

	go func() {
		defer close(out)
		defer b.removeListener(runID, live)

		for _, e := range history {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}

		lastID := ""
		if len(history) > 0 {
			lastID = history[len(history)-1].ID
		}

		for {
			select {
			case e := <-live:
				if lastID != "" && e.ID <= lastID {
					continue // already replayed from history
				}

				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// History returns up to limit most recent entries, oldest first.
func (b *MemoryBus) History(_ context.Context, runID uuid.UUID, limit int) ([]models.LogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streams[runID]
	if limit > 0 && len(stream) > limit {
		stream = stream[len(stream)-limit:]
	}

	out := make([]models.LogEntry, len(stream))
	copy(out, stream)

	return out, nil
}

// LastActivity reports the newest entry's timestamp.
func (b *MemoryBus) LastActivity(_ context.Context, runID uuid.UUID) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streams[runID]
	if len(stream) == 0 {
		return time.Time{}, nil
	}

	return time.UnixMilli(stream[len(stream)-1].Timestamp), nil
}

func (b *MemoryBus) removeListener(runID uuid.UUID, ch chan models.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	listeners := b.listeners[runID]
	for i, c := range listeners {
		if c == ch {
			b.listeners[runID] = append(listeners[:i], listeners[i+1:]...)
			break
		}
	}
}
