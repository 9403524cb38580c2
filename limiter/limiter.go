// Package limiter provides per-source request throttling. Every source gets
// its own token bucket sized from its configured requests-per-minute budget;
// a random jitter smooths bursts so scrapes do not hammer a host in lockstep.
package limiter

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Limiter throttles outbound requests for one source.
type Limiter struct {
	bucket   *rate.Limiter
	interval time.Duration
}

// New creates a limiter allowing perMin requests per minute.
func New(perMin int) *Limiter {
	if perMin <= 0 {
		perMin = 1
	}

	interval := time.Minute / time.Duration(perMin)

	return &Limiter{
		bucket:   rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Acquire blocks until a token is available or ctx is cancelled. When the
// token was available immediately (a burst), Acquire sleeps an extra random
// delay of up to half the token interval.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}

	if time.Since(start) >= l.interval/2 {
		return nil
	}

	jitter := time.Duration(rand.Int63n(int64(l.interval/2) + 1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// Interval returns the token interval; exposed for modules that want an
// additional politeness delay between page fetches.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Registry hands out one limiter per source. Limiters are created lazily and
// rebuilt when a source's rate budget changes.
type Registry struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*entry
}

type entry struct {
	limiter *Limiter
	perMin  int
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[uuid.UUID]*entry)}
}

// Get returns the limiter for sourceID, creating or resizing it so it
// reflects perMin.
func (r *Registry) Get(sourceID uuid.UUID, perMin int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.limiters[sourceID]; ok && e.perMin == perMin {
		return e.limiter
	}

	l := New(perMin)
	r.limiters[sourceID] = &entry{limiter: l, perMin: perMin}

	return l
}
