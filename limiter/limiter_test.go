package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRespectsCancellation(t *testing.T) {
	t.Parallel()

	l := New(1) // one token per minute

	require.NoError(t, l.Acquire(context.Background()), "first token is free")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.Error(t, err, "second token should not arrive within 50ms")
}

func TestAcquireJitterBounded(t *testing.T) {
	t.Parallel()

	l := New(600) // 100ms interval, 50ms max jitter

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))

	assert.LessOrEqual(t, time.Since(start), 80*time.Millisecond,
		"burst jitter stays within half the token interval")
}

func TestRegistryReusesAndResizes(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	id := uuid.New()

	a := r.Get(id, 30)
	b := r.Get(id, 30)
	assert.Same(t, a, b)

	c := r.Get(id, 60)
	assert.NotSame(t, a, c, "changed budget rebuilds the limiter")
	assert.Equal(t, time.Second, c.Interval())
}
