package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eventscope/eventscope/models"
)

const (
	streamKeyPrefix = "run:logs:"
	streamTTL       = 24 * time.Hour
	tailBlock       = 2 * time.Second
)

// RedisBus stores run logs in Redis Streams, one stream per run, trimmed to
// DefaultRetention entries. Stream ids double as the entry sequence.
type RedisBus struct {
	rdb       *redis.Client
	retention int64
}

// NewRedisBus creates a bus on the given Redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb, retention: DefaultRetention}
}

func streamKey(runID uuid.UUID) string {
	return streamKeyPrefix + runID.String()
}

// Append writes the entry with XADD, trimming the stream approximately to
// the retention bound and refreshing the key TTL.
func (b *RedisBus) Append(ctx context.Context, e models.LogEntry) (string, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	values := map[string]interface{}{
		"level":  e.Level,
		"source": e.Source,
		"msg":    e.Msg,
		"ts":     e.Timestamp,
	}

	if len(e.Fields) > 0 {
		fields, err := json.Marshal(e.Fields)
		if err != nil {
			return "", fmt.Errorf("marshal log fields: %w", err)
		}

		values["fields"] = string(fields)
	}

	key := streamKey(e.RunID)

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.retention,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}

	b.rdb.Expire(ctx, key, streamTTL)

	return id, nil
}

// Tail streams history after fromID, then blocks on XREAD for live entries
// until ctx is cancelled.
func (b *RedisBus) Tail(ctx context.Context, runID uuid.UUID, fromID string) (<-chan models.LogEntry, error) {
	if fromID == "" {
		fromID = "0"
	}

	out := make(chan models.LogEntry, 64)

	go func() {
		defer close(out)

		lastID := fromID

		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey(runID), lastID},
				Block:   tailBlock,
				Count:   128,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue // block timeout, poll again
				}

				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID

					select {
					case out <- decodeEntry(runID, msg):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// History reads the newest limit entries and returns them oldest first.
func (b *RedisBus) History(ctx context.Context, runID uuid.UUID, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > DefaultRetention {
		limit = DefaultRetention
	}

	msgs, err := b.rdb.XRevRangeN(ctx, streamKey(runID), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange: %w", err)
	}

	out := make([]models.LogEntry, len(msgs))
	for i, msg := range msgs {
		out[len(msgs)-1-i] = decodeEntry(runID, msg)
	}

	return out, nil
}

// LastActivity derives the newest entry's wall-clock time from its stream
// id, whose first component is milliseconds since epoch.
func (b *RedisBus) LastActivity(ctx context.Context, runID uuid.UUID) (time.Time, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, streamKey(runID), "+", "-", 1).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("xrevrange: %w", err)
	}

	if len(msgs) == 0 {
		return time.Time{}, nil
	}

	ms, _, ok := strings.Cut(msgs[0].ID, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed stream id %q", msgs[0].ID)
	}

	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream id %q", msgs[0].ID)
	}

	return time.UnixMilli(n), nil
}

func decodeEntry(runID uuid.UUID, msg redis.XMessage) models.LogEntry {
	e := models.LogEntry{
		ID:    msg.ID,
		RunID: runID,
		Level: models.LogLevelInfo,
	}

	if v, ok := msg.Values["level"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.Level = n
		}
	}

	if v, ok := msg.Values["source"].(string); ok {
		e.Source = v
	}

	if v, ok := msg.Values["msg"].(string); ok {
		e.Msg = v
	}

	if v, ok := msg.Values["ts"].(string); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.Timestamp = n
		}
	}

	if v, ok := msg.Values["fields"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &e.Fields)
	}

	return e
}
