package logbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/models"
)

// RunLogger is the logger handed to scraper modules. Every line is mirrored
// to the process log and appended to the run's stream so operators can tail
// it live. Appends are best-effort: a bus outage must not fail a scrape.
type RunLogger struct {
	bus    Bus
	zl     *zap.SugaredLogger
	runID  uuid.UUID
	source string
}

// NewRunLogger builds a logger for one run. source names the component
// writing, e.g. the module key or "runtime".
func NewRunLogger(bus Bus, zl *zap.Logger, runID uuid.UUID, source string) *RunLogger {
	return &RunLogger{
		bus:    bus,
		zl:     zl.Named(source).With(zap.String("run_id", runID.String())).Sugar(),
		runID:  runID,
		source: source,
	}
}

// Named returns a copy writing under a different source name; used to give
// each module its own label while sharing the run stream.
func (l *RunLogger) Named(source string) *RunLogger {
	clone := *l
	clone.source = source
	clone.zl = l.zl.Named(source)

	return &clone
}

func (l *RunLogger) Debugf(format string, args ...interface{}) {
	l.zl.Debugf(format, args...)
	l.append(models.LogLevelDebug, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Infof(format string, args ...interface{}) {
	l.zl.Infof(format, args...)
	l.append(models.LogLevelInfo, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Warnf(format string, args ...interface{}) {
	l.zl.Warnf(format, args...)
	l.append(models.LogLevelWarn, fmt.Sprintf(format, args...))
}

func (l *RunLogger) Errorf(format string, args ...interface{}) {
	l.zl.Errorf(format, args...)
	l.append(models.LogLevelError, fmt.Sprintf(format, args...))
}

func (l *RunLogger) append(level int, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := l.bus.Append(ctx, models.LogEntry{
		RunID:     l.runID,
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Source:    l.source,
		Msg:       msg,
	}); err != nil {
		l.zl.Warnw("log bus append failed", "error", err)
	}
}
