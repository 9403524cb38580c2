package models

import "github.com/google/uuid"

// Log levels on the wire, matching the numeric levels the admin UI expects.
const (
	LogLevelTrace = 10
	LogLevelDebug = 20
	LogLevelInfo  = 30
	LogLevelWarn  = 40
	LogLevelError = 50
	LogLevelFatal = 60
)

// LogEntry is one line of a run's log stream. ID is the bus-assigned
// sequence; entries within a run are totally ordered by it. Timestamp is
// milliseconds since epoch.
type LogEntry struct {
	ID        string            `json:"id"`
	RunID     uuid.UUID         `json:"runId"`
	Timestamp int64             `json:"timestamp"`
	Level     int               `json:"level"`
	Source    string            `json:"source"`
	Msg       string            `json:"msg"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// LevelName maps a numeric log level to its name.
func LevelName(level int) string {
	switch level {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelFatal:
		return "fatal"
	default:
		return "info"
	}
}
