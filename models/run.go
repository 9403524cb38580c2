package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run statuses. A run is terminal once it leaves queued/running and is never
// mutated afterwards.
const (
	RunStatusQueued  = "queued"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusError   = "error"
)

// RunTerminal reports whether status is one of the terminal run states.
func RunTerminal(status string) bool {
	switch status {
	case RunStatusSuccess, RunStatusPartial, RunStatusError:
		return true
	}

	return false
}

// Run is a single execution of a scraper module against one source.
type Run struct {
	ID           uuid.UUID       `json:"id"`
	SourceID     uuid.UUID       `json:"source_id"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	EventsFound  int             `json:"events_found"`
	PagesCrawled int             `json:"pages_crawled"`
	Errors       json.RawMessage `json:"errors,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// RunPatch carries the mutable fields of a run. Nil members are left
// untouched by UpdateRun.
type RunPatch struct {
	Status       *string
	FinishedAt   *time.Time
	EventsFound  *int
	PagesCrawled *int
	Errors       json.RawMessage
	Metadata     json.RawMessage
}

// RunError is the structured payload stored in Run.Errors.
type RunError struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Run failure reasons recorded in Run.Errors.
const (
	RunErrSourceInactive   = "source_inactive"
	RunErrModuleNotFound   = "module_not_found"
	RunErrModuleFailure    = "module_failure"
	RunErrCancelled        = "cancelled"
	RunErrHeartbeatTimeout = "heartbeat_timeout"
)

// RunFilter narrows RunRepository.Select.
type RunFilter struct {
	SourceID *uuid.UUID
	Status   string
	Limit    int
	Offset   int
}

// RunRepository defines the interface for run storage.
type RunRepository interface {
	Get(ctx context.Context, id uuid.UUID) (Run, error)
	Create(ctx context.Context, sourceID uuid.UUID) (Run, error)
	Update(ctx context.Context, id uuid.UUID, patch RunPatch) error
	Select(ctx context.Context, filter RunFilter) ([]Run, error)
	// Running returns all runs currently in the running state; used by the
	// dispatcher's heartbeat reconciliation.
	Running(ctx context.Context) ([]Run, error)
}
