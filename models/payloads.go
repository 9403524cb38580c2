package models

import (
	"time"

	"github.com/google/uuid"
)

// Queue names used by the broker.
const (
	QueueScrape    = "scrape"
	QueueMatch     = "match"
	QueueInstagram = "instagram"
)

// Task type identifiers carried on the queues.
const (
	TypeScrapeSource   = "scrape:source"
	TypeMatchEvents    = "match:events"
	TypeInstagramFetch = "instagram:fetch"
)

// UploadedFile carries poster-import content through the queue. Content is
// base64-encoded by encoding/json.
type UploadedFile struct {
	Path    string `json:"path"`
	Format  string `json:"format"`
	Content []byte `json:"content"`
}

// ScrapePayload is the body of a scrape job. The run row is created at
// enqueue time so its id can be handed back to the submitter immediately.
type ScrapePayload struct {
	SourceID     uuid.UUID     `json:"source_id"`
	RunID        uuid.UUID     `json:"run_id"`
	TestMode     bool          `json:"test_mode,omitempty"`
	StartDate    *time.Time    `json:"start_date,omitempty"`
	EndDate      *time.Time    `json:"end_date,omitempty"`
	UploadedFile *UploadedFile `json:"uploaded_file,omitempty"`
}

// MatchPayload is the body of a match job. Empty SourceIDs means all
// sources; nil dates mean an unbounded window on that side.
type MatchPayload struct {
	SourceIDs []uuid.UUID `json:"source_ids,omitempty"`
	StartDate *time.Time  `json:"start_date,omitempty"`
	EndDate   *time.Time  `json:"end_date,omitempty"`
}

// InstagramFetchPayload is the body of an Instagram fetch job.
type InstagramFetchPayload struct {
	SourceID  uuid.UUID `json:"source_id"`
	RunID     uuid.UUID `json:"run_id"`
	PostLimit int       `json:"post_limit,omitempty"`
}
