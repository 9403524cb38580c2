package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RawEvent is what a scraper module emits, before normalization. Start and
// End are strings because modules hand over whatever the page gave them: ISO
// with offset, ISO without, or loose "YYYY-MM-DD HH:MM".
type RawEvent struct {
	SourceEventID   string          `json:"source_event_id,omitempty"`
	Title           string          `json:"title"`
	DescriptionHTML string          `json:"description_html,omitempty"`
	Start           string          `json:"start"`
	End             string          `json:"end,omitempty"`
	Timezone        string          `json:"timezone,omitempty"`
	VenueName       string          `json:"venue_name,omitempty"`
	VenueAddress    string          `json:"venue_address,omitempty"`
	City            string          `json:"city,omitempty"`
	Region          string          `json:"region,omitempty"`
	Country         string          `json:"country,omitempty"`
	Lat             *float64        `json:"lat,omitempty"`
	Lon             *float64        `json:"lon,omitempty"`
	Organizer       string          `json:"organizer,omitempty"`
	Category        string          `json:"category,omitempty"`
	Price           string          `json:"price,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	URL             string          `json:"url"`
	ImageURL        string          `json:"image_url,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// EventRaw is a persisted, normalized event tied to a specific run.
// StartDatetime is always a UTC instant; Timezone records the local zone the
// event happens in.
type EventRaw struct {
	ID              uuid.UUID       `json:"id"`
	SourceID        uuid.UUID       `json:"source_id"`
	RunID           uuid.UUID       `json:"run_id"`
	SourceEventID   string          `json:"source_event_id,omitempty"`
	Title           string          `json:"title"`
	DescriptionHTML string          `json:"description_html,omitempty"`
	StartDatetime   time.Time       `json:"start_datetime"`
	EndDatetime     *time.Time      `json:"end_datetime,omitempty"`
	Timezone        string          `json:"timezone"`
	VenueName       string          `json:"venue_name,omitempty"`
	VenueAddress    string          `json:"venue_address,omitempty"`
	City            string          `json:"city,omitempty"`
	Region          string          `json:"region,omitempty"`
	Country         string          `json:"country,omitempty"`
	Lat             *float64        `json:"lat,omitempty"`
	Lon             *float64        `json:"lon,omitempty"`
	Organizer       string          `json:"organizer,omitempty"`
	Category        string          `json:"category,omitempty"`
	Price           string          `json:"price,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	URL             string          `json:"url"`
	ImageURL        string          `json:"image_url,omitempty"`
	ScrapedAt       time.Time       `json:"scraped_at"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	ContentHash     string          `json:"content_hash"`
}

// EventCanonical is the merged read model combining raw events a human (or
// an automated merge) deemed the same real-world event. Only its read side is
// used by the core.
type EventCanonical struct {
	EventRaw
	MergedFromRawIDs []uuid.UUID `json:"merged_from_raw_ids"`
}

// EventFilter selects events for matching: a source-id set plus a half-open
// time window [From, To).
type EventFilter struct {
	SourceIDs []uuid.UUID
	From      *time.Time
	To        *time.Time
}

// EventIterator streams events one row at a time. The working set for a
// match window may be tens of thousands of rows, so repositories must not
// materialize it.
type EventIterator interface {
	Next(ctx context.Context) (EventRaw, bool, error)
	Close() error
}

// EventRepository defines the interface for raw event storage.
type EventRepository interface {
	// Upsert inserts ev or, when the idempotency key already exists,
	// returns the existing row's id with inserted=false. The key is
	// (source_id, source_event_id) when SourceEventID is set, otherwise
	// (source_id, content_hash).
	Upsert(ctx context.Context, ev *EventRaw) (id uuid.UUID, inserted bool, err error)
	Get(ctx context.Context, id uuid.UUID) (EventRaw, error)
	ListForMatching(ctx context.Context, filter EventFilter) (EventIterator, error)
	CountForRun(ctx context.Context, runID uuid.UUID) (int, error)
}
