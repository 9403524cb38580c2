package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Source types supported by the pipeline.
const (
	SourceTypeWebsite      = "website"
	SourceTypeInstagram    = "instagram"
	SourceTypePosterImport = "poster-import"
)

// ErrDuplicateSource marks a violation of the per-type uniqueness rules: at
// most one active website source per module key, and an instagram username
// belongs to at most one source.
var ErrDuplicateSource = errors.New("duplicate source")

// Source is a logical origin of events: a website, an Instagram account or a
// poster-upload channel. ModuleKey selects the scraper module that knows how
// to extract events from it.
type Source struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	BaseURL           string    `json:"base_url"`
	ModuleKey         string    `json:"module_key"`
	Active            bool      `json:"active"`
	DefaultTimezone   string    `json:"default_timezone"`
	RateLimitPerMin   int       `json:"rate_limit_per_min"`
	SourceType        string    `json:"source_type"`
	InstagramUsername string    `json:"instagram_username,omitempty"`
	RefreshIntervalMin int      `json:"refresh_interval_min"`
	LastScrapedAt     *time.Time `json:"last_scraped_at,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SourceFilter narrows SourceRepository.Select.
type SourceFilter struct {
	Active     *bool
	SourceType string
	Limit      int
}

// SourceRepository defines the interface for source storage.
type SourceRepository interface {
	Get(ctx context.Context, id uuid.UUID) (Source, error)
	Select(ctx context.Context, filter SourceFilter) ([]Source, error)
	Create(ctx context.Context, src *Source) error
	Update(ctx context.Context, src *Source) error
	// Deactivate marks a source inactive and records why in its notes.
	Deactivate(ctx context.Context, id uuid.UUID, note string) error
	// MarkScraped records the time a source was last scraped, used by the
	// dispatcher to decide which sources are due for refresh.
	MarkScraped(ctx context.Context, id uuid.UUID, at time.Time) error
}
