package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InstagramAccount is the per-username fetch bookkeeping: which source owns
// the account and how its last fetch went.
type InstagramAccount struct {
	Username      string     `json:"username"`
	SourceID      uuid.UUID  `json:"source_id"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	EventsFound   int        `json:"events_found"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// InstagramRepository persists account bookkeeping and browser sessions.
// Sessions are opaque cookie blobs; reusing them across fetches keeps the
// account looking like a returning visitor.
type InstagramRepository interface {
	UpsertAccount(ctx context.Context, acct InstagramAccount) error
	// Session returns the saved cookie blob for username, or nil when none
	// has been saved yet.
	Session(ctx context.Context, username string) ([]byte, error)
	SaveSession(ctx context.Context, username string, cookies []byte) error
}
