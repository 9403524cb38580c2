package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eventscope/eventscope/models"
)

type instagramRepository struct {
	db *sql.DB
}

// NewInstagramRepository creates a PostgreSQL implementation of
// models.InstagramRepository.
func NewInstagramRepository(db *sql.DB) models.InstagramRepository {
	return &instagramRepository{db: db}
}

func (repo *instagramRepository) UpsertAccount(ctx context.Context, acct models.InstagramAccount) error {
	const q = `INSERT INTO instagram_accounts
		(username, source_id, last_fetched_at, events_found)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			last_fetched_at = EXCLUDED.last_fetched_at,
			events_found = EXCLUDED.events_found,
			updated_at = NOW()`

	_, err := repo.db.ExecContext(ctx, q,
		acct.Username, acct.SourceID, acct.LastFetchedAt, acct.EventsFound)
	if err != nil {
		return fmt.Errorf("failed to upsert instagram account %s: %w", acct.Username, err)
	}

	return nil
}

func (repo *instagramRepository) Session(ctx context.Context, username string) ([]byte, error) {
	const q = `SELECT cookies FROM instagram_sessions WHERE username = $1`

	var cookies []byte

	err := repo.db.QueryRowContext(ctx, q, username).Scan(&cookies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load instagram session for %s: %w", username, err)
	}

	return cookies, nil
}

func (repo *instagramRepository) SaveSession(ctx context.Context, username string, cookies []byte) error {
	const q = `INSERT INTO instagram_sessions (username, cookies, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (username) DO UPDATE SET
			cookies = EXCLUDED.cookies,
			updated_at = NOW()`

	if _, err := repo.db.ExecContext(ctx, q, username, cookies); err != nil {
		return fmt.Errorf("failed to save instagram session for %s: %w", username, err)
	}

	return nil
}
