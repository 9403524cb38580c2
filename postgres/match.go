package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/eventscope/eventscope/models"
)

type matchRepository struct {
	db *sql.DB
}

// NewMatchRepository creates a PostgreSQL implementation of models.MatchRepository.
func NewMatchRepository(db *sql.DB) models.MatchRepository {
	return &matchRepository{db: db}
}

// ReplaceOpen swaps the whole open set in one transaction. Pairs a human
// already confirmed or rejected are never re-proposed.
func (repo *matchRepository) ReplaceOpen(ctx context.Context, matches []models.Match) error {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE status = $1`, models.MatchStatusOpen); err != nil {
		return fmt.Errorf("failed to clear open matches: %w", err)
	}

	const q = `INSERT INTO matches (id, raw_id_a, raw_id_b, score, reason, status, created_by)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM matches WHERE raw_id_a = $2 AND raw_id_b = $3
		)`

	for i := range matches {
		m := &matches[i]

		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}

		reasonJSON, err := json.Marshal(m.Reason)
		if err != nil {
			return fmt.Errorf("failed to encode match reason: %w", err)
		}

		a, b := models.SortPair(m.RawIDA, m.RawIDB)

		_, err = tx.ExecContext(ctx, q, m.ID, a, b, m.Score, reasonJSON, m.Status, m.CreatedBy)
		if err != nil {
			return fmt.Errorf("failed to insert match: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit matches: %w", err)
	}

	return nil
}

func (repo *matchRepository) Select(ctx context.Context, status string, limit int) ([]models.Match, error) {
	q := `SELECT id, raw_id_a, raw_id_b, score, reason, status, created_by, created_at
		FROM matches`

	var args []interface{}

	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" WHERE status = $%d", len(args))
	}

	q += " ORDER BY score DESC, created_at DESC"

	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select matches: %w", err)
	}

	defer rows.Close()

	var ans []models.Match

	for rows.Next() {
		var (
			m          models.Match
			reasonJSON []byte
		)

		err := rows.Scan(&m.ID, &m.RawIDA, &m.RawIDB, &m.Score, &reasonJSON,
			&m.Status, &m.CreatedBy, &m.CreatedAt)
		if err != nil {
			return nil, err
		}

		if len(reasonJSON) > 0 {
			if err := json.Unmarshal(reasonJSON, &m.Reason); err != nil {
				return nil, fmt.Errorf("failed to decode match reason: %w", err)
			}
		}

		ans = append(ans, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ans, nil
}

func (repo *matchRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status, actor string) error {
	const q = `UPDATE matches SET status = $2, decided_by = $3, decided_at = NOW() WHERE id = $1`

	result, err := repo.db.ExecContext(ctx, q, id, status, actor)
	if err != nil {
		return fmt.Errorf("failed to update match status: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("match %s: %w", id, sql.ErrNoRows)
	}

	return nil
}
