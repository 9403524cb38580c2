package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eventscope/eventscope/models"
)

type sourceRepository struct {
	db *sql.DB
}

// NewSourceRepository creates a PostgreSQL implementation of models.SourceRepository.
func NewSourceRepository(db *sql.DB) models.SourceRepository {
	return &sourceRepository{db: db}
}

const sourceColumns = `id, name, base_url, module_key, active, default_timezone,
	rate_limit_per_min, source_type, instagram_username, refresh_interval_min,
	last_scraped_at, notes, created_at, updated_at`

func (repo *sourceRepository) Get(ctx context.Context, id uuid.UUID) (models.Source, error) {
	q := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`

	src, err := scanSource(repo.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return models.Source{}, fmt.Errorf("failed to get source %s: %w", id, err)
	}

	return src, nil
}

func (repo *sourceRepository) Select(ctx context.Context, filter models.SourceFilter) ([]models.Source, error) {
	q := `SELECT ` + sourceColumns + ` FROM sources`

	var (
		args       []interface{}
		conditions []string
	)

	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)))
	}

	if filter.SourceType != "" {
		args = append(args, filter.SourceType)
		conditions = append(conditions, fmt.Sprintf("source_type = $%d", len(args)))
	}

	for i, cond := range conditions {
		if i == 0 {
			q += " WHERE " + cond
		} else {
			q += " AND " + cond
		}
	}

	q += " ORDER BY name"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select sources: %w", err)
	}

	defer rows.Close()

	var ans []models.Source

	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, src)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ans, nil
}

func (repo *sourceRepository) Create(ctx context.Context, src *models.Source) error {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}

	const q = `INSERT INTO sources
		(id, name, base_url, module_key, active, default_timezone, rate_limit_per_min,
		 source_type, instagram_username, refresh_interval_min, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`

	err := repo.db.QueryRowContext(ctx, q,
		src.ID, src.Name, src.BaseURL, src.ModuleKey, src.Active, src.DefaultTimezone,
		src.RateLimitPerMin, src.SourceType, src.InstagramUsername, src.RefreshIntervalMin,
		src.Notes,
	).Scan(&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("source %q: %w", src.Name, models.ErrDuplicateSource)
		}

		return fmt.Errorf("failed to create source: %w", err)
	}

	return nil
}

func (repo *sourceRepository) Update(ctx context.Context, src *models.Source) error {
	const q = `UPDATE sources SET
		name = $1, base_url = $2, module_key = $3, active = $4, default_timezone = $5,
		rate_limit_per_min = $6, source_type = $7, instagram_username = $8,
		refresh_interval_min = $9, notes = $10, updated_at = NOW()
		WHERE id = $11`

	result, err := repo.db.ExecContext(ctx, q,
		src.Name, src.BaseURL, src.ModuleKey, src.Active, src.DefaultTimezone,
		src.RateLimitPerMin, src.SourceType, src.InstagramUsername,
		src.RefreshIntervalMin, src.Notes, src.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("source %q: %w", src.Name, models.ErrDuplicateSource)
		}

		return fmt.Errorf("failed to update source: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", src.ID, sql.ErrNoRows)
	}

	return nil
}

func (repo *sourceRepository) Deactivate(ctx context.Context, id uuid.UUID, note string) error {
	const q = `UPDATE sources SET
		active = FALSE,
		notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
		updated_at = NOW()
		WHERE id = $1`

	result, err := repo.db.ExecContext(ctx, q, id, note)
	if err != nil {
		return fmt.Errorf("failed to deactivate source: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, sql.ErrNoRows)
	}

	return nil
}

func (repo *sourceRepository) MarkScraped(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE sources SET last_scraped_at = $2, updated_at = NOW() WHERE id = $1`

	_, err := repo.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark source scraped: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (models.Source, error) {
	var (
		src           models.Source
		lastScrapedAt sql.NullTime
	)

	err := row.Scan(
		&src.ID, &src.Name, &src.BaseURL, &src.ModuleKey, &src.Active,
		&src.DefaultTimezone, &src.RateLimitPerMin, &src.SourceType,
		&src.InstagramUsername, &src.RefreshIntervalMin, &lastScrapedAt,
		&src.Notes, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return models.Source{}, err
	}

	if lastScrapedAt.Valid {
		t := lastScrapedAt.Time
		src.LastScrapedAt = &t
	}

	return src, nil
}
