package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/eventscope/eventscope/models"
)

type runRepository struct {
	db *sql.DB
}

// NewRunRepository creates a PostgreSQL implementation of models.RunRepository.
func NewRunRepository(db *sql.DB) models.RunRepository {
	return &runRepository{db: db}
}

const runColumns = `id, source_id, status, started_at, finished_at,
	events_found, pages_crawled, errors, metadata`

func (repo *runRepository) Get(ctx context.Context, id uuid.UUID) (models.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(repo.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return models.Run{}, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	return run, nil
}

func (repo *runRepository) Create(ctx context.Context, sourceID uuid.UUID) (models.Run, error) {
	const q = `INSERT INTO runs (id, source_id, status)
		VALUES ($1, $2, $3)
		RETURNING started_at`

	run := models.Run{
		ID:       uuid.New(),
		SourceID: sourceID,
		Status:   models.RunStatusQueued,
	}

	if err := repo.db.QueryRowContext(ctx, q, run.ID, sourceID, run.Status).Scan(&run.StartedAt); err != nil {
		return models.Run{}, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

func (repo *runRepository) Update(ctx context.Context, id uuid.UUID, patch models.RunPatch) error {
	var (
		sets []string
		args []interface{}
	)

	set := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		set("status", *patch.Status)
	}

	if patch.FinishedAt != nil {
		set("finished_at", *patch.FinishedAt)
	}

	if patch.EventsFound != nil {
		set("events_found", *patch.EventsFound)
	}

	if patch.PagesCrawled != nil {
		set("pages_crawled", *patch.PagesCrawled)
	}

	if patch.Errors != nil {
		set("errors", []byte(patch.Errors))
	}

	if patch.Metadata != nil {
		set("metadata", []byte(patch.Metadata))
	}

	if len(sets) == 0 {
		return nil
	}

	q := "UPDATE runs SET " + sets[0]
	for _, s := range sets[1:] {
		q += ", " + s
	}

	args = append(args, id)
	q += fmt.Sprintf(" WHERE id = $%d", len(args))

	result, err := repo.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
	}

	return nil
}

func (repo *runRepository) Select(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs`

	var (
		args       []interface{}
		conditions []string
	)

	if filter.SourceID != nil {
		args = append(args, *filter.SourceID)
		conditions = append(conditions, fmt.Sprintf("source_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	for i, cond := range conditions {
		if i == 0 {
			q += " WHERE " + cond
		} else {
			q += " AND " + cond
		}
	}

	q += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return repo.selectRuns(ctx, q, args...)
}

func (repo *runRepository) Running(ctx context.Context) ([]models.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE status = $1 ORDER BY started_at`

	return repo.selectRuns(ctx, q, models.RunStatusRunning)
}

func (repo *runRepository) selectRuns(ctx context.Context, q string, args ...interface{}) ([]models.Run, error) {
	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select runs: %w", err)
	}

	defer rows.Close()

	var ans []models.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ans, nil
}

func scanRun(row rowScanner) (models.Run, error) {
	var (
		run        models.Run
		finishedAt sql.NullTime
		errorsJSON []byte
		metaJSON   []byte
	)

	err := row.Scan(
		&run.ID, &run.SourceID, &run.Status, &run.StartedAt, &finishedAt,
		&run.EventsFound, &run.PagesCrawled, &errorsJSON, &metaJSON,
	)
	if err != nil {
		return models.Run{}, err
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}

	run.Errors = errorsJSON
	run.Metadata = metaJSON

	return run, nil
}
