package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/eventscope/eventscope/models"
)

type eventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a PostgreSQL implementation of models.EventRepository.
func NewEventRepository(db *sql.DB) models.EventRepository {
	return &eventRepository{db: db}
}

const eventColumns = `id, source_id, run_id, COALESCE(source_event_id, ''), title,
	description_html, start_datetime, end_datetime, timezone, venue_name,
	venue_address, city, region, country, lat, lon, organizer, category, price,
	tags, url, image_url, scraped_at, raw, content_hash`

// Upsert inserts ev, or returns the existing row's id when its idempotency
// key is already present. The key is (source_id, source_event_id) when the
// module supplied a stable per-source id, (source_id, content_hash)
// otherwise; the two paths target different partial unique indexes, so they
// are separate statements. The existing row wins: re-scrapes never rewrite
// history.
func (repo *eventRepository) Upsert(ctx context.Context, ev *models.EventRaw) (uuid.UUID, bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to encode tags: %w", err)
	}

	q := `INSERT INTO events_raw
		(id, source_id, run_id, source_event_id, title, description_html,
		 start_datetime, end_datetime, timezone, venue_name, venue_address,
		 city, region, country, lat, lon, organizer, category, price, tags,
		 url, image_url, raw, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	const lookupByEventID = `SELECT id FROM events_raw WHERE source_id = $1 AND source_event_id = $2`

	const lookupByHash = `SELECT id FROM events_raw
		WHERE source_id = $1 AND content_hash = $2 AND source_event_id IS NULL`

	var (
		lookup     string
		lookupArgs []interface{}
	)

	if ev.SourceEventID != "" {
		q += ` ON CONFLICT (source_id, source_event_id) WHERE source_event_id IS NOT NULL DO NOTHING`
		lookup = lookupByEventID
		lookupArgs = []interface{}{ev.SourceID, ev.SourceEventID}
	} else {
		q += ` ON CONFLICT (source_id, content_hash) WHERE source_event_id IS NULL DO NOTHING`
		lookup = lookupByHash
		lookupArgs = []interface{}{ev.SourceID, ev.ContentHash}
	}

	q += ` RETURNING id`

	var sourceEventID sql.NullString
	if ev.SourceEventID != "" {
		sourceEventID = sql.NullString{String: ev.SourceEventID, Valid: true}
	}

	var id uuid.UUID

	err = repo.db.QueryRowContext(ctx, q,
		ev.ID, ev.SourceID, ev.RunID, sourceEventID, ev.Title, ev.DescriptionHTML,
		ev.StartDatetime, ev.EndDatetime, ev.Timezone, ev.VenueName, ev.VenueAddress,
		ev.City, ev.Region, ev.Country, ev.Lat, ev.Lon, ev.Organizer, ev.Category,
		ev.Price, tagsJSON, ev.URL, ev.ImageURL, []byte(ev.Raw), ev.ContentHash,
	).Scan(&id)

	if err == nil {
		ev.ID = id

		return id, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("failed to upsert event: %w", err)
	}

	// DO NOTHING fired: fetch the row the key collided with.
	if err := repo.db.QueryRowContext(ctx, lookup, lookupArgs...).Scan(&id); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to resolve existing event: %w", err)
	}

	ev.ID = id

	return id, false, nil
}

func (repo *eventRepository) Get(ctx context.Context, id uuid.UUID) (models.EventRaw, error) {
	q := `SELECT ` + eventColumns + ` FROM events_raw WHERE id = $1`

	ev, err := scanEvent(repo.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return models.EventRaw{}, fmt.Errorf("failed to get event %s: %w", id, err)
	}

	return ev, nil
}

// ListForMatching streams events in the filter window ordered by start time.
// The caller owns the iterator and must Close it.
func (repo *eventRepository) ListForMatching(ctx context.Context, filter models.EventFilter) (models.EventIterator, error) {
	q := `SELECT ` + eventColumns + ` FROM events_raw`

	var (
		args       []interface{}
		conditions []string
	)

	if len(filter.SourceIDs) > 0 {
		placeholders := ""

		for i, id := range filter.SourceIDs {
			args = append(args, id)

			if i > 0 {
				placeholders += ", "
			}

			placeholders += fmt.Sprintf("$%d", len(args))
		}

		conditions = append(conditions, "source_id IN ("+placeholders+")")
	}

	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("start_datetime >= $%d", len(args)))
	}

	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("start_datetime < $%d", len(args)))
	}

	for i, cond := range conditions {
		if i == 0 {
			q += " WHERE " + cond
		} else {
			q += " AND " + cond
		}
	}

	q += " ORDER BY start_datetime, id"

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return &eventIterator{rows: rows}, nil
}

func (repo *eventRepository) CountForRun(ctx context.Context, runID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM events_raw WHERE run_id = $1`

	var n int
	if err := repo.db.QueryRowContext(ctx, q, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events for run %s: %w", runID, err)
	}

	return n, nil
}

type eventIterator struct {
	rows *sql.Rows
}

func (it *eventIterator) Next(ctx context.Context) (models.EventRaw, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.EventRaw{}, false, err
	}

	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return models.EventRaw{}, false, err
		}

		return models.EventRaw{}, false, nil
	}

	ev, err := scanEvent(it.rows)
	if err != nil {
		return models.EventRaw{}, false, err
	}

	return ev, true, nil
}

func (it *eventIterator) Close() error {
	return it.rows.Close()
}

func scanEvent(row rowScanner) (models.EventRaw, error) {
	var (
		ev       models.EventRaw
		endTime  sql.NullTime
		lat, lon sql.NullFloat64
		tagsJSON []byte
		rawJSON  []byte
	)

	err := row.Scan(
		&ev.ID, &ev.SourceID, &ev.RunID, &ev.SourceEventID, &ev.Title,
		&ev.DescriptionHTML, &ev.StartDatetime, &endTime, &ev.Timezone,
		&ev.VenueName, &ev.VenueAddress, &ev.City, &ev.Region, &ev.Country,
		&lat, &lon, &ev.Organizer, &ev.Category, &ev.Price, &tagsJSON,
		&ev.URL, &ev.ImageURL, &ev.ScrapedAt, &rawJSON, &ev.ContentHash,
	)
	if err != nil {
		return models.EventRaw{}, err
	}

	if endTime.Valid {
		t := endTime.Time
		ev.EndDatetime = &t
	}

	if lat.Valid {
		v := lat.Float64
		ev.Lat = &v
	}

	if lon.Valid {
		v := lon.Float64
		ev.Lon = &v
	}

	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &ev.Tags); err != nil {
			return models.EventRaw{}, fmt.Errorf("failed to decode tags: %w", err)
		}
	}

	ev.Raw = rawJSON

	return ev, nil
}
