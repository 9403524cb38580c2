package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eventscope/eventscope/models"
)

type settingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a PostgreSQL implementation of models.SettingsRepository.
// The settings table holds at most one row; defaults apply until it is first written.
func NewSettingsRepository(db *sql.DB) models.SettingsRepository {
	return &settingsRepository{db: db}
}

func (repo *settingsRepository) Settings(ctx context.Context) (models.Settings, error) {
	const q = `SELECT auto_match_enabled, match_window_days, match_review_threshold,
		extractor_api_key, extractor_prompt, updated_at
		FROM settings WHERE id`

	var s models.Settings

	err := repo.db.QueryRowContext(ctx, q).Scan(
		&s.AutoMatchEnabled, &s.MatchWindowDays, &s.MatchReviewThreshold,
		&s.ExtractorAPIKey, &s.ExtractorPrompt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultSettings(), nil
	}

	if err != nil {
		return models.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	return s, nil
}

func (repo *settingsRepository) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	current, err := repo.Settings(ctx)
	if err != nil {
		return models.Settings{}, err
	}

	if patch.AutoMatchEnabled != nil {
		current.AutoMatchEnabled = *patch.AutoMatchEnabled
	}

	if patch.MatchWindowDays != nil {
		current.MatchWindowDays = *patch.MatchWindowDays
	}

	if patch.MatchReviewThreshold != nil {
		current.MatchReviewThreshold = *patch.MatchReviewThreshold
	}

	if patch.ExtractorAPIKey != nil {
		current.ExtractorAPIKey = *patch.ExtractorAPIKey
	}

	if patch.ExtractorPrompt != nil {
		current.ExtractorPrompt = *patch.ExtractorPrompt
	}

	const q = `INSERT INTO settings
		(id, auto_match_enabled, match_window_days, match_review_threshold,
		 extractor_api_key, extractor_prompt, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			auto_match_enabled = EXCLUDED.auto_match_enabled,
			match_window_days = EXCLUDED.match_window_days,
			match_review_threshold = EXCLUDED.match_review_threshold,
			extractor_api_key = EXCLUDED.extractor_api_key,
			extractor_prompt = EXCLUDED.extractor_prompt,
			updated_at = NOW()
		RETURNING updated_at`

	err = repo.db.QueryRowContext(ctx, q,
		current.AutoMatchEnabled, current.MatchWindowDays, current.MatchReviewThreshold,
		current.ExtractorAPIKey, current.ExtractorPrompt,
	).Scan(&current.UpdatedAt)
	if err != nil {
		return models.Settings{}, fmt.Errorf("failed to update settings: %w", err)
	}

	return current, nil
}
