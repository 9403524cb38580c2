package models

import (
	"context"
	"time"
)

// Settings is the singleton record of feature flags, external-extractor
// credentials and tuning knobs.
type Settings struct {
	AutoMatchEnabled     bool      `json:"auto_match_enabled"`
	MatchWindowDays      int       `json:"match_window_days"`
	MatchReviewThreshold float64   `json:"match_review_threshold"`
	ExtractorAPIKey      string    `json:"extractor_api_key,omitempty"`
	ExtractorPrompt      string    `json:"extractor_prompt,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// DefaultSettings are applied when the settings row has never been written.
func DefaultSettings() Settings {
	return Settings{
		AutoMatchEnabled:     true,
		MatchWindowDays:      7,
		MatchReviewThreshold: 0.60,
	}
}

// SettingsPatch carries the mutable settings fields. Nil members are left
// untouched.
type SettingsPatch struct {
	AutoMatchEnabled     *bool    `json:"auto_match_enabled,omitempty"`
	MatchWindowDays      *int     `json:"match_window_days,omitempty"`
	MatchReviewThreshold *float64 `json:"match_review_threshold,omitempty"`
	ExtractorAPIKey      *string  `json:"extractor_api_key,omitempty"`
	ExtractorPrompt      *string  `json:"extractor_prompt,omitempty"`
}

// SettingsRepository defines the interface for the settings singleton.
type SettingsRepository interface {
	Settings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error)
}
