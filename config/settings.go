package config

import (
	"context"
	"sync"
	"time"

	"github.com/eventscope/eventscope/models"
)

const settingsTTL = time.Minute

// SettingsCache fronts the settings singleton with a short-lived cache.
// Settings are read-mostly; writers go through UpdateSettings which
// invalidates the cache so the next read sees the fresh row.
type SettingsCache struct {
	repo models.SettingsRepository

	mu        sync.RWMutex
	cached    models.Settings
	expiresAt time.Time
}

// NewSettingsCache wraps repo with caching.
func NewSettingsCache(repo models.SettingsRepository) *SettingsCache {
	return &SettingsCache{repo: repo}
}

// Settings returns the cached settings, refreshing from storage when stale.
func (c *SettingsCache) Settings(ctx context.Context) (models.Settings, error) {
	c.mu.RLock()
	if time.Now().Before(c.expiresAt) {
		s := c.cached
		c.mu.RUnlock()

		return s, nil
	}
	c.mu.RUnlock()

	s, err := c.repo.Settings(ctx)
	if err != nil {
		return models.Settings{}, err
	}

	c.mu.Lock()
	c.cached = s
	c.expiresAt = time.Now().Add(settingsTTL)
	c.mu.Unlock()

	return s, nil
}

// UpdateSettings writes through to storage and invalidates the cache.
func (c *SettingsCache) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	s, err := c.repo.UpdateSettings(ctx, patch)
	if err != nil {
		return models.Settings{}, err
	}

	c.mu.Lock()
	c.cached = s
	c.expiresAt = time.Now().Add(settingsTTL)
	c.mu.Unlock()

	return s, nil
}

// Invalidate drops the cached row; the next read hits storage.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
