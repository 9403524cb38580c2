package modules

import (
	"context"

	"github.com/eventscope/eventscope/models"
)

// FakeFixedModule emits a fixed pair of events without touching a browser.
// It backs smoke tests of the whole pipeline: enqueue a scrape for a source
// with this module key and verify two rows land.
type FakeFixedModule struct{}

// Meta implements Module.
func (m *FakeFixedModule) Meta() Metadata {
	return Metadata{
		Key:         "fake_fixed",
		Label:       "Fixture module (two fixed events)",
		Pagination:  PaginationNone,
		Browserless: true,
	}
}

// Run implements Module.
func (m *FakeFixedModule) Run(_ context.Context, rc *RunContext) ([]models.RawEvent, error) {
	rc.Logger.Infof("emitting fixture events")

	return []models.RawEvent{
		{
			Title: "Summer Fair",
			Start: "2025-07-01T18:00",
			URL:   "https://a.example/1",
		},
		{
			Title: "Night Market",
			Start: "2025-07-02T19:00",
			URL:   "https://a.example/2",
		},
	}, nil
}
