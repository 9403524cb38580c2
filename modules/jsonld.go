package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eventscope/eventscope/models"
)

// JSONLDModule extracts schema.org/Event structured data from a page. Most
// venue and municipal calendars embed it, which makes this the workhorse
// module for sources without a dedicated scraper.
type JSONLDModule struct{}

// Meta implements Module.
func (m *JSONLDModule) Meta() Metadata {
	return Metadata{
		Key:        "jsonld",
		Label:      "Generic JSON-LD event extractor",
		Pagination: PaginationNone,
	}
}

// Run navigates to the source's base URL and parses every ld+json script
// block for Event objects.
func (m *JSONLDModule) Run(ctx context.Context, rc *RunContext) ([]models.RawEvent, error) {
	url := rc.Source.BaseURL
	if url == "" {
		return nil, fmt.Errorf("source %s has no base url", rc.SourceID)
	}

	if err := rc.Goto(ctx, url); err != nil {
		return nil, err
	}

	blocks, err := rc.Page.Locator(`script[type="application/ld+json"]`).AllTextContents()
	if err != nil {
		return nil, fmt.Errorf("collect ld+json blocks: %w", err)
	}

	rc.Logger.Debugf("found %d ld+json blocks on %s", len(blocks), url)

	var events []models.RawEvent

	for _, block := range blocks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		for _, node := range flattenLD(block) {
			ev, ok := eventFromLD(node, url)
			if !ok {
				continue
			}

			events = append(events, ev)

			if rc.JobData.TestMode && len(events) >= 5 {
				rc.Logger.Infof("test mode, stopping after %d events", len(events))
				return events, nil
			}
		}
	}

	rc.Logger.Infof("extracted %d events from %s", len(events), url)

	return events, nil
}

// flattenLD parses an ld+json block into its object nodes, unwrapping
// top-level arrays and @graph containers.
func flattenLD(block string) []map[string]interface{} {
	block = strings.TrimSpace(block)
	if block == "" {
		return nil
	}

	var out []map[string]interface{}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(block), &obj); err == nil {
		if graph, ok := obj["@graph"].([]interface{}); ok {
			for _, item := range graph {
				if node, ok := item.(map[string]interface{}); ok {
					out = append(out, node)
				}
			}

			return out
		}

		return []map[string]interface{}{obj}
	}

	var arr []map[string]interface{}
	if err := json.Unmarshal([]byte(block), &arr); err == nil {
		return arr
	}

	return nil
}

// eventFromLD maps one JSON-LD node onto a RawEvent. Returns false when the
// node is not an Event or lacks the minimum fields.
func eventFromLD(node map[string]interface{}, pageURL string) (models.RawEvent, bool) {
	if !isEventType(node["@type"]) {
		return models.RawEvent{}, false
	}

	title := stringField(node, "name")
	start := stringField(node, "startDate")

	if title == "" || start == "" {
		return models.RawEvent{}, false
	}

	ev := models.RawEvent{
		Title:           title,
		Start:           start,
		End:             stringField(node, "endDate"),
		DescriptionHTML: stringField(node, "description"),
		URL:             stringField(node, "url"),
		ImageURL:        imageField(node),
	}

	if ev.URL == "" {
		ev.URL = pageURL
	}

	if loc, ok := node["location"].(map[string]interface{}); ok {
		ev.VenueName = stringField(loc, "name")

		if addr, ok := loc["address"].(map[string]interface{}); ok {
			ev.VenueAddress = stringField(addr, "streetAddress")
			ev.City = stringField(addr, "addressLocality")
			ev.Region = stringField(addr, "addressRegion")
			ev.Country = stringField(addr, "addressCountry")
		} else if addr := stringField(loc, "address"); addr != "" {
			ev.VenueAddress = addr
		}

		if geo, ok := loc["geo"].(map[string]interface{}); ok {
			if lat, ok := floatField(geo, "latitude"); ok {
				if lon, ok := floatField(geo, "longitude"); ok {
					ev.Lat, ev.Lon = &lat, &lon
				}
			}
		}
	}

	if org, ok := node["organizer"].(map[string]interface{}); ok {
		ev.Organizer = stringField(org, "name")
	}

	if offers, ok := node["offers"].(map[string]interface{}); ok {
		ev.Price = stringField(offers, "price")
	}

	if raw, err := json.Marshal(node); err == nil {
		ev.Raw = raw
	}

	return ev, true
}

func isEventType(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, "Event")
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.Contains(s, "Event") {
				return true
			}
		}
	}

	return false
}

func stringField(node map[string]interface{}, key string) string {
	s, _ := node[key].(string)

	return strings.TrimSpace(s)
}

func floatField(node map[string]interface{}, key string) (float64, bool) {
	switch v := node[key].(type) {
	case float64:
		return v, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f, true
		}
	}

	return 0, false
}

func imageField(node map[string]interface{}) string {
	switch v := node["image"].(type) {
	case string:
		return v
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}

	return ""
}
