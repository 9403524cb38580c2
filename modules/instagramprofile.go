package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
)

const defaultPostLimit = 12

// InstagramProfileModule fetches an account's profile page and extracts
// whatever structured event data the posts expose. Instagram markup shifts
// often; the module leans on ld+json blocks and leaves caption-level parsing
// to the vision extractor pipeline.
type InstagramProfileModule struct{}

// Meta implements Module.
func (m *InstagramProfileModule) Meta() Metadata {
	return Metadata{
		Key:             "instagram_profile",
		Label:           "Instagram profile fetcher",
		Pagination:      PaginationInfinite,
		IntegrationTags: []string{"instagram"},
	}
}

// Run loads the profile, walks up to PostLimit post links and collects
// Event structured data from each.
func (m *InstagramProfileModule) Run(ctx context.Context, rc *RunContext) ([]models.RawEvent, error) {
	username := rc.Source.InstagramUsername
	if username == "" {
		return nil, fmt.Errorf("source %s has no instagram username", rc.SourceID)
	}

	m.restoreSession(ctx, rc, username)

	profileURL := "https://www.instagram.com/" + username + "/"
	if err := rc.Goto(ctx, profileURL); err != nil {
		return nil, err
	}

	limit := rc.JobData.PostLimit
	if limit <= 0 {
		limit = defaultPostLimit
	}

	hrefs, err := rc.Page.Locator(`a[href^="/p/"]`).EvaluateAll(
		`els => els.map(e => e.getAttribute("href"))`, nil)
	if err != nil {
		return nil, fmt.Errorf("collect post links: %w", err)
	}

	links := dedupeLinks(hrefs, limit)
	rc.Logger.Infof("profile %s: visiting %d posts", username, len(links))

	var events []models.RawEvent

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		postURL := "https://www.instagram.com" + link

		if err := rc.Goto(ctx, postURL); err != nil {
			rc.Logger.Warnf("post fetch failed: %v", err)
			continue
		}

		blocks, err := rc.Page.Locator(`script[type="application/ld+json"]`).AllTextContents()
		if err != nil {
			rc.Logger.Warnf("post %s: %v", link, err)
			continue
		}

		for _, block := range blocks {
			for _, node := range flattenLD(block) {
				if ev, ok := eventFromLD(node, postURL); ok {
					ev.SourceEventID = link
					events = append(events, ev)
				}
			}
		}
	}

	rc.Logger.Infof("profile %s: %d events", username, len(events))

	m.saveSession(ctx, rc, username)

	return events, nil
}

// cookieJar is the slice of playwright.BrowserContext the session helpers
// touch.
type cookieJar interface {
	ClearCookies(options ...playwright.BrowserContextClearCookiesOptions) error
	AddCookies(cookies []playwright.OptionalCookie) error
	Cookies(urls ...string) ([]playwright.Cookie, error)
}

func (m *InstagramProfileModule) restoreSession(ctx context.Context, rc *RunContext, username string) {
	if rc.Page == nil {
		return
	}

	restoreSession(ctx, rc.Page.Context(), rc.Sessions, rc.Logger, username)
}

func (m *InstagramProfileModule) saveSession(ctx context.Context, rc *RunContext, username string) {
	if rc.Sessions == nil || rc.Page == nil {
		return
	}

	saveSession(ctx, rc.Page.Context(), rc.Sessions, rc.Logger, username)
}

// restoreSession prepares the jar for username. The browser pool shares
// contexts across runs, so the jar is cleared unconditionally first: a fetch
// must never inherit another account's cookies, and a fetch with no saved
// session must start cold. Best-effort beyond that; a stale or unreadable
// session just means a cold visit.
func restoreSession(ctx context.Context, jar cookieJar, store SessionStore, logger *logbus.RunLogger, username string) {
	if err := jar.ClearCookies(); err != nil {
		logger.Warnf("cookie reset failed: %v", err)

		return
	}

	if store == nil {
		return
	}

	blob, err := store.Session(ctx, username)
	if err != nil || len(blob) == 0 {
		return
	}

	var cookies []playwright.OptionalCookie
	if err := json.Unmarshal(blob, &cookies); err != nil {
		logger.Warnf("saved session for %s is unreadable: %v", username, err)

		return
	}

	if err := jar.AddCookies(cookies); err != nil {
		logger.Warnf("session restore for %s failed: %v", username, err)

		return
	}

	logger.Debugf("restored session for %s (%d cookies)", username, len(cookies))
}

func saveSession(ctx context.Context, jar cookieJar, store SessionStore, logger *logbus.RunLogger, username string) {
	cookies, err := jar.Cookies()
	if err != nil || len(cookies) == 0 {
		return
	}

	blob, err := json.Marshal(cookies)
	if err != nil {
		return
	}

	if err := store.SaveSession(ctx, username, blob); err != nil {
		logger.Warnf("session save for %s failed: %v", username, err)
	}
}

func dedupeLinks(hrefs interface{}, limit int) []string {
	items, ok := hrefs.([]interface{})
	if !ok {
		return nil
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, limit)

	for _, item := range items {
		href, ok := item.(string)
		if !ok || href == "" {
			continue
		}

		if _, dup := seen[href]; dup {
			continue
		}

		seen[href] = struct{}{}
		out = append(out, href)

		if len(out) >= limit {
			break
		}
	}

	return out
}
