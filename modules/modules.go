// Package modules defines the scraper module contract and the registry the
// runtime resolves modules from. Modules are compiled into the binary and
// self-describe through Metadata; adding a source type means adding a module
// and registering it in Builtin.
package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/eventscope/eventscope/limiter"
	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
)

// Pagination styles a module may implement.
const (
	PaginationNone     = "none"
	PaginationNumbered = "numbered"
	PaginationInfinite = "infinite"
	PaginationCalendar = "calendar"
)

// Metadata describes a module to the registry and the admin UI.
type Metadata struct {
	Key             string   `json:"key"`
	Label           string   `json:"label"`
	StartURLs       []string `json:"start_urls,omitempty"`
	Pagination      string   `json:"pagination"`
	IntegrationTags []string `json:"integration_tags,omitempty"`
	// Browserless modules get a nil Page; the runtime skips the pool
	// checkout entirely.
	Browserless bool `json:"browserless,omitempty"`
}

// JobData carries the per-job knobs a module may honor.
type JobData struct {
	TestMode     bool
	StartDate    *time.Time
	EndDate      *time.Time
	UploadedFile *models.UploadedFile
	PostLimit    int
}

// Stats counts module-side work; the runtime copies the totals onto the run
// record when the module returns.
type Stats struct {
	pagesCrawled int64
}

// IncrPagesCrawled records one page navigation.
func (s *Stats) IncrPagesCrawled() {
	atomic.AddInt64(&s.pagesCrawled, 1)
}

// PagesCrawled returns the navigation count so far.
func (s *Stats) PagesCrawled() int {
	return int(atomic.LoadInt64(&s.pagesCrawled))
}

// SessionStore persists browser sessions (opaque cookie blobs) across runs,
// keyed by account username. Nil when the deployment keeps no sessions.
type SessionStore interface {
	Session(ctx context.Context, username string) ([]byte, error)
	SaveSession(ctx context.Context, username string, cookies []byte) error
}

// RunContext is the sandboxed environment a module runs in: one page, one
// logger, one rate limiter, all scoped to a single run.
type RunContext struct {
	// Page is nil for modules that do not drive a browser, e.g. poster
	// imports.
	Page playwright.Page

	Source   models.Source
	SourceID uuid.UUID
	RunID    uuid.UUID

	JobData  JobData
	Logger   *logbus.RunLogger
	Limiter  *limiter.Limiter
	Stats    *Stats
	Sessions SessionStore
}

// Goto is the polite navigation helper modules are expected to use: it
// acquires a rate-limit token, navigates, and counts the page. Modules doing
// raw page.Goto calls must call Limiter.Acquire themselves.
func (rc *RunContext) Goto(ctx context.Context, url string) error {
	if err := rc.Limiter.Acquire(ctx); err != nil {
		return err
	}

	if _, err := rc.Page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return fmt.Errorf("goto %s: %w", url, err)
	}

	rc.Stats.IncrPagesCrawled()

	return nil
}

// Module is the scraper plugin contract. Run returns the full, finite event
// collection for one pass; the runtime persists after Run returns, so a
// module failure discards all partial output.
type Module interface {
	Meta() Metadata
	Run(ctx context.Context, rc *RunContext) ([]models.RawEvent, error)
}

// Registry resolves modules by key.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module; duplicate keys are a programming error.
func (r *Registry) Register(m Module) error {
	key := m.Meta().Key
	if key == "" {
		return fmt.Errorf("module has empty key")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[key]; ok {
		return fmt.Errorf("module %q already registered", key)
	}

	r.modules[key] = m

	return nil
}

// Get resolves a module by key.
func (r *Registry) Get(key string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[key]

	return m, ok
}

// Keys returns the registered module keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.modules))
	for k := range r.modules {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Builtin assembles the registry of compiled-in modules.
func Builtin() *Registry {
	r := NewRegistry()

	for _, m := range []Module{
		&JSONLDModule{},
		&PosterImportModule{},
		&InstagramProfileModule{},
		&FakeFixedModule{},
	} {
		if err := r.Register(m); err != nil {
			panic(err) // duplicate builtin keys are a compile-time-ish bug
		}
	}

	return r
}
