// Package browser owns the headless-browser handles. A bounded pool of
// contexts is shared by the scrape workers; each checkout yields a fresh
// incognito page and pages are never shared concurrently.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

const defaultNavigationTimeoutMs = 30_000

// Pool hands out pages from a bounded set of browser contexts. Contexts are
// created lazily and discarded after a crash; the next checkout on that slot
// rebuilds one.
type Pool struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	slots   chan *slot
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

type slot struct {
	ctx playwright.BrowserContext
}

// NewPool launches a browser and prepares size context slots.
func NewPool(size int, headless bool, logger *zap.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	br, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
	})
	if err != nil {
		_ = pw.Stop()

		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	slots := make(chan *slot, size)
	for i := 0; i < size; i++ {
		slots <- &slot{}
	}

	return &Pool{
		pw:      pw,
		browser: br,
		slots:   slots,
		logger:  logger.Named("browser"),
	}, nil
}

// Checkout blocks until a context slot is free, then opens a fresh page on
// it. The returned release function closes the page and returns the slot; it
// is safe to call exactly once and must be called on every exit path.
func (p *Pool) Checkout(ctx context.Context) (playwright.Page, func(), error) {
	var s *slot

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case s = <-p.slots:
	}

	page, err := p.openPage(s)
	if err != nil {
		// A broken context is discarded; the slot goes back empty and the
		// next checkout rebuilds it.
		p.discard(s)
		p.slots <- s

		return nil, nil, err
	}

	crashed := false
	page.OnCrash(func(playwright.Page) {
		crashed = true
		p.logger.Warn("page crashed")
	})

	release := func() {
		if err := page.Close(); err != nil {
			p.logger.Warn("page close failed", zap.Error(err))
			crashed = true
		}

		if crashed {
			p.discard(s)
		}

		p.slots <- s
	}

	return page, release, nil
}

func (p *Pool) openPage(s *slot) (playwright.Page, error) {
	if s.ctx == nil {
		bctx, err := p.browser.NewContext(playwright.BrowserNewContextOptions{})
		if err != nil {
			return nil, fmt.Errorf("new browser context: %w", err)
		}

		s.ctx = bctx
	}

	page, err := s.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}

	page.SetDefaultTimeout(defaultNavigationTimeoutMs)
	page.SetDefaultNavigationTimeout(defaultNavigationTimeoutMs)

	return page, nil
}

func (p *Pool) discard(s *slot) {
	if s.ctx == nil {
		return
	}

	if err := s.ctx.Close(); err != nil {
		p.logger.Warn("context close failed", zap.Error(err))
	}

	s.ctx = nil
}

// Close tears down all contexts and the browser. Outstanding pages become
// invalid; callers are expected to have drained first.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	for i := 0; i < cap(p.slots); i++ {
		select {
		case s := <-p.slots:
			p.discard(s)
		default:
		}
	}

	if err := p.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}

	return p.pw.Stop()
}
