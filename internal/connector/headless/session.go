// Package headless bootstraps upstream sessions with a real browser.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Config controls the session bootstrapper.
type Config struct {
	// BootstrapURL is the page visited to establish cookies.
	BootstrapURL string
	UserAgent    string
	// TTL is how long a captured session is reused before a fresh
	// browser visit. Zero means one hour.
	TTL time.Duration
	// NavigationTimeout caps a single bootstrap visit.
	NavigationTimeout time.Duration
}

// Session captures cookies from a headless Chrome visit and serves them as
// HTTP headers until they expire.
type Session struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc

	mu        sync.Mutex
	headers   http.Header
	fetchedAt time.Time
}

// NewSession creates the browser allocator but does not visit anything yet;
// the first Headers call performs the bootstrap.
func NewSession(cfg Config) (*Session, error) {
	if cfg.BootstrapURL == "" {
		return nil, fmt.Errorf("bootstrap url is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Session{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close releases the browser allocator.
func (s *Session) Close() {
	s.allocCancel()
}

// Headers returns the cached session headers, refreshing them with a browser
// visit when the cache is empty or past its TTL.
func (s *Session) Headers(ctx context.Context) (http.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.headers != nil && time.Since(s.fetchedAt) < s.cfg.TTL {
		return s.headers.Clone(), nil
	}

	headers, err := s.bootstrap(ctx)
	if err != nil {
		// Keep serving a stale session rather than failing hard; the
		// upstream rejects it with a status code we already map.
		if s.headers != nil {
			return s.headers.Clone(), nil
		}
		return nil, err
	}
	s.headers = headers
	s.fetchedAt = time.Now()
	return s.headers.Clone(), nil
}

// Invalidate drops the cached session so the next Headers call revisits the
// bootstrap page. Called when the upstream starts rejecting requests.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.headers = nil
	s.mu.Unlock()
}

func (s *Session) bootstrap(ctx context.Context) (http.Header, error) {
	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var cookies []*network.Cookie
	actions := []chromedp.Action{
		s.setupAction(),
		chromedp.Navigate(s.cfg.BootstrapURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("session bootstrap: %w", err)
	}

	headers := http.Header{}
	if len(cookies) > 0 {
		pairs := make([]string, 0, len(cookies))
		for _, c := range cookies {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
		headers.Set("Cookie", strings.Join(pairs, "; "))
	}
	if s.cfg.UserAgent != "" {
		headers.Set("User-Agent", s.cfg.UserAgent)
	}
	return headers, nil
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// StaticSession serves fixed headers; used when a browser is unavailable or
// the upstream accepts plain requests.
type StaticSession struct {
	headers http.Header
}

// NewStaticSession builds a provider from a fixed header set.
func NewStaticSession(headers http.Header) *StaticSession {
	if headers == nil {
		headers = http.Header{}
	}
	return &StaticSession{headers: headers}
}

// Headers returns a copy of the fixed headers.
func (s *StaticSession) Headers(context.Context) (http.Header, error) {
	return s.headers.Clone(), nil
}
