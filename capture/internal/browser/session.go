// Package browser owns the Chrome process and the single incognito context
// every capture page is opened in.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/democap/capture/internal/executor"
)

// ErrNotStarted is returned by NewPage before Start or after Close.
var ErrNotStarted = errors.New("browser: session not started")

// Config configures the session.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local headless Chrome.
	RemoteURL string

	// Bin overrides the Chrome binary used by the launcher.
	Bin string

	// Stealth opens pages through go-rod/stealth.
	Stealth bool

	// Width and Height are the initial viewport in CSS pixels. Default 800x600.
	Width  int
	Height int

	// DeviceScale is the device pixel ratio. Default 2.
	DeviceScale float64

	// Timeout bounds every page operation. Default 5s.
	Timeout time.Duration

	// IdleWindow is how long the network must stay quiet before a page
	// counts as loaded. Default 500ms.
	IdleWindow time.Duration

	// BlockURLs lists URL patterns (rod hijack syntax) failed with
	// BlockedByClient, e.g. analytics beacons.
	BlockURLs []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Width <= 0 {
		c.Width = 800
	}
	if c.Height <= 0 {
		c.Height = 600
	}
	if c.DeviceScale <= 0 {
		c.DeviceScale = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one Chrome process plus one incognito context. Start and Close
// are each called once by the run owner; NewPage is safe for concurrent use.
type Session struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	context *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewSession creates a Session. Call Start to launch Chrome.
func NewSession(cfg Config) *Session {
	cfg.defaults()
	return &Session{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance) and creates the
// shared browsing context.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("browser: session is closed")
	}
	if s.browser != nil {
		return fmt.Errorf("browser: session already started")
	}

	log := s.cfg.Logger
	var wsURL string
	if s.cfg.RemoteURL != "" {
		wsURL = s.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx).Headless(true)
		if s.cfg.Bin != "" {
			l = l.Bin(s.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		s.cleanup()
		return fmt.Errorf("browser: connect: %w", err)
	}
	s.browser = b

	inc, err := b.Incognito()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("browser: incognito context: %w", err)
	}
	s.context = inc
	return nil
}

// NewPage opens a page in the shared context with the configured viewport
// and request blocking applied. The caller must Close it.
func (s *Session) NewPage(ctx context.Context) (executor.Page, error) {
	s.mu.RLock()
	inc := s.context
	s.mu.RUnlock()
	if inc == nil {
		return nil, ErrNotStarted
	}

	inc = inc.Context(ctx)
	var page *rod.Page
	var err error
	if s.cfg.Stealth {
		page, err = stealth.Page(inc)
	} else {
		page, err = inc.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	p := &Page{page: page, cfg: &s.cfg}
	if err := p.Resize(ctx, s.cfg.Width, s.cfg.Height); err != nil {
		page.Close()
		return nil, err
	}
	if len(s.cfg.BlockURLs) > 0 {
		router, err := blockRequests(page, s.cfg.BlockURLs)
		if err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: request blocking: %w", err)
		}
		p.router = router
	}
	return p, nil
}

// Close shuts down Chrome. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cleanup()
}

func (s *Session) cleanup() error {
	var err error
	s.context = nil
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return err
}
