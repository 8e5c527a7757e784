// Package executor captures one task: policy, page load, readiness gate,
// viewport sizing, screenshot, file write.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/democap/capture/internal/matrix"
	"github.com/hazyhaar/democap/capture/internal/policy"
)

// Outcome of a task that did not fail.
type Outcome int

const (
	Captured Outcome = iota + 1
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Captured:
		return "captured"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// DisableAnimationsCSS is injected into every page before the ready wait.
const DisableAnimationsCSS = "*{animation: none!important;}"

// Page is a short-lived browser tab owned by one task. Every method is
// bounded by the session's default operation timeout unless ctx is tighter.
type Page interface {
	// Navigate loads url and waits until network activity goes idle.
	Navigate(ctx context.Context, url string) error
	AddStyle(ctx context.Context, css string) error
	WaitSelector(ctx context.Context, selector string) error
	ScrollHeight(ctx context.Context) (int, error)
	Resize(ctx context.Context, width, height int) error
	Screenshot(ctx context.Context, opts ShotOptions) ([]byte, error)
	Close() error
}

// ShotOptions describes the captured area in CSS pixels.
type ShotOptions struct {
	Width    int
	Height   int
	FullPage bool
	Timeout  time.Duration
}

// PageOpener creates pages in the shared browser context.
type PageOpener interface {
	NewPage(ctx context.Context) (Page, error)
}

// Config holds the per-run constants the executor needs.
type Config struct {
	BaseURL           string
	OutputDir         string
	ReadySelector     string
	ViewportWidth     int
	ViewportHeight    int
	ScreenshotTimeout time.Duration
	Logger            *slog.Logger
}

// Executor runs tasks against a PageOpener.
type Executor struct {
	cfg      Config
	opener   PageOpener
	resolver policy.Resolver
}

// New creates an Executor.
func New(cfg Config, opener PageOpener, resolver policy.Resolver) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{cfg: cfg, opener: opener, resolver: resolver}
}

// Capture runs one task. Errors are returned to the caller, which records
// them; a skipped task returns Skipped and a nil error.
func (e *Executor) Capture(ctx context.Context, task matrix.Task) (Outcome, error) {
	log := e.cfg.Logger

	res, err := e.resolver.Resolve(task.Demo)
	if err != nil {
		return 0, err
	}
	if res.Status == policy.Absent {
		log.Info("executor: skip, no policy", "demo", task.Demo)
		return Skipped, nil
	}
	pol := res.Policy
	if pol.Skips(task.Demo) {
		log.Info("executor: skip", "demo", task.Demo, "policy", pol.ID)
		return Skipped, nil
	}

	pageURL := matrix.TargetURL(e.cfg.BaseURL, task)
	imgName := matrix.ImageName(task)

	page, err := e.opener.NewPage(ctx)
	if err != nil {
		return 0, fmt.Errorf("executor: new page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			log.Debug("executor: close page", "url", pageURL, "error", cerr)
		}
	}()

	if err := page.Navigate(ctx, pageURL); err != nil {
		return 0, fmt.Errorf("executor: navigate %s: %w", pageURL, err)
	}
	if err := page.AddStyle(ctx, DisableAnimationsCSS); err != nil {
		return 0, fmt.Errorf("executor: disable animations: %w", err)
	}
	if err := page.WaitSelector(ctx, e.cfg.ReadySelector); err != nil {
		return 0, fmt.Errorf("executor: wait %s: %w", e.cfg.ReadySelector, err)
	}

	onlyViewport := pol.ViewportOnly(task.Demo)
	log.Info("executor: visit",
		"url", pageURL,
		"only_viewport", onlyViewport,
		"open_trigger", pol.OpenTriggerClassName)

	height := e.cfg.ViewportHeight
	if !onlyViewport {
		h, err := page.ScrollHeight(ctx)
		if err != nil {
			return 0, fmt.Errorf("executor: scroll height: %w", err)
		}
		if h > 0 {
			height = h
		}
		if err := page.Resize(ctx, e.cfg.ViewportWidth, height); err != nil {
			return 0, fmt.Errorf("executor: resize to %dx%d: %w", e.cfg.ViewportWidth, height, err)
		}
	}

	img, err := page.Screenshot(ctx, ShotOptions{
		Width:    e.cfg.ViewportWidth,
		Height:   height,
		FullPage: !onlyViewport,
		Timeout:  e.cfg.ScreenshotTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("executor: screenshot: %w", err)
	}

	if err := os.WriteFile(filepath.Join(e.cfg.OutputDir, imgName), img, 0o644); err != nil {
		return 0, fmt.Errorf("executor: write %s: %w", imgName, err)
	}
	return Captured, nil
}
