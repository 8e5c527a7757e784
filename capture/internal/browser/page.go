package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/democap/capture/internal/executor"
)

// Page wraps a rod page for one capture task.
type Page struct {
	page   *rod.Page
	router *rod.HijackRouter
	cfg    *Config
}

// op returns the page bound to a context carrying the default timeout.
func (p *Page) op(ctx context.Context) (*rod.Page, context.CancelFunc) {
	c, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	return p.page.Context(c), cancel
}

// Navigate loads url, then waits until no request has been in flight for
// IdleWindow. Navigation and the idle wait each get their own Timeout. The
// idle listener is registered before navigation so early requests are
// tracked; its deadline starts once navigation returns.
func (p *Page) Navigate(ctx context.Context, url string) error {
	idleCtx, arm, stop := deferredDeadline(ctx, p.cfg.Timeout)
	defer stop()
	wait := p.page.Context(idleCtx).WaitRequestIdle(p.cfg.IdleWindow, nil, nil, nil)

	pg, cancel := p.op(ctx)
	defer cancel()
	if err := pg.Navigate(url); err != nil {
		return err
	}

	arm()
	wait()
	if idleCtx.Err() != nil {
		return fmt.Errorf("wait network idle: %w", context.Cause(idleCtx))
	}
	return nil
}

// deferredDeadline derives a context that expires d after arm is called
// rather than d after creation. Its cause is context.DeadlineExceeded when
// the armed timer fires. stop releases it.
func deferredDeadline(parent context.Context, d time.Duration) (ctx context.Context, arm func(), stop func()) {
	ctx, cancel := context.WithCancelCause(parent)
	var mu sync.Mutex
	var timer *time.Timer
	arm = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer == nil {
			timer = time.AfterFunc(d, func() { cancel(context.DeadlineExceeded) })
		}
	}
	stop = func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel(context.Canceled)
	}
	return ctx, arm, stop
}

// AddStyle injects a <style> element.
func (p *Page) AddStyle(ctx context.Context, css string) error {
	pg, cancel := p.op(ctx)
	defer cancel()
	return pg.AddStyleTag("", css)
}

// WaitSelector blocks until selector matches an element.
func (p *Page) WaitSelector(ctx context.Context, selector string) error {
	pg, cancel := p.op(ctx)
	defer cancel()
	_, err := pg.Element(selector)
	return err
}

// ScrollHeight returns document.body.scrollHeight in CSS pixels.
func (p *Page) ScrollHeight(ctx context.Context) (int, error) {
	pg, cancel := p.op(ctx)
	defer cancel()
	res, err := pg.Eval(`() => document.body.scrollHeight`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

// Resize sets the viewport, keeping the configured device scale.
func (p *Page) Resize(ctx context.Context, width, height int) error {
	pg, cancel := p.op(ctx)
	defer cancel()
	if err := pg.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: p.cfg.DeviceScale,
	}); err != nil {
		return fmt.Errorf("browser: set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

// Screenshot captures a PNG of the requested area at CSS-pixel scale.
func (p *Page) Screenshot(ctx context.Context, opts executor.ShotOptions) ([]byte, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.page.Context(c).Screenshot(false, shotRequest(opts, p.cfg.DeviceScale))
}

// Close stops request interception and closes the tab.
func (p *Page) Close() error {
	if p.router != nil {
		_ = p.router.Stop()
		p.router = nil
	}
	if p.page != nil {
		return p.page.Close()
	}
	return nil
}

// shotRequest clips to the requested area and scales by 1/deviceScale so the
// image has one pixel per CSS pixel.
func shotRequest(opts executor.ShotOptions, deviceScale float64) *proto.PageCaptureScreenshot {
	if deviceScale <= 0 {
		deviceScale = 1
	}
	return &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      0,
			Y:      0,
			Width:  float64(opts.Width),
			Height: float64(opts.Height),
			Scale:  1 / deviceScale,
		},
		CaptureBeyondViewport: opts.FullPage,
	}
}
