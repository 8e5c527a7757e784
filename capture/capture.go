// Package capture runs a visual-regression baseline capture: it locates the
// component demos, expands them across themes and the css-var styling
// axis, keeps this process's shard, and screenshots every task through one
// shared headless Chrome with a bounded number of pages in flight.
//
// A failing task never aborts the run. Its intended image name and error
// are appended to error.jsonl in the output directory and the run moves on.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/democap/capture/internal/browser"
	"github.com/hazyhaar/democap/capture/internal/executor"
	"github.com/hazyhaar/democap/capture/internal/failurelog"
	"github.com/hazyhaar/democap/capture/internal/ledger"
	"github.com/hazyhaar/democap/capture/internal/locator"
	"github.com/hazyhaar/democap/capture/internal/matrix"
	"github.com/hazyhaar/democap/capture/internal/metrics"
	"github.com/hazyhaar/democap/capture/internal/policy"
	"github.com/hazyhaar/democap/capture/internal/pool"
	"github.com/hazyhaar/democap/capture/internal/publish"
)

// Session is the browser side of a run: started once before the first
// task, shared by all tasks, closed once after the last.
type Session interface {
	Start(ctx context.Context) error
	executor.PageOpener
	Close() error
}

// Stats summarises task durations.
type Stats = metrics.Stats

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Shard      Shard
	Demos      int
	Tasks      int // tasks in this shard
	AllTasks   int // tasks across all shards
	Captured   int
	Skipped    int
	Failed     int
	NotRun     int // not started because the run was cancelled
	Elapsed    time.Duration
	Durations  Stats
	FailureLog string
	Published  int
}

// Option customises a Runner.
type Option func(*Runner)

// WithSession replaces the Chrome session.
func WithSession(s Session) Option { return func(r *Runner) { r.session = s } }

// WithResolver replaces the on-disk policy resolver.
func WithResolver(res policy.Resolver) Option { return func(r *Runner) { r.resolver = res } }

// WithLedger records the run in an already open ledger. The Runner does not
// close it.
func WithLedger(l *ledger.Ledger) Option { return func(r *Runner) { r.ledger = l } }

// WithClock sets the clock used to stamp failure records.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// Runner executes one capture run. Create one per run.
type Runner struct {
	cfg       *Config
	logger    *slog.Logger
	session   Session
	resolver  policy.Resolver
	ledger    *ledger.Ledger
	ownLedger bool
	now       func() time.Time
	failures  *failurelog.Recorder
	durations *metrics.Durations
}

// New creates a Runner from configuration.
func New(cfg *Config, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		durations: metrics.NewDurations(),
	}
	for _, o := range opts {
		o(r)
	}
	r.failures = failurelog.New(cfg.OutputDir, failurelog.WithClock(r.now))
	if r.session == nil {
		r.session = browser.NewSession(browser.Config{
			RemoteURL:   cfg.Browser.Remote,
			Bin:         cfg.Browser.Bin,
			Stealth:     cfg.Browser.Stealth,
			Width:       cfg.Browser.Width,
			Height:      cfg.Browser.Height,
			DeviceScale: cfg.Browser.DeviceScale,
			Timeout:     cfg.Browser.Timeout,
			IdleWindow:  cfg.Browser.IdleWindow,
			BlockURLs:   cfg.Browser.BlockURLs,
			Logger:      logger,
		})
	}
	if r.resolver == nil {
		r.resolver = policy.NewFileResolver(cfg.Root)
	}
	return r
}

// Run performs the capture. It returns an error only for failures that make
// the run itself impossible (output dir, browser launch, demo discovery,
// ledger) or for a failed publish; per-task failures are in the Summary and
// the failure log.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if err := r.cfg.Shard.Validate(); err != nil {
		return nil, err
	}

	sum, err := r.capture(ctx)
	if err != nil {
		return nil, err
	}

	if r.cfg.Publish.Enabled && ctx.Err() == nil {
		n, err := r.publish(ctx, sum.RunID)
		sum.Published = n
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (r *Runner) capture(ctx context.Context) (*Summary, error) {
	start := time.Now()
	log := r.logger

	if err := r.prepareOutput(); err != nil {
		return nil, err
	}
	defer r.failures.Close()

	// Opened after the output dir is emptied so a ledger kept inside it
	// is not unlinked while in use.
	if r.ledger == nil && r.cfg.Ledger != "" {
		l, err := ledger.Open(r.cfg.Ledger)
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		r.ledger, r.ownLedger = l, true
	}
	if r.ownLedger {
		defer func() {
			r.ledger.Close()
			r.ledger, r.ownLedger = nil, false
		}()
	}

	if err := r.session.Start(ctx); err != nil {
		return nil, fmt.Errorf("capture: start session: %w", err)
	}
	defer func() {
		if err := r.session.Close(); err != nil {
			log.Warn("capture: close session", "error", err)
		}
	}()

	demos, err := locator.Find(r.cfg.Root, locator.Options{
		Component: r.cfg.Component,
		Exclude:   r.cfg.Exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	all := matrix.Build(demos)
	sh := r.cfg.Shard
	tasks := matrix.Shard(all, sh.Current, sh.Total)
	if sh.Total > 1 {
		log.Info("capture: shard", "shard", sh.String(), "tasks", len(tasks), "of", len(all))
	}

	sum := &Summary{
		Shard:      sh,
		Demos:      len(demos),
		Tasks:      len(tasks),
		AllTasks:   len(all),
		FailureLog: r.failures.Path(),
	}
	if r.ledger != nil {
		id, err := r.ledger.BeginRun(ctx, ledger.Run{
			Component:    r.cfg.Component,
			ShardCurrent: sh.Current,
			ShardTotal:   sh.Total,
			TotalTasks:   len(tasks),
		})
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		sum.RunID = id
	} else {
		sum.RunID = uuid.Must(uuid.NewV7()).String()
	}

	exec := executor.New(executor.Config{
		BaseURL:           r.cfg.BaseURL(),
		OutputDir:         r.cfg.OutputDir,
		ReadySelector:     r.cfg.ReadySelector,
		ViewportWidth:     r.cfg.Browser.Width,
		ViewportHeight:    r.cfg.Browser.Height,
		ScreenshotTimeout: r.cfg.Browser.ScreenshotTimeout,
		Logger:            log,
	}, r.session, r.resolver)

	started := make([]bool, len(tasks))
	jobs := make([]pool.Job[executor.Outcome], len(tasks))
	for i, task := range tasks {
		jobs[i] = func(ctx context.Context) (out executor.Outcome, err error) {
			started[i] = true
			log.Info("capture: task", "n", i+1, "of", len(tasks), "task", task.String())
			begin := time.Now()
			defer func() {
				if p := recover(); p != nil {
					err = &pool.PanicError{Value: p, Stack: debug.Stack()}
				}
				if err != nil {
					r.recordFailure(task, err)
				}
				r.observe(ctx, sum.RunID, task, out, err, time.Since(begin))
			}()
			if cerr := task.Err(); cerr != nil {
				return 0, cerr
			}
			return exec.Capture(ctx, task)
		}
	}

	results := pool.Run(ctx, jobs, pool.Options{
		Limit: r.cfg.MaxWorkers,
		Rate:  r.cfg.StartRate,
		OnDone: func(i int, d time.Duration, _ error) {
			log.Info("capture: task finished", "n", i+1, "of", len(tasks), "ms", d.Milliseconds())
		},
	})

	for i, res := range results {
		switch {
		case !started[i]:
			sum.NotRun++
		case res.Err != nil:
			sum.Failed++
		case res.Value == executor.Skipped:
			sum.Skipped++
		default:
			sum.Captured++
		}
	}

	if r.ledger != nil {
		if err := r.ledger.FinishRun(context.WithoutCancel(ctx), sum.RunID); err != nil {
			log.Warn("capture: ledger finish", "error", err)
		}
	}
	sum.Elapsed = time.Since(start)
	sum.Durations = r.durations.Snapshot()
	log.Info("capture: done",
		"run_id", sum.RunID,
		"tasks", sum.Tasks,
		"captured", sum.Captured,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"elapsed", sum.Elapsed)
	return sum, nil
}

// prepareOutput creates or empties the output dir and truncates the
// failure log. It runs once, before any capture.
func (r *Runner) prepareOutput() error {
	dir := r.cfg.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("capture: output dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("capture: output dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("capture: empty output dir: %w", err)
		}
	}
	if err := r.failures.Reset(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}

func (r *Runner) recordFailure(task matrix.Task, cause error) {
	rec := failurelog.Record{
		Filename: matrix.ImageName(task),
		Error:    "Capture failed: " + cause.Error(),
	}
	if err := r.failures.Append(rec); err != nil {
		r.logger.Error("capture: append failure log", "filename", rec.Filename, "error", err)
	}
	r.logger.Error("capture: failed", "filename", rec.Filename, "error", rec.Error)
}

func (r *Runner) observe(ctx context.Context, runID string, task matrix.Task, out executor.Outcome, err error, d time.Duration) {
	if err == nil && out == executor.Captured {
		r.durations.Record(d)
	}
	if r.ledger == nil {
		return
	}
	e := ledger.Entry{
		TaskIndex: task.Index,
		Demo:      task.Demo,
		Theme:     task.Theme,
		CSSVar:    task.CSSVar,
		ImageName: matrix.ImageName(task),
		Duration:  d,
	}
	switch {
	case err != nil:
		e.Outcome, e.Error = ledger.OutcomeFailed, err.Error()
	case out == executor.Skipped:
		e.Outcome = ledger.OutcomeSkipped
	default:
		e.Outcome = ledger.OutcomeCaptured
	}
	if lerr := r.ledger.Record(context.WithoutCancel(ctx), runID, e); lerr != nil {
		r.logger.Warn("capture: ledger record", "error", lerr)
	}
}

func (r *Runner) publish(ctx context.Context, runID string) (int, error) {
	p := r.cfg.Publish
	up, err := publish.NewUploader(publish.Config{
		Endpoint:  p.Endpoint,
		AccessKey: p.AccessKey,
		SecretKey: p.SecretKey,
		Region:    p.Region,
		Bucket:    p.Bucket,
		Prefix:    p.Prefix,
		UseSSL:    p.UseSSL,
	}, r.logger)
	if err != nil {
		return 0, err
	}
	return up.Upload(ctx, r.cfg.OutputDir, runID)
}
