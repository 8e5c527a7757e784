package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/democap/capture/internal/executor"
	"github.com/hazyhaar/democap/capture/internal/ledger"
	"github.com/hazyhaar/democap/capture/internal/policy"
)

type fakePage struct {
	sess *fakeSession
	url  string
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.url = url
	return ctx.Err()
}

func (p *fakePage) AddStyle(context.Context, string) error { return nil }

func (p *fakePage) WaitSelector(context.Context, string) error {
	if p.sess.failURL != nil && p.sess.failURL(p.url) {
		return errors.New("context deadline exceeded")
	}
	return nil
}

func (p *fakePage) ScrollHeight(context.Context) (int, error) { return 900, nil }
func (p *fakePage) Resize(context.Context, int, int) error { return nil }
func (p *fakePage) Screenshot(context.Context, executor.ShotOptions) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

func (p *fakePage) Close() error {
	p.sess.mu.Lock()
	p.sess.closedPages++
	p.sess.mu.Unlock()
	return nil
}

type fakeSession struct {
	mu          sync.Mutex
	started     int
	closed      int
	opened      int
	closedPages int
	startErr    error
	failURL     func(string) bool
	onNewPage   func(n int)
}

func (s *fakeSession) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return s.startErr
}

func (s *fakeSession) NewPage(context.Context) (executor.Page, error) {
	s.mu.Lock()
	s.opened++
	n := s.opened
	s.mu.Unlock()
	if s.onNewPage != nil {
		s.onNewPage(n)
	}
	return &fakePage{sess: s}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

// affixRepo lays out one component with two demos and an optional policy.
func affixRepo(t *testing.T, descriptor string) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "components/affix/demo/basic.md", "# basic")
	writeFile(t, root, "components/affix/demo/debug.md", "# debug")
	if descriptor != "" {
		writeFile(t, root, "components/affix/__tests__/visual-diff.config.yaml", descriptor)
	}
	return root
}

func testConfig(root string) *Config {
	cfg := DefaultConfig()
	cfg.Root = root
	cfg.OutputDir = filepath.Join(root, "imageSnapshots")
	return cfg
}

func pngs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".png") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func TestRun_CapturesEveryTask(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	sess := &fakeSession{}

	sum, err := New(cfg, quietLogger(), WithSession(sess)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Demos)
	assert.Equal(t, 12, sum.Tasks)
	assert.Equal(t, 12, sum.Captured)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Skipped)
	assert.NotEmpty(t, sum.RunID)
	assert.EqualValues(t, 12, sum.Durations.Count)

	names := pngs(t, cfg.OutputDir)
	assert.Len(t, names, 12)
	assert.Contains(t, names, "affix-basic.default.png")
	assert.Contains(t, names, "affix-debug.dark.css-var.png")

	recs, err := ReadFailures(filepath.Join(cfg.OutputDir, FailureLogName))
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.Equal(t, 1, sess.started)
	assert.Equal(t, 1, sess.closed)
	assert.Equal(t, 12, sess.opened)
	assert.Equal(t, 12, sess.closedPages)
}

func TestRun_NoDescriptorSkipsAll(t *testing.T) {
	root := affixRepo(t, "")
	cfg := testConfig(root)
	sess := &fakeSession{}

	sum, err := New(cfg, quietLogger(), WithSession(sess)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, sum.Skipped)
	assert.Zero(t, sum.Captured)
	assert.Zero(t, sum.Failed)
	assert.Empty(t, pngs(t, cfg.OutputDir))
	assert.Zero(t, sess.opened)

	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRun_SkipListedDemo(t *testing.T) {
	root := affixRepo(t, "id: affix\nskip:\n  - basic\n")
	cfg := testConfig(root)

	sum, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, sum.Skipped)
	assert.Equal(t, 6, sum.Captured)
	for _, n := range pngs(t, cfg.OutputDir) {
		assert.True(t, strings.HasPrefix(n, "affix-debug."), n)
	}
}

func TestRun_FailureIsRecordedAndRunContinues(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	sess := &fakeSession{failURL: func(u string) bool {
		return strings.Contains(u, "affix-demo-debug") &&
			strings.Contains(u, "theme=dark") &&
			!strings.Contains(u, "enable-css-var")
	}}

	sum, err := New(cfg, quietLogger(), WithSession(sess)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 11, sum.Captured)
	assert.Equal(t, 1, sum.Failed)
	assert.Len(t, pngs(t, cfg.OutputDir), 11)
	assert.Equal(t, 12, sess.closedPages)

	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "affix-debug.dark.png", recs[0].Filename)
	assert.True(t, strings.HasPrefix(recs[0].Error, "Capture failed: "), recs[0].Error)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestRun_FailureTimestampUsesClock(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	at := time.Date(2024, 5, 1, 10, 0, 0, 123_000_000, time.UTC)
	sess := &fakeSession{failURL: func(u string) bool { return strings.Contains(u, "affix-demo-basic") }}

	sum, err := New(cfg, quietLogger(), WithSession(sess), WithClock(func() time.Time { return at })).
		Run(context.Background())
	require.NoError(t, err)

	raw, err := os.ReadFile(sum.FailureLog)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"timestamp":"2024-05-01T10:00:00.123Z"`)
	assert.Equal(t, 6, sum.Failed)
}

func TestRun_ConcurrentWorkers(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	cfg.MaxWorkers = 4
	sess := &fakeSession{failURL: func(u string) bool { return strings.Contains(u, "theme=compact") }}

	sum, err := New(cfg, quietLogger(), WithSession(sess)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, sum.Captured)
	assert.Equal(t, 4, sum.Failed)
	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestRun_NoDemosStillClosesSession(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	sess := &fakeSession{}

	sum, err := New(cfg, quietLogger(), WithSession(sess)).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Tasks)
	assert.Equal(t, 1, sess.started)
	assert.Equal(t, 1, sess.closed)
}

func TestRun_StartFailureIsFatal(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	sess := &fakeSession{startErr: errors.New("no chrome")}

	_, err := New(cfg, quietLogger(), WithSession(sess)).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome")
	assert.Zero(t, sess.opened)
}

func TestRun_EmptiesOutputDir(t *testing.T) {
	root := affixRepo(t, "")
	cfg := testConfig(root)
	writeFile(t, cfg.OutputDir, "stale.png", "old")
	writeFile(t, cfg.OutputDir, FailureLogName, `{"filename":"x.png","error":"old","timestamp":"2020-01-01T00:00:00.000Z"}`+"\n")

	sum, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "stale.png"))
	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRun_Shards(t *testing.T) {
	root := affixRepo(t, "id: affix\n")

	var all []string
	for _, arg := range []string{"1/2", "2/2"} {
		cfg := testConfig(root)
		sh, err := ParseShard(arg)
		require.NoError(t, err)
		cfg.Shard = sh

		sum, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 6, sum.Tasks, arg)
		assert.Equal(t, 12, sum.AllTasks, arg)
		all = append(all, pngs(t, cfg.OutputDir)...)
	}

	sort.Strings(all)
	assert.Len(t, all, 12)
	for i := 1; i < len(all); i++ {
		assert.NotEqual(t, all[i-1], all[i])
	}
}

func TestRun_ShardOneOfTwoIsBasic(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	cfg.Shard = Shard{Current: 1, Total: 2}

	_, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
	require.NoError(t, err)
	for _, n := range pngs(t, cfg.OutputDir) {
		assert.True(t, strings.HasPrefix(n, "affix-basic."), n)
	}
}

func TestRun_InvalidShard(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Shard = Shard{Current: 3, Total: 2}

	_, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidShard)
}

func TestRun_Ledger(t *testing.T) {
	root := affixRepo(t, "id: affix\nskip:\n  - basic\n")
	cfg := testConfig(root)
	sess := &fakeSession{failURL: func(u string) bool { return strings.Contains(u, "theme=compact") }}

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	sum, err := New(cfg, quietLogger(), WithSession(sess), WithLedger(l)).Run(context.Background())
	require.NoError(t, err)

	counts, err := l.Counts(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		ledger.OutcomeSkipped:  6,
		ledger.OutcomeCaptured: 4,
		ledger.OutcomeFailed:   2,
	}, counts)

	failed, err := l.Failed(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"affix-debug.compact.png", "affix-debug.compact.css-var.png"}, failed)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, sum.NotRun)
	assert.Zero(t, sum.Failed)
}

type panicResolver struct{}

func (panicResolver) Resolve(string) (policy.Resolution, error) { panic("resolver exploded") }

type loadErrorResolver struct{}

func (loadErrorResolver) Resolve(demo string) (policy.Resolution, error) {
	return policy.Resolution{}, &policy.LoadError{Path: demo, Err: errors.New("yaml: line 2: did not find expected key")}
}

func TestRun_PanicBecomesFailureRecord(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	cfg.MaxWorkers = 3
	sess := &fakeSession{}

	sum, err := New(cfg, quietLogger(), WithSession(sess), WithResolver(panicResolver{})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Failed)
	assert.Equal(t, 1, sess.closed)

	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	require.Len(t, recs, 12)
	names := map[string]bool{}
	for _, r := range recs {
		names[r.Filename] = true
		assert.Contains(t, r.Error, "Capture failed: ")
		assert.Contains(t, r.Error, "resolver exploded")
	}
	assert.Len(t, names, 12)
}

func TestRun_LoadErrorBecomesFailureRecord(t *testing.T) {
	root := affixRepo(t, "")
	cfg := testConfig(root)
	sess := &fakeSession{}

	sum, err := New(cfg, quietLogger(), WithSession(sess), WithResolver(loadErrorResolver{})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Failed)
	assert.Zero(t, sess.opened)
	assert.Empty(t, pngs(t, cfg.OutputDir))

	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	require.Len(t, recs, 12)
	assert.Equal(t, "affix-basic.default.png", recs[0].Filename)
	assert.Equal(t, "Capture failed: policy: load components/affix/demo/basic.md: yaml: line 2: did not find expected key", recs[0].Error)
}

func TestRun_InvalidDescriptorFailsEveryTaskOfGroup(t *testing.T) {
	root := affixRepo(t, "skip: [basic\n")
	cfg := testConfig(root)

	sum, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Failed)

	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	require.Len(t, recs, 12)
	for _, r := range recs {
		assert.Contains(t, r.Error, "policy: load")
	}
}

func TestRun_CancelledMidRun(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &fakeSession{onNewPage: func(n int) {
		if n == 3 {
			cancel()
		}
	}}

	sum, err := New(cfg, quietLogger(), WithSession(sess)).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Captured)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 9, sum.NotRun)
	assert.Equal(t, 1, sess.closed)
	assert.Len(t, pngs(t, cfg.OutputDir), 2)

	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "affix-basic.dark.png", recs[0].Filename)
	assert.Contains(t, recs[0].Error, context.Canceled.Error())
}

func TestRun_NameCollisionFailsOnlyColliders(t *testing.T) {
	root := t.TempDir()
	// a-b/demo/c.md and a/demo/b-c.md both map to a-b-c.<theme>.png.
	writeFile(t, root, "components/a-b/demo/c.md", "# c")
	writeFile(t, root, "components/a/demo/b-c.md", "# b-c")
	writeFile(t, root, "components/zz/demo/ok.md", "# ok")
	writeFile(t, root, "components/zz/__tests__/visual-diff.config.yaml", "id: zz\n")
	cfg := testConfig(root)

	sum, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 18, sum.Tasks)
	assert.Equal(t, 6, sum.Skipped)
	assert.Equal(t, 6, sum.Failed)
	assert.Equal(t, 6, sum.Captured)

	names := pngs(t, cfg.OutputDir)
	assert.Len(t, names, 6)
	for _, n := range names {
		assert.True(t, strings.HasPrefix(n, "zz-ok."), n)
	}

	recs, err := ReadFailures(sum.FailureLog)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for _, r := range recs {
		assert.True(t, strings.HasPrefix(r.Filename, "a-b-c."), r.Filename)
		assert.Contains(t, r.Error, "image name collision")
	}
}

func TestRun_LedgerInsideOutputDirSurvives(t *testing.T) {
	root := affixRepo(t, "id: affix\n")
	cfg := testConfig(root)
	cfg.Ledger = filepath.Join(cfg.OutputDir, "ledger.db")

	sum, err := New(cfg, quietLogger(), WithSession(&fakeSession{})).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, sum.Captured)

	l, err := ledger.Open(cfg.Ledger)
	require.NoError(t, err)
	defer l.Close()
	counts, err := l.Counts(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{ledger.OutcomeCaptured: 12}, counts)
}
