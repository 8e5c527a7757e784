// Package failurelog appends one JSON line per failed capture to the run's
// error.jsonl and reads it back.
package failurelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// FileName is the log's name inside the output directory.
const FileName = "error.jsonl"

// Record is one failed capture.
type Record struct {
	Filename  string    `json:"filename"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder appends records to a single file. Each Append is one write of a
// complete line on an O_APPEND handle, so lines never interleave.
type Recorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
	now  func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a Recorder for dir/error.jsonl. Call Reset before Append.
func New(dir string, opts ...Option) *Recorder {
	r := &Recorder{
		path: filepath.Join(dir, FileName),
		now:  time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Path returns the log file path.
func (r *Recorder) Path() string { return r.path }

// Reset creates or truncates the log and opens it for appending.
func (r *Recorder) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failurelog: mkdir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failurelog: open: %w", err)
	}
	r.f = f
	return nil
}

// Append writes rec as one line. A zero Timestamp is set to now.
func (r *Recorder) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	line, err := json.Marshal(wireRecord{
		Filename:  rec.Filename,
		Error:     rec.Error,
		Timestamp: rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("failurelog: marshal: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return fmt.Errorf("failurelog: %s not open", r.path)
	}
	if _, err := r.f.Write(line); err != nil {
		return fmt.Errorf("failurelog: write: %w", err)
	}
	return nil
}

// Close releases the file handle.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

type wireRecord struct {
	Filename  string `json:"filename"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// ReadAll parses a failure log. Blank lines are ignored; a line that is
// not a JSON object is an error.
func ReadAll(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) || !gjson.ParseBytes(line).IsObject() {
			return nil, fmt.Errorf("failurelog: %s:%d: not a JSON object", path, n)
		}
		res := gjson.GetManyBytes(line, "filename", "error", "timestamp")
		rec := Record{Filename: res[0].String(), Error: res[1].String()}
		if ts := res[2].String(); ts != "" {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				rec.Timestamp = t
			}
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failurelog: scan: %w", err)
	}
	return out, nil
}
