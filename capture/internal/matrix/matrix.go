// Package matrix expands demos into the ordered capture task list, slices
// it into shards and names the resulting images.
package matrix

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Themes is the fixed theme axis, in emission order.
var Themes = []string{"default", "dark", "compact"}

// ErrNameCollision is reported by a task whose image name was already
// claimed by an earlier task.
var ErrNameCollision = errors.New("matrix: image name collision")

// Task is one (demo, theme, css-var) capture.
type Task struct {
	Index  int // position in the unsharded list
	Demo   string
	Theme  string
	CSSVar bool

	// CollidesWith names the earlier task that already owns this task's
	// image name. Empty for the first claimant.
	CollidesWith string
}

func (t Task) String() string {
	return fmt.Sprintf("%s / %s / %t", t.Demo, t.Theme, t.CSSVar)
}

// Err returns a wrapped ErrNameCollision for a colliding task, nil otherwise.
func (t Task) Err() error {
	if t.CollidesWith == "" {
		return nil
	}
	return fmt.Errorf("%w: %q already claimed by %s", ErrNameCollision, ImageName(t), t.CollidesWith)
}

// Build emits, for each demo and each theme, the plain task followed by the
// css-var task. Sharding relies on this order. A task whose image name is
// already taken stays in the list, marked with CollidesWith, so the order
// and shard boundaries do not depend on collisions.
func Build(demos []string) []Task {
	tasks := make([]Task, 0, len(demos)*len(Themes)*2)
	names := make(map[string]Task, cap(tasks))
	for _, demo := range demos {
		for _, theme := range Themes {
			for _, cssVar := range []bool{false, true} {
				t := Task{Index: len(tasks), Demo: demo, Theme: theme, CSSVar: cssVar}
				name := ImageName(t)
				if prev, dup := names[name]; dup {
					t.CollidesWith = prev.String()
				} else {
					names[name] = t
				}
				tasks = append(tasks, t)
			}
		}
	}
	return tasks
}

// Shard keeps the contiguous chunk current (1-based) of total chunks of
// size ceil(len(tasks)/total). Chunks past the end are empty.
func Shard(tasks []Task, current, total int) []Task {
	if total <= 1 {
		return tasks
	}
	per := (len(tasks) + total - 1) / total
	start := (current - 1) * per
	if start >= len(tasks) {
		return nil
	}
	end := min(start+per, len(tasks))
	return tasks[start:end]
}

// demoURL turns components/affix/demo/basic.md into affix-demo-basic.
func demoURL(demo string) string {
	s := strings.TrimPrefix(demo, "components/")
	s = strings.Replace(s, ".md", "", 1)
	return strings.ReplaceAll(s, "/", "-")
}

// Route is the lower-cased page route under /~demos/.
func Route(demo string) string {
	return strings.ToLower(demoURL(demo))
}

// ImageName maps components/affix/demo/basic.md, dark, css-var to
// affix-basic.dark.css-var.png.
func ImageName(t Task) string {
	var b strings.Builder
	b.WriteString(strings.Replace(demoURL(t.Demo), "-demo", "", 1))
	b.WriteByte('.')
	b.WriteString(t.Theme)
	if t.CSSVar {
		b.WriteString(".css-var")
	}
	b.WriteString(".png")
	return b.String()
}

// TargetURL is the page address for a task on the local site server:
// <base>/~demos/<route>?theme=<theme>[&enable-css-var=1].
func TargetURL(base string, t Task) string {
	u := strings.TrimRight(base, "/") + "/~demos/" + Route(t.Demo) + "?theme=" + url.QueryEscape(t.Theme)
	if t.CSSVar {
		u += "&enable-css-var=1"
	}
	return u
}
