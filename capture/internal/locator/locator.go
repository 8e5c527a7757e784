// Package locator discovers the demo documents to capture.
package locator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Options narrows the search.
type Options struct {
	// Component restricts the search to components/<Component>/demo.
	Component string
	// Exclude lists component directories skipped when Component is empty.
	Exclude []string
}

// Find returns the slash-separated paths, relative to root, of every
// components/<c>/demo/*.md file. The result is sorted and deduplicated so
// shard slicing is stable across processes.
func Find(root string, opts Options) ([]string, error) {
	var components []string
	if opts.Component != "" {
		if strings.ContainsAny(opts.Component, `/\`) || opts.Component == "." || opts.Component == ".." {
			return nil, fmt.Errorf("locator: invalid component name %q", opts.Component)
		}
		components = []string{opts.Component}
	} else {
		entries, err := os.ReadDir(filepath.Join(root, "components"))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("locator: read components: %w", err)
		}
		skip := make(map[string]bool, len(opts.Exclude))
		for _, e := range opts.Exclude {
			skip[e] = true
		}
		for _, e := range entries {
			if !e.IsDir() || skip[e.Name()] || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			components = append(components, e.Name())
		}
	}

	seen := make(map[string]bool)
	var demos []string
	for _, c := range components {
		found, err := demosOf(root, c)
		if err != nil {
			return nil, err
		}
		for _, d := range found {
			if !seen[d] {
				seen[d] = true
				demos = append(demos, d)
			}
		}
	}
	sort.Strings(demos)
	return demos, nil
}

func demosOf(root, component string) ([]string, error) {
	dir := filepath.Join(root, "components", component, "demo")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("locator: read %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || path.Ext(name) != ".md" {
			continue
		}
		out = append(out, path.Join("components", component, "demo", name))
	}
	return out, nil
}
