// Package policy loads the per-demo-group capture descriptor that decides
// whether a demo is captured and how much of the page ends up in the image.
//
// Descriptors live in a __tests__ directory next to the demo directory:
//
//	components/button/demo/basic.md
//	components/button/__tests__/visual-diff.config.yaml
//
// A missing descriptor opts the whole group out of capture.
package policy

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is a parsed descriptor.
type Policy struct {
	ID           string `yaml:"id"`
	Skip         Rule   `yaml:"skip"`
	OnlyViewport Rule   `yaml:"onlyViewport"`
	// OpenTriggerClassName is parsed and logged only; nothing clicks it.
	OpenTriggerClassName string `yaml:"openTriggerClassName"`
}

// Rule is either a boolean or a list of demo-name suffixes. The zero Rule
// (field absent) matches nothing.
type Rule struct {
	All      bool
	Suffixes []string
}

// UnmarshalYAML accepts `true`, `false` or a sequence of strings.
func (r *Rule) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := n.Decode(&b); err != nil {
			return fmt.Errorf("policy: rule must be a boolean or a list of strings, got %q", n.Value)
		}
		*r = Rule{All: b}
	case yaml.SequenceNode:
		var s []string
		if err := n.Decode(&s); err != nil {
			return fmt.Errorf("policy: rule list: %w", err)
		}
		*r = Rule{Suffixes: s}
	default:
		return fmt.Errorf("policy: rule must be a boolean or a list of strings")
	}
	return nil
}

// Matches reports whether the rule applies to a demo. List entries use a
// plain suffix match against the demo's base name (file name without .md),
// so "basic" also matches "no-basic".
func (r Rule) Matches(demo string) bool {
	if r.All {
		return true
	}
	base := strings.TrimSuffix(path.Base(demo), ".md")
	for _, s := range r.Suffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	return false
}

// Skips reports whether the demo must not be captured.
func (p *Policy) Skips(demo string) bool { return p.Skip.Matches(demo) }

// ViewportOnly reports whether the capture keeps the initial viewport
// instead of expanding to the full document height.
func (p *Policy) ViewportOnly(demo string) bool { return p.OnlyViewport.Matches(demo) }
