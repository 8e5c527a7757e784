package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Status tells a present descriptor apart from an absent one.
type Status int

const (
	Absent Status = iota
	Present
)

func (s Status) String() string {
	if s == Present {
		return "present"
	}
	return "absent"
}

// Resolution is the outcome of a successful lookup. Policy is nil when
// Status is Absent.
type Resolution struct {
	Status Status
	Policy *Policy
	Source string
}

// Resolver looks up the policy governing a demo.
type Resolver interface {
	Resolve(demo string) (Resolution, error)
}

// LoadError reports a descriptor that exists but cannot be used.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("policy: load %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// DescriptorNames are tried in order inside the __tests__ directory.
var DescriptorNames = []string{
	"visual-diff.config.yaml",
	"visual-diff.config.yml",
	"visual-diff.config.json",
}

// FileResolver reads descriptors from disk on every call.
type FileResolver struct {
	Root string
}

// NewFileResolver creates a resolver for demo paths relative to root.
func NewFileResolver(root string) *FileResolver {
	return &FileResolver{Root: root}
}

// Resolve returns Absent when no descriptor exists and a *LoadError when one
// exists but cannot be read, parsed or validated.
func (r *FileResolver) Resolve(demo string) (Resolution, error) {
	demoDir := filepath.Dir(filepath.Join(r.Root, filepath.FromSlash(demo)))
	dir := filepath.Join(demoDir, "..", "__tests__")

	for _, name := range DescriptorNames {
		p := filepath.Join(dir, name)
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Resolution{}, &LoadError{Path: p, Err: err}
		}
		pol, err := Parse(data)
		if err != nil {
			return Resolution{}, &LoadError{Path: p, Err: err}
		}
		return Resolution{Status: Present, Policy: pol, Source: p}, nil
	}
	return Resolution{Status: Absent}, nil
}

// Parse decodes and validates a YAML or JSON descriptor.
func Parse(data []byte) (*Policy, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &p, nil
}

const descriptorSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string"},
    "skip": {"$ref": "#/definitions/rule"},
    "onlyViewport": {"$ref": "#/definitions/rule"},
    "openTriggerClassName": {"type": "string"}
  },
  "definitions": {
    "rule": {
      "oneOf": [
        {"type": "boolean"},
        {"type": "array", "items": {"type": "string"}}
      ]
    }
  }
}`

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(descriptorSchema))
	if err != nil {
		panic("policy: descriptor schema: " + err.Error())
	}
	return s
}

func validate(raw any) error {
	// Round-trip through JSON so YAML-only shapes surface as errors here.
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid descriptor: %s", strings.Join(msgs, "; "))
}
