// Package manifest parses and validates plugin manifests.
//
// A manifest is a small declarative document, JSON or YAML, read once at
// load time:
//
//	{
//	  "id": "anchor-alarm",
//	  "entryModulePath": "anchor-alarm.wasm",
//	  "capabilities": {"dataRead": true, "httpEndpoints": true},
//	  "configSchema": {"type": "object"}
//	}
//
// The capability block becomes the instance's immutable capability set;
// configSchema describes the plugin's configuration for host tooling and
// is passed through opaquely.
package manifest

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/seakeel/plugin-runtime/capability"
	"github.com/seakeel/plugin-runtime/errors"
)

// idPattern constrains plugin ids to lowercase kebab-case, at least two
// characters, no leading or trailing dash.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	must(v.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	}))
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// RawJSON holds raw JSON that can also be populated from a YAML node.
type RawJSON []byte

// MarshalJSON returns the raw bytes, or null when empty.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores the raw bytes verbatim.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// UnmarshalYAML converts the YAML node to its JSON encoding.
func (r *RawJSON) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*r = data
	return nil
}

// Manifest describes one plugin bundle.
type Manifest struct {
	// ID is the distribution id. The runtime reconciles it against the
	// guest's own exported identifier at load time; the guest wins.
	ID string `json:"id" yaml:"id" validate:"required,plugin_id"`

	// Entry is the path to the compiled module, relative to the
	// manifest file unless absolute.
	Entry string `json:"entryModulePath" yaml:"entryModulePath" validate:"required"`

	// Capabilities is the complete grant; anything absent is denied.
	Capabilities capability.Set `json:"capabilities" yaml:"capabilities"`

	// ConfigSchema is the JSON Schema for the plugin's configuration,
	// kept opaque by the runtime.
	ConfigSchema RawJSON `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`
}

// Parse parses and validates a JSON manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Manifest("parse manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseYAML parses and validates a YAML manifest.
func ParseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Manifest("parse manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest file, dispatching on the extension (.json,
// .yaml, .yml). A relative Entry is resolved against the manifest's
// directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Manifest("read manifest", err)
	}

	var m *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		m, err = Parse(data)
	case ".yaml", ".yml":
		m, err = ParseYAML(data)
	default:
		return nil, errors.Manifest(fmt.Sprintf("unsupported manifest extension %q", filepath.Ext(path)), nil)
	}
	if err != nil {
		return nil, err
	}

	if !filepath.IsAbs(m.Entry) {
		m.Entry = filepath.Join(filepath.Dir(path), m.Entry)
	}
	return m, nil
}

// Validate checks required fields, the id pattern, the capability
// schema, and that configSchema is well-formed JSON when present.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return errors.Manifest(fmt.Sprintf("field %s fails %q", f.Namespace(), f.Tag()), nil)
		}
		return errors.Manifest("validate manifest", err)
	}
	if err := m.Capabilities.Validate(); err != nil {
		return errors.Manifest(err.Error(), nil)
	}
	if len(m.ConfigSchema) > 0 && !json.Valid(m.ConfigSchema) {
		return errors.Manifest("configSchema is not valid JSON", nil)
	}
	return nil
}
