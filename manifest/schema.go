package manifest

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema reports RawJSON as an unconstrained value so reflected
// schemas do not describe it as a byte array.
func (RawJSON) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{}
}

// Schema returns the JSON Schema describing the manifest document
// itself, for editor integration and host tooling.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&Manifest{})
	s.Title = "Plugin manifest"
	return json.MarshalIndent(s, "", "  ")
}
