package endpoint

import (
	"encoding/json"

	"github.com/seakeel/plugin-runtime/errors"
)

// Endpoint is one route a guest declares through its http_endpoints
// export.
type Endpoint struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Handler string `json:"handler"`
}

// ParseEndpoints decodes an http_endpoints reply. An empty document or
// empty array declares no routes.
func ParseEndpoints(raw string) ([]Endpoint, error) {
	if raw == "" {
		return nil, nil
	}
	var eps []Endpoint
	if err := json.Unmarshal([]byte(raw), &eps); err != nil {
		return nil, errors.Wrap(errors.PhaseRegistry, errors.KindInvalidInput, err,
			"malformed endpoint declaration")
	}
	return eps, nil
}

// Prefix returns the URL prefix all of an instance's endpoints live
// under.
func Prefix(id string) string {
	return "/plugins/" + id
}
