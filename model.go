package pluginruntime

import (
	"context"
	"encoding/json"
)

// Protocol identifies which data-model protocol a delta belongs to.
// Telemetry deltas are cached by the host as vessel state; resource
// writes must not be, so they carry a distinct version.
type Protocol int

const (
	// ProtocolV1 marks ordinary vessel telemetry.
	ProtocolV1 Protocol = iota + 1
	// ProtocolV2 marks resource-path writes (paths under "resources.").
	ProtocolV2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV1:
		return "v1"
	case ProtocolV2:
		return "v2"
	default:
		return "unknown"
	}
}

// Delta is one guest-emitted update batch handed to the data model.
// Raw is the guest's JSON verbatim; Source is the emitting instance id.
type Delta struct {
	Source  string
	Version Protocol
	Raw     json.RawMessage
}

// DeltaValue is a single path/value pair inside a delta update.
type DeltaValue struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// DeltaUpdate is one update group inside a delta.
type DeltaUpdate struct {
	Values []DeltaValue `json:"values"`
}

type deltaEnvelope struct {
	Context string        `json:"context,omitempty"`
	Updates []DeltaUpdate `json:"updates"`
}

// DeltaPaths extracts every value path from a raw delta document.
// Malformed input yields nil rather than an error; callers that need
// strict validation parse the document themselves.
func DeltaPaths(raw json.RawMessage) []string {
	var env deltaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	var paths []string
	for _, u := range env.Updates {
		for _, v := range u.Values {
			if v.Path != "" {
				paths = append(paths, v.Path)
			}
		}
	}
	return paths
}

// DataModel is the host application's live vessel-data model. The
// runtime consumes it; it never implements it.
type DataModel interface {
	// GetPath resolves a dotted path ("navigation.position") to its
	// current JSON value. The second return is false when the path has
	// no value.
	GetPath(ctx context.Context, path string) (json.RawMessage, bool)

	// Emit applies a guest-emitted delta to the model. The runtime has
	// already tagged the protocol version.
	Emit(ctx context.Context, d Delta) error
}

// ConfigStore persists per-plugin configuration keyed by instance id.
// Load returns (nil, nil) when no configuration has been saved.
type ConfigStore interface {
	Load(id string) (json.RawMessage, error)
	Save(id string, config json.RawMessage) error
}
