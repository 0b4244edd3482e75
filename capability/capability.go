// Package capability defines the immutable permission set granted to a
// plugin instance at load time.
//
// A Set is built once from the plugin manifest and never mutated; every
// host binding consults it before executing. Sets use value semantics so
// a caller can never reach back into a stored set.
package capability

import (
	"fmt"
)

// Capability names one category of host functionality a plugin may be
// granted.
type Capability string

const (
	DataRead         Capability = "dataRead"
	DataWrite        Capability = "dataWrite"
	Storage          Capability = "storage"
	Network          Capability = "network"
	RawSockets       Capability = "rawSockets"
	HTTPEndpoints    Capability = "httpEndpoints"
	PUTHandlers      Capability = "putHandlers"
	ResourceProvider Capability = "resourceProvider"
	WeatherProvider  Capability = "weatherProvider"
	RadarProvider    Capability = "radarProvider"
)

// All returns every defined capability in declaration order.
func All() []Capability {
	return []Capability{
		DataRead,
		DataWrite,
		Storage,
		Network,
		RawSockets,
		HTTPEndpoints,
		PUTHandlers,
		ResourceProvider,
		WeatherProvider,
		RadarProvider,
	}
}

// StorageMode selects how a plugin's storage directory is resolved.
// The empty string is equivalent to StorageNone.
type StorageMode string

const (
	// StorageNone denies all storage path resolution.
	StorageNone StorageMode = "none"
	// StorageInstance resolves to a directory private to the instance.
	StorageInstance StorageMode = "instance"
	// StorageShared resolves to a directory shared by all plugins.
	StorageShared StorageMode = "shared"
)

// Valid reports whether the mode is one of the defined values.
func (m StorageMode) Valid() bool {
	switch m {
	case "", StorageNone, StorageInstance, StorageShared:
		return true
	}
	return false
}

// Enabled reports whether the mode grants any storage access.
func (m StorageMode) Enabled() bool {
	return m == StorageInstance || m == StorageShared
}

// Set is the validated, immutable capability declaration for one plugin
// instance. Field names mirror the manifest keys.
type Set struct {
	DataRead         bool        `json:"dataRead,omitempty" yaml:"dataRead,omitempty"`
	DataWrite        bool        `json:"dataWrite,omitempty" yaml:"dataWrite,omitempty"`
	Storage          StorageMode `json:"storage,omitempty" yaml:"storage,omitempty"`
	Network          bool        `json:"network,omitempty" yaml:"network,omitempty"`
	RawSockets       bool        `json:"rawSockets,omitempty" yaml:"rawSockets,omitempty"`
	HTTPEndpoints    bool        `json:"httpEndpoints,omitempty" yaml:"httpEndpoints,omitempty"`
	PUTHandlers      bool        `json:"putHandlers,omitempty" yaml:"putHandlers,omitempty"`
	ResourceProvider bool        `json:"resourceProvider,omitempty" yaml:"resourceProvider,omitempty"`
	WeatherProvider  bool        `json:"weatherProvider,omitempty" yaml:"weatherProvider,omitempty"`
	RadarProvider    bool        `json:"radarProvider,omitempty" yaml:"radarProvider,omitempty"`
}

// Allows reports whether the set grants the named capability. Unknown
// capabilities are never granted.
func (s Set) Allows(c Capability) bool {
	switch c {
	case DataRead:
		return s.DataRead
	case DataWrite:
		return s.DataWrite
	case Storage:
		return s.Storage.Enabled()
	case Network:
		return s.Network
	case RawSockets:
		return s.RawSockets
	case HTTPEndpoints:
		return s.HTTPEndpoints
	case PUTHandlers:
		return s.PUTHandlers
	case ResourceProvider:
		return s.ResourceProvider
	case WeatherProvider:
		return s.WeatherProvider
	case RadarProvider:
		return s.RadarProvider
	}
	return false
}

// Validate checks the set against the capability schema.
func (s Set) Validate() error {
	if !s.Storage.Valid() {
		return fmt.Errorf("unknown storage mode %q", s.Storage)
	}
	return nil
}
