package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seakeel/plugin-runtime/errors"
)

// Provider kinds. The kind selects the handler export set a guest must
// carry; the type distinguishes slots within a kind (a resource type
// like "routes", a weather provider name, a radar id).
const (
	KindResource = "resource"
	KindWeather  = "weather"
	KindRadar    = "radar"
)

var kindExports = map[string][]string{
	KindResource: {
		"resource_list",
		"resource_get",
		"resource_set",
		"resource_delete",
	},
	KindWeather: {
		"weather_get_observations",
		"weather_get_forecasts",
		"weather_get_warnings",
	},
	KindRadar: {
		"radar_get_radars",
		"radar_get_info",
		"radar_set_power",
		"radar_set_range",
		"radar_set_gain",
	},
}

// RequiredExports returns the handler exports a guest must provide to
// serve the given kind, nil for unknown kinds.
func RequiredExports(kind string) []string {
	return kindExports[kind]
}

type slotKey struct {
	kind string
	typ  string
}

// Registry maps (kind, type) slots to their owning instance id. Safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	owners map[slotKey]string
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[slotKey]string)}
}

// Register claims (kind, typ) for instance id. The guest must export
// every handler the kind requires; hasExport answers for the claiming
// instance. A slot owned by another instance cannot be taken over;
// re-claiming one's own slot is a no-op.
func (r *Registry) Register(id, kind, typ string, hasExport func(string) bool) error {
	required := RequiredExports(kind)
	if required == nil {
		return errors.Registration(id, fmt.Sprintf("unknown provider kind %q", kind), nil)
	}
	if typ == "" {
		return errors.Registration(id, fmt.Sprintf("empty %s provider type", kind), nil)
	}

	var missing []string
	for _, name := range required {
		if hasExport == nil || !hasExport(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Registration(id,
			fmt.Sprintf("%s provider %q", kind, typ),
			errors.NewMissingExportsError(kind+" provider", missing))
	}

	key := slotKey{kind: kind, typ: typ}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, claimed := r.owners[key]; claimed {
		if owner == id {
			return nil
		}
		return errors.ProtocolViolation(errors.PhaseRegistry, id,
			fmt.Sprintf("%s provider %q already claimed by %q", kind, typ, owner))
	}
	r.owners[key] = id
	return nil
}

// Owner returns the instance owning (kind, typ).
func (r *Registry) Owner(kind, typ string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[slotKey{kind: kind, typ: typ}]
	return id, ok
}

// Types lists the claimed types for a kind, sorted.
func (r *Registry) Types(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var types []string
	for key := range r.owners {
		if key.kind == kind {
			types = append(types, key.typ)
		}
	}
	sort.Strings(types)
	return types
}

// UnregisterInstance releases every slot owned by id.
func (r *Registry) UnregisterInstance(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, owner := range r.owners {
		if owner == id {
			delete(r.owners, key)
		}
	}
}
