package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/seakeel/plugin-runtime/errors"
)

// DefaultContext is the vessel context assumed when a registration or
// request names none.
const DefaultContext = "vessels.self"

// MangleExport derives the guest export serving PUT requests for a
// (context, path) pair. Dots become underscores:
//
//	MangleExport("vessels.self", "steering.autopilot.target")
//	// "handle_put_vessels_self_steering_autopilot_target"
func MangleExport(context, path string) string {
	if context == "" {
		context = DefaultContext
	}
	mangled := strings.ReplaceAll(context+"."+path, ".", "_")
	return "handle_put_" + mangled
}

type putKey struct {
	context string
	path    string
}

// PutRegistry maps writable (context, path) pairs to the instance
// handling PUT requests for them. Safe for concurrent use.
type PutRegistry struct {
	mu    sync.RWMutex
	slots map[putKey]string
}

func NewPutRegistry() *PutRegistry {
	return &PutRegistry{slots: make(map[putKey]string)}
}

// Register claims the (context, path) PUT slot for instance id. The
// mangled handler export must be present on the guest. Ownership
// semantics match Registry.Register.
func (r *PutRegistry) Register(id, context, path string, hasExport func(string) bool) error {
	if path == "" {
		return errors.Registration(id, "empty PUT path", nil)
	}
	if context == "" {
		context = DefaultContext
	}

	export := MangleExport(context, path)
	if hasExport == nil || !hasExport(export) {
		return errors.Registration(id,
			fmt.Sprintf("PUT %s %s", context, path),
			errors.NewMissingExportsError("PUT handler", []string{export}))
	}

	key := putKey{context: context, path: path}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, claimed := r.slots[key]; claimed {
		if owner == id {
			return nil
		}
		return errors.ProtocolViolation(errors.PhaseRegistry, id,
			fmt.Sprintf("PUT %s %s already claimed by %q", context, path, owner))
	}
	r.slots[key] = id
	return nil
}

// Owner returns the instance handling PUTs for (context, path). The
// empty context means DefaultContext.
func (r *PutRegistry) Owner(context, path string) (string, bool) {
	if context == "" {
		context = DefaultContext
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.slots[putKey{context: context, path: path}]
	return id, ok
}

// Paths lists the registered (context, path) pairs owned by id.
func (r *PutRegistry) Paths(id string) [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var pairs [][2]string
	for key, owner := range r.slots {
		if owner == id {
			pairs = append(pairs, [2]string{key.context, key.path})
		}
	}
	return pairs
}

// UnregisterInstance releases every PUT slot owned by id.
func (r *PutRegistry) UnregisterInstance(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, owner := range r.slots {
		if owner == id {
			delete(r.slots, key)
		}
	}
}
