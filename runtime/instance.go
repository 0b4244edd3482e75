package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/seakeel/plugin-runtime/bridge"
	"github.com/seakeel/plugin-runtime/capability"
	"github.com/seakeel/plugin-runtime/engine"
	"github.com/seakeel/plugin-runtime/host"
	"github.com/seakeel/plugin-runtime/manifest"
)

// guest is the live module surface the manager drives.
// *engine.Instance satisfies it.
type guest interface {
	bridge.Instance
	Close(ctx context.Context) error
}

// Instance is one supervised plugin. Lifecycle transitions and guest
// calls all go through the owning Manager, which holds mu for the
// duration of every call so no two exports of the same instance run
// concurrently.
type Instance struct {
	man     *manifest.Manifest
	modName string
	caps    capability.Set
	conv    bridge.Convention

	// mu is the call mutex: guest calls, lifecycle transitions, and
	// teardown hold it. Suspended calls keep holding it, which is how
	// "no other entry point while suspended" is enforced.
	mu sync.Mutex

	module    *engine.Module
	guest     guest
	sched     *bridge.Scheduler
	br        bridge.Bridge
	hostState *host.State

	config   json.RawMessage
	pollStop chan struct{}
	retry    timer
	crashes  []time.Time

	// obs guards the snapshot fields below so Info and the status
	// bindings work while a call is in flight on mu.
	obs     sync.Mutex
	id      string
	state   State
	name    string
	schema  string
	status  string
	errText string
	exports []string
	routes  []string
}

// ID returns the instance id. The guest's own exported identifier wins
// over the manifest id when the two differ at load time.
func (i *Instance) ID() string {
	i.obs.Lock()
	defer i.obs.Unlock()
	return i.id
}

// Caps returns the capability grant built from the manifest.
func (i *Instance) Caps() capability.Set { return i.caps }

// Manifest returns the manifest the instance was loaded from.
func (i *Instance) Manifest() *manifest.Manifest { return i.man }

// Convention reports the memory convention probed at load time.
func (i *Instance) Convention() bridge.Convention { return i.conv }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.obs.Lock()
	defer i.obs.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.obs.Lock()
	i.state = s
	i.obs.Unlock()
}

// Name returns the guest's self-reported display name.
func (i *Instance) Name() string {
	i.obs.Lock()
	defer i.obs.Unlock()
	return i.name
}

// Schema returns the configuration schema the guest exported at load
// time, as raw JSON Schema text.
func (i *Instance) Schema() string {
	i.obs.Lock()
	defer i.obs.Unlock()
	return i.schema
}

// SetStatus records guest status text. The sk_set_status binding
// calls it mid-export.
func (i *Instance) SetStatus(text string) {
	i.obs.Lock()
	i.status = text
	i.obs.Unlock()
}

// SetError records guest error text.
func (i *Instance) SetError(text string) {
	i.obs.Lock()
	i.errText = text
	i.obs.Unlock()
}

// Status returns the guest's last reported status text.
func (i *Instance) Status() string {
	i.obs.Lock()
	defer i.obs.Unlock()
	return i.status
}

// LastError returns the most recent guest-reported or crash error
// text, empty after a clean start.
func (i *Instance) LastError() string {
	i.obs.Lock()
	defer i.obs.Unlock()
	return i.errText
}

// Info snapshots the instance.
func (i *Instance) Info() Info {
	i.obs.Lock()
	defer i.obs.Unlock()
	return Info{
		ID:        i.id,
		Name:      i.name,
		State:     i.state,
		Status:    i.status,
		Error:     i.errText,
		Exports:   append([]string(nil), i.exports...),
		Endpoints: append([]string(nil), i.routes...),
	}
}

// hasExport answers registry export checks against the live guest.
// Registration happens inside a guest call, so reading the guest here
// is already serialized by mu.
func (i *Instance) hasExport(name string) bool {
	if i.guest == nil {
		return false
	}
	return i.guest.HasExport(name)
}

func (i *Instance) cancelRetry() {
	if i.retry != nil {
		i.retry.Stop()
		i.retry = nil
	}
}

// providerAdapter closes over the live guest so the provider registry
// can verify handler exports at claim time.
type providerAdapter struct {
	m    *Manager
	inst *Instance
}

func (a *providerAdapter) Register(plugin, kind, typ string) error {
	return a.m.providers.Register(plugin, kind, typ, a.inst.hasExport)
}

// putAdapter does the same for PUT handler claims.
type putAdapter struct {
	m    *Manager
	inst *Instance
}

func (a *putAdapter) RegisterPut(plugin, vctx, path string) error {
	return a.m.puts.Register(plugin, vctx, path, a.inst.hasExport)
}
