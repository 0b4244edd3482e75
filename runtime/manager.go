package runtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	pluginruntime "github.com/seakeel/plugin-runtime"
	"github.com/seakeel/plugin-runtime/bridge"
	"github.com/seakeel/plugin-runtime/capability"
	"github.com/seakeel/plugin-runtime/endpoint"
	"github.com/seakeel/plugin-runtime/engine"
	"github.com/seakeel/plugin-runtime/errors"
	"github.com/seakeel/plugin-runtime/host"
	"github.com/seakeel/plugin-runtime/manifest"
	"github.com/seakeel/plugin-runtime/provider"
	"github.com/seakeel/plugin-runtime/subscription"
)

// lifecycleExports every plugin must carry, next to the memory
// convention exports probed by the bridge.
var lifecycleExports = []string{
	"plugin_id",
	"plugin_name",
	"plugin_schema",
	"plugin_start",
	"plugin_stop",
}

const (
	// DefaultCallTimeout bounds a single guest call. The engine closes
	// the module when the deadline passes, so a hung export surfaces
	// as a timeout instead of blocking its worker forever.
	DefaultCallTimeout = 30 * time.Second

	// DefaultPollInterval is the plugin_poll cadence while running.
	DefaultPollInterval = time.Second

	// crashWindow is the rolling window crash counts age out of.
	crashWindow = 5 * time.Minute

	// maxCrashes in the window before the next crash disables the
	// instance.
	maxCrashes = 3
)

// Deps are the collaborators a Manager operates on. Model and Config
// are required. Nil registries get manager-private ones, so
// independent managers in one process never share slots.
type Deps struct {
	Model  pluginruntime.DataModel
	Config pluginruntime.ConfigStore

	// Providers and Puts may be shared with other consumers; nil
	// means private.
	Providers *provider.Registry
	Puts      *provider.PutRegistry

	// DataDir roots per-plugin storage. Empty leaves
	// sk_get_storage_path unserved.
	DataDir string

	// HTTP and UDP carry outbound guest traffic. Nil selects the
	// defaults in package host.
	HTTP host.HTTPDoer
	UDP  host.UDPSender

	Log *zap.Logger

	// CallTimeout, PollInterval, and BufferCap override the package
	// defaults when positive.
	CallTimeout  time.Duration
	PollInterval time.Duration
	BufferCap    int
}

// Manager supervises plugin instances. One Manager owns one engine,
// so the host module and WASI are instantiated once and compiled code
// is cached across reloads.
type Manager struct {
	eng    *engine.Engine
	model  pluginruntime.DataModel
	config pluginruntime.ConfigStore

	providers  *provider.Registry
	puts       *provider.PutRegistry
	dispatcher *provider.Dispatcher
	endpoints  *endpoint.Router
	subs       *subscription.Router

	dataDir string
	httpc   host.HTTPDoer
	udp     host.UDPSender
	log     *zap.Logger

	callTimeout  time.Duration
	pollInterval time.Duration

	clk      clock
	newGuest func(ctx context.Context, inst *Instance) (guest, error)

	mu        sync.RWMutex
	instances map[string]*Instance
	closed    bool
}

// NewManager creates a manager with its own engine, host module, and
// routers. ctx scopes engine setup only.
func NewManager(ctx context.Context, deps Deps) (*Manager, error) {
	if deps.Model == nil || deps.Config == nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "manager requires a data model and a config store")
	}

	eng, err := engine.New(ctx)
	if err != nil {
		return nil, errors.Load("create engine", err)
	}
	if err := eng.InitWASI(ctx); err != nil {
		eng.Close(ctx)
		return nil, errors.Load("instantiate wasi", err)
	}
	if err := host.Instantiate(ctx, eng); err != nil {
		eng.Close(ctx)
		return nil, errors.Load("instantiate host module", err)
	}

	m := &Manager{
		eng:          eng,
		model:        deps.Model,
		config:       deps.Config,
		providers:    deps.Providers,
		puts:         deps.Puts,
		dataDir:      deps.DataDir,
		httpc:        deps.HTTP,
		udp:          deps.UDP,
		log:          deps.Log,
		callTimeout:  deps.CallTimeout,
		pollInterval: deps.PollInterval,
		clk:          systemClock{},
		instances:    make(map[string]*Instance),
	}
	m.newGuest = m.instantiate
	if m.providers == nil {
		m.providers = provider.NewRegistry()
	}
	if m.puts == nil {
		m.puts = provider.NewPutRegistry()
	}
	if m.log == nil {
		m.log = engine.Logger()
	}
	if m.callTimeout <= 0 {
		m.callTimeout = DefaultCallTimeout
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}

	m.dispatcher = provider.NewDispatcher(m.providers, m.puts, m)
	m.endpoints = endpoint.NewRouter(m, &endpoint.Options{
		OnError: func(id string, err error) {
			m.log.Warn("endpoint handler failed", zap.String("plugin", id), zap.Error(err))
		},
	})

	bufCap := deps.BufferCap
	if bufCap <= 0 {
		bufCap = subscription.DefaultBufferCap
	}
	m.subs = subscription.NewRouter(m.deliver, &subscription.Options{
		BufferCap: bufCap,
		OnDrop: func(id string, ev subscription.Event) {
			m.log.Warn("event dropped", zap.String("plugin", id), zap.Strings("paths", ev.Paths))
		},
		OnError: func(id string, ev subscription.Event, err error) {
			m.log.Warn("event delivery failed", zap.String("plugin", id), zap.Error(err))
		},
	})
	return m, nil
}

// Handler returns the HTTP handler serving registered plugin
// endpoints, mountable under the host application's mux.
func (m *Manager) Handler() http.Handler { return m.endpoints }

// Dispatch returns the typed provider dispatcher backed by this
// manager's registries and instances.
func (m *Manager) Dispatch() *provider.Dispatcher { return m.dispatcher }

// Intercept claims an endpoint route for the host, ahead of guest
// dispatch. A nil handler releases the claim.
func (m *Manager) Intercept(method, path string, h http.Handler) {
	m.endpoints.Intercept(method, path, h)
}

// Get returns the instance registered under id.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// List snapshots every instance, ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Info())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *Manager) get(phase errors.Phase, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, errors.NotFound(phase, "plugin", id)
	}
	return inst, nil
}

// Load validates, compiles, and instantiates a plugin without calling
// its lifecycle exports. Identity metadata is read and reconciled
// here: the guest's exported id wins over the manifest id when they
// differ. The instance is left in the loading state, ready for Start.
func (m *Manager) Load(ctx context.Context, man *manifest.Manifest, code []byte) (*Instance, error) {
	if man == nil {
		return nil, errors.Manifest("nil manifest", nil)
	}
	if err := man.Validate(); err != nil {
		return nil, err
	}

	mod, err := m.eng.Compile(ctx, code)
	if err != nil {
		return nil, err
	}
	scan := mod.Scan()
	if missing := scan.Missing(lifecycleExports...); len(missing) > 0 {
		mod.Close(ctx)
		return nil, errors.Load("missing lifecycle exports",
			errors.NewMissingExportsError("plugin lifecycle", missing))
	}
	conv, err := bridge.Probe(scan)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}

	inst := &Instance{
		man:     man,
		modName: man.ID,
		caps:    man.Capabilities,
		conv:    conv,
		id:      man.ID,
		state:   StateLoading,
		exports: scan.ExportedFuncs(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		mod.Close(ctx)
		return nil, errors.Load("manager closed", nil)
	}
	if _, exists := m.instances[man.ID]; exists {
		m.mu.Unlock()
		mod.Close(ctx)
		return nil, errors.Load(fmt.Sprintf("plugin %q already loaded", man.ID), nil)
	}
	m.instances[man.ID] = inst
	m.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.module = mod

	if err := m.loadLocked(ctx, inst); err != nil {
		m.teardownLocked(ctx, inst, false)
		inst.module.Close(ctx)
		inst.module = nil
		inst.setState(StateUnloaded)
		m.mu.Lock()
		delete(m.instances, inst.ID())
		m.mu.Unlock()
		return nil, err
	}
	return inst, nil
}

func (m *Manager) loadLocked(ctx context.Context, inst *Instance) error {
	if err := m.spawn(ctx, inst); err != nil {
		return err
	}
	if err := m.readIdentity(ctx, inst); err != nil {
		return err
	}

	cfg, err := m.config.Load(inst.ID())
	if err != nil {
		m.log.Warn("load saved config", zap.String("plugin", inst.ID()), zap.Error(err))
	} else if cfg != nil {
		inst.config = cfg
	}

	m.log.Info("plugin loaded",
		zap.String("plugin", inst.ID()),
		zap.String("convention", inst.conv.String()))
	return nil
}

// spawn builds the per-instance host state and brings up a fresh guest
// with its scheduler and bridge. Caller holds inst.mu.
func (m *Manager) spawn(ctx context.Context, inst *Instance) error {
	st := &host.State{
		PluginID:  inst.ID(),
		Caps:      inst.caps,
		DataDir:   m.dataDir,
		Log:       m.log,
		Data:      m.model,
		Status:    inst,
		Subs:      m.subs,
		Providers: &providerAdapter{m: m, inst: inst},
		Puts:      &putAdapter{m: m, inst: inst},
		HTTP:      m.httpc,
		UDP:       m.udp,
	}
	inst.hostState = st

	g, err := m.newGuest(ctx, inst)
	if err != nil {
		return err
	}
	sched, err := bridge.NewScheduler(g, nil)
	if err != nil {
		g.Close(ctx)
		return errors.Load("initialize scheduler", err)
	}
	inst.guest = g
	inst.sched = sched
	inst.br = bridge.New(inst.conv, g, sched, nil)
	return nil
}

// instantiate is the production newGuest: it instantiates the compiled
// module under the instance's host state, with the call deadline
// covering any _initialize work.
func (m *Manager) instantiate(ctx context.Context, inst *Instance) (guest, error) {
	cctx, cancel := context.WithTimeout(host.WithState(ctx, inst.hostState), m.callTimeout)
	defer cancel()
	g, err := inst.module.Instantiate(cctx, inst.modName)
	if err != nil {
		return nil, errors.Load("instantiate module", err)
	}
	return g, nil
}

// readIdentity pulls plugin_id, plugin_name, and plugin_schema from
// the guest and reconciles the id against the manifest.
func (m *Manager) readIdentity(ctx context.Context, inst *Instance) error {
	id, err := m.readMeta(ctx, inst, "plugin_id")
	if err != nil {
		return err
	}
	name, err := m.readMeta(ctx, inst, "plugin_name")
	if err != nil {
		return err
	}
	schema, err := m.readMeta(ctx, inst, "plugin_schema")
	if err != nil {
		return err
	}

	inst.obs.Lock()
	inst.name = name
	inst.schema = schema
	inst.obs.Unlock()

	id = strings.TrimSpace(id)
	if id == "" || id == inst.ID() {
		return nil
	}

	m.log.Info("plugin identity differs from manifest",
		zap.String("manifest", inst.ID()), zap.String("plugin", id))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[id]; exists {
		return errors.Load(fmt.Sprintf("plugin %q already loaded", id), nil)
	}
	delete(m.instances, inst.ID())
	inst.obs.Lock()
	inst.id = id
	inst.obs.Unlock()
	inst.hostState.PluginID = id
	m.instances[id] = inst
	return nil
}

func (m *Manager) readMeta(ctx context.Context, inst *Instance, export string) (string, error) {
	cctx, cancel := m.callCtx(ctx, inst)
	defer cancel()
	out, err := inst.br.ReadString(cctx, export)
	if err != nil {
		return "", errors.Load("read "+export, err)
	}
	return out, nil
}

// Start runs the guest's start export and brings the instance to
// running. A nil config starts with the saved configuration; an
// explicit config is persisted first. Starting a disabled instance is
// the manual re-enable path: a failure there surfaces the error and
// unloads the instance instead of re-entering crash recovery.
func (m *Manager) Start(ctx context.Context, id string, config json.RawMessage) error {
	inst, err := m.get(errors.PhaseStart, id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.State() {
	case StateRunning:
		return errors.InvalidInput(errors.PhaseStart, fmt.Sprintf("plugin %q already running", id))
	case StateStopping:
		return errors.InvalidInput(errors.PhaseStart, fmt.Sprintf("plugin %q is stopping", id))
	}
	if inst.module == nil {
		return errors.NotFound(errors.PhaseStart, "loaded module for plugin", id)
	}
	manualEnable := inst.State() == StateDisabled
	inst.cancelRetry()

	if config != nil {
		if err := m.config.Save(inst.ID(), config); err != nil {
			m.log.Warn("save config", zap.String("plugin", inst.ID()), zap.Error(err))
		}
		inst.config = config
	}

	err = m.startLocked(ctx, inst)
	if err == nil {
		return nil
	}
	if manualEnable {
		// Manual re-enable after a disable. The failure surfaces to
		// the operator and the record is released; recovering needs a
		// fresh Load.
		m.teardownLocked(ctx, inst, false)
		inst.module.Close(ctx)
		inst.module = nil
		inst.setState(StateUnloaded)
		m.mu.Lock()
		delete(m.instances, inst.ID())
		m.mu.Unlock()
		m.log.Error("manual start failed, plugin unloaded",
			zap.String("plugin", inst.ID()), zap.Error(err))
		return err
	}
	m.crashLocked(ctx, inst, err)
	return err
}

// startLocked runs the start sequence against a live or freshly
// spawned guest: plugin_start with the configuration, then endpoint
// registration, then the poll ticker. Caller holds inst.mu.
func (m *Manager) startLocked(ctx context.Context, inst *Instance) error {
	inst.setState(StateLoading)
	if inst.guest == nil {
		if err := m.spawn(ctx, inst); err != nil {
			return err
		}
	}

	cfg := inst.config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}

	status, err := m.callStatus(ctx, inst, "plugin_start", cfg)
	if err != nil {
		return err
	}
	if status != 0 {
		return errors.New(errors.PhaseStart, errors.KindGuestTrap).
			Plugin(inst.ID()).
			Export("plugin_start").
			Detail("start returned status %d", status).
			Build()
	}

	if err := m.registerEndpoints(ctx, inst); err != nil {
		return err
	}

	if inst.guest.HasExport("plugin_poll") {
		stop := make(chan struct{})
		inst.pollStop = stop
		go m.poll(inst, stop)
	}

	inst.setState(StateRunning)
	inst.SetError("")
	m.log.Info("plugin started", zap.String("plugin", inst.ID()))
	return nil
}

// registerEndpoints reads the guest's endpoint declaration and claims
// its routes, synchronously after plugin_start so the guest is fully
// initialized before the first request can arrive. A failed claim
// fails the start.
func (m *Manager) registerEndpoints(ctx context.Context, inst *Instance) error {
	if !inst.guest.HasExport("http_endpoints") {
		return nil
	}
	if !inst.caps.Allows(capability.HTTPEndpoints) {
		m.log.Warn("endpoint declaration ignored",
			zap.String("plugin", inst.ID()),
			zap.String("capability", string(capability.HTTPEndpoints)))
		return nil
	}

	cctx, cancel := m.callCtx(ctx, inst)
	raw, err := inst.br.ReadString(cctx, "http_endpoints")
	cancel()
	if err != nil {
		return m.classify(cctx, inst, "http_endpoints", err)
	}

	eps, err := endpoint.ParseEndpoints(raw)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return nil
	}
	if err := m.endpoints.Register(inst.ID(), eps, inst.hasExport); err != nil {
		return err
	}

	inst.obs.Lock()
	inst.routes = m.endpoints.Routes(inst.id)
	inst.obs.Unlock()
	return nil
}

// Stop halts a running instance, invoking plugin_stop before its
// registrations and memory are released. Stopping an instance that is
// not running is a no-op; a pending crash retry is cancelled either
// way.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(errors.PhaseStop, id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	m.stopLocked(ctx, inst, false)
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, inst *Instance, keepSubs bool) {
	inst.cancelRetry()

	if inst.State() != StateRunning {
		// Already torn down; a crashed instance just quiesces.
		if inst.State() == StateCrashed {
			inst.setState(StateUnloaded)
		}
		return
	}

	inst.setState(StateStopping)
	if status, err := m.callNullary(ctx, inst, "plugin_stop"); err != nil {
		m.log.Warn("stop export failed", zap.String("plugin", inst.ID()), zap.Error(err))
	} else if status != 0 {
		m.log.Warn("stop returned status",
			zap.String("plugin", inst.ID()), zap.Int32("status", status))
	}
	m.teardownLocked(ctx, inst, keepSubs)
	inst.setState(StateUnloaded)
	m.log.Info("plugin stopped", zap.String("plugin", inst.ID()))
}

// teardownLocked releases a live guest and its registrations. With
// keepSubs the subscription entry survives, so a reload can buffer
// and replay events across the gap. Idempotent; caller holds inst.mu.
func (m *Manager) teardownLocked(ctx context.Context, inst *Instance, keepSubs bool) {
	if inst.pollStop != nil {
		close(inst.pollStop)
		inst.pollStop = nil
	}

	id := inst.ID()
	m.endpoints.UnregisterInstance(id)
	m.providers.UnregisterInstance(id)
	m.puts.UnregisterInstance(id)
	if !keepSubs {
		m.subs.Unsubscribe(id)
	}

	if inst.guest != nil {
		if err := inst.guest.Close(ctx); err != nil {
			m.log.Warn("close instance", zap.String("plugin", id), zap.Error(err))
		}
		inst.guest = nil
	}
	inst.sched = nil
	inst.br = nil

	inst.obs.Lock()
	inst.routes = nil
	inst.obs.Unlock()
}

// Unload stops the instance if needed and discards its compiled
// module and its record.
func (m *Manager) Unload(ctx context.Context, id string) error {
	inst, err := m.get(errors.PhaseStop, id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	m.stopLocked(ctx, inst, false)
	m.teardownLocked(ctx, inst, false)
	if inst.module != nil {
		inst.module.Close(ctx)
		inst.module = nil
	}
	inst.setState(StateUnloaded)
	inst.mu.Unlock()

	m.mu.Lock()
	delete(m.instances, inst.ID())
	m.mu.Unlock()
	m.log.Info("plugin unloaded", zap.String("plugin", id))
	return nil
}

// Reload swaps an instance's bytecode without losing events: delivery
// buffers while the old guest stops and the new one starts, then the
// backlog replays in publish order before live delivery resumes. Nil
// code reuses the loaded module. A failed reload leaves the instance
// crashed; there is no rollback to the old binary.
func (m *Manager) Reload(ctx context.Context, id string, code []byte) error {
	inst, err := m.get(errors.PhaseLoad, id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.State() != StateRunning {
		return errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("plugin %q not running", id))
	}

	m.subs.BeginBuffering(inst.ID())
	m.stopLocked(ctx, inst, true)

	if code != nil {
		if err := m.replaceModule(ctx, inst, code); err != nil {
			// The new bytecode is unusable and the old guest is
			// already gone. Crashed without a retry: recovery would
			// just reinstantiate the binary we were asked to replace.
			m.subs.Unsubscribe(inst.ID())
			inst.setState(StateCrashed)
			inst.SetError(err.Error())
			return err
		}
	}

	if err := m.startLocked(ctx, inst); err != nil {
		m.crashLocked(ctx, inst, err)
		return err
	}

	m.subs.EndBuffering(inst.ID())
	m.log.Info("plugin reloaded", zap.String("plugin", inst.ID()))
	return nil
}

func (m *Manager) replaceModule(ctx context.Context, inst *Instance, code []byte) error {
	mod, err := m.eng.Compile(ctx, code)
	if err != nil {
		return err
	}
	scan := mod.Scan()
	if missing := scan.Missing(lifecycleExports...); len(missing) > 0 {
		mod.Close(ctx)
		return errors.Load("missing lifecycle exports",
			errors.NewMissingExportsError("plugin lifecycle", missing))
	}
	conv, err := bridge.Probe(scan)
	if err != nil {
		mod.Close(ctx)
		return err
	}

	if inst.module != nil {
		inst.module.Close(ctx)
	}
	inst.module = mod
	inst.conv = conv
	inst.obs.Lock()
	inst.exports = scan.ExportedFuncs()
	inst.obs.Unlock()
	return nil
}

// crashLocked tears the guest down and schedules recovery: the nth
// crash inside the rolling window waits 2^(n-1) seconds before a
// restart, and past maxCrashes the instance is disabled until an
// operator starts it again. Caller holds inst.mu.
func (m *Manager) crashLocked(ctx context.Context, inst *Instance, cause error) {
	inst.SetError(cause.Error())
	m.teardownLocked(ctx, inst, false)

	now := m.clk.Now()
	kept := inst.crashes[:0]
	for _, t := range inst.crashes {
		if now.Sub(t) <= crashWindow {
			kept = append(kept, t)
		}
	}
	inst.crashes = append(kept, now)
	n := len(inst.crashes)

	if n > maxCrashes {
		inst.setState(StateDisabled)
		m.log.Error("plugin disabled after repeated crashes",
			zap.String("plugin", inst.ID()),
			zap.Int("crashes", n),
			zap.Error(cause))
		return
	}

	delay := time.Duration(1<<(n-1)) * time.Second
	inst.setState(StateCrashed)
	m.log.Error("plugin crashed",
		zap.String("plugin", inst.ID()),
		zap.Int("crash", n),
		zap.Duration("retry_in", delay),
		zap.Error(cause))

	id := inst.ID()
	inst.retry = m.clk.AfterFunc(delay, func() { m.restart(id) })
}

// restart is the crash recovery entry, invoked from the backoff timer.
func (m *Manager) restart(id string) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	closed := m.closed
	m.mu.RUnlock()
	if !ok || closed {
		return
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.retry = nil
	if inst.State() != StateCrashed {
		// Stopped or disabled while the timer was pending.
		return
	}

	ctx := context.Background()
	m.log.Info("restarting plugin", zap.String("plugin", id))
	if err := m.startLocked(ctx, inst); err != nil {
		m.crashLocked(ctx, inst, err)
	}
}

// CallString routes a dispatch request to a running instance. It is
// the Invoker behind the endpoint router and the Caller behind the
// provider dispatcher, so a trap anywhere in guest handler code lands
// in the same crash recovery as lifecycle calls.
func (m *Manager) CallString(ctx context.Context, id, export, input string) (string, error) {
	inst, err := m.get(errors.PhaseDispatch, id)
	if err != nil {
		return "", err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.State() != StateRunning {
		return "", errors.ProtocolViolation(errors.PhaseDispatch, id,
			fmt.Sprintf("instance is %s, not running", inst.State()))
	}

	cctx, cancel := m.callCtx(ctx, inst)
	defer cancel()
	out, err := inst.br.CallString(cctx, export, []byte(input))
	if err != nil {
		err = m.classify(cctx, inst, export, err)
		if errors.IsCrash(err) {
			m.crashLocked(ctx, inst, err)
		}
		return "", err
	}
	return out, nil
}

// PublishDelta fans one data model change out to subscribed instances
// and reports how many matched. The host application calls it for
// every change plugins may observe.
func (m *Manager) PublishDelta(raw json.RawMessage) int {
	return m.subs.Publish(subscription.Event{
		Paths: pluginruntime.DeltaPaths(raw),
		Raw:   raw,
	})
}

// deliver hands one event to an instance's delta handler. It runs on
// the instance's subscription worker.
func (m *Manager) deliver(ctx context.Context, id string, ev subscription.Event) error {
	inst, err := m.get(errors.PhaseDispatch, id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.State() != StateRunning || inst.guest == nil {
		// The instance went away between queueing and delivery.
		return nil
	}
	if !inst.guest.HasExport("delta_handler") {
		return nil
	}

	status, err := m.callStatus(ctx, inst, "delta_handler", ev.Raw)
	if err != nil {
		if errors.IsCrash(err) {
			m.crashLocked(ctx, inst, err)
		}
		return err
	}
	if status != 0 {
		m.log.Debug("delta handler status",
			zap.String("plugin", id), zap.Int32("status", status))
	}
	return nil
}

// poll drives the optional plugin_poll export on a fixed cadence. A
// non-zero status is logged, not escalated; a trap crashes the
// instance like any other export failure.
func (m *Manager) poll(inst *Instance, stop chan struct{}) {
	t := time.NewTicker(m.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}

		inst.mu.Lock()
		if inst.State() != StateRunning || inst.guest == nil {
			inst.mu.Unlock()
			return
		}
		status, err := m.callNullary(context.Background(), inst, "plugin_poll")
		if err != nil {
			if errors.IsCrash(err) {
				m.crashLocked(context.Background(), inst, err)
			}
			inst.mu.Unlock()
			return
		}
		if status != 0 {
			m.log.Warn("poll returned status",
				zap.String("plugin", inst.ID()), zap.Int32("status", status))
		}
		inst.mu.Unlock()
	}
}

// Close stops every instance and releases the engine. The manager is
// unusable afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range insts {
		inst.mu.Lock()
		m.stopLocked(ctx, inst, false)
		m.teardownLocked(ctx, inst, false)
		if inst.module != nil {
			inst.module.Close(ctx)
			inst.module = nil
		}
		inst.mu.Unlock()
	}
	m.subs.Close()
	return m.eng.Close(ctx)
}

// callCtx attaches the instance's host state and the hard call
// deadline.
func (m *Manager) callCtx(ctx context.Context, inst *Instance) (context.Context, context.CancelFunc) {
	return context.WithTimeout(host.WithState(ctx, inst.hostState), m.callTimeout)
}

func (m *Manager) callStatus(ctx context.Context, inst *Instance, export string, input []byte) (int32, error) {
	cctx, cancel := m.callCtx(ctx, inst)
	defer cancel()
	status, err := inst.br.CallStatus(cctx, export, input)
	if err != nil {
		return 0, m.classify(cctx, inst, export, err)
	}
	return status, nil
}

func (m *Manager) callNullary(ctx context.Context, inst *Instance, export string) (int32, error) {
	cctx, cancel := m.callCtx(ctx, inst)
	defer cancel()
	status, err := inst.br.CallNullary(cctx, export)
	if err != nil {
		return 0, m.classify(cctx, inst, export, err)
	}
	return status, nil
}

// classify maps raw call failures onto the supervision taxonomy.
// Already-classified errors pass through; a dead call context means
// the engine tore the module down mid-call, which is a timeout.
func (m *Manager) classify(cctx context.Context, inst *Instance, export string, err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || cctx.Err() != nil {
		return errors.Timeout(inst.ID(), export, err)
	}
	return errors.GuestTrap(inst.ID(), export, err)
}
