// Package pluginruntime provides a host-side runtime for sandboxed
// WebAssembly plugins on a vessel data server.
//
// Plugins are untrusted core Wasm modules. The runtime loads them, gates
// every host function they can reach behind a declared capability set,
// marshals strings across the guest memory boundary, drives an
// asyncify-based suspend/resume protocol for guest calls that block on
// I/O, and supervises the full lifecycle: start, stop, hot reload with
// event buffering, and crash recovery with exponential backoff.
//
// # Architecture Overview
//
// The module is organized into several packages with distinct responsibilities:
//
//	pluginruntime/       Root package with shared Memory and collaborator interfaces
//	├── runtime/         Lifecycle manager: load, start, stop, reload, crash recovery
//	├── engine/          Low-level wazero integration and instance management
//	├── bridge/          Guest string marshaling conventions and the async scheduler
//	├── host/            Capability-gated host binding table ("env" imports)
//	├── subscription/    Data-model event routing with reload buffering
//	├── provider/        Resource, weather and radar provider registries, PUT slots
//	├── endpoint/        HTTP endpoint registration and dispatch
//	├── capability/      Immutable per-plugin capability sets
//	├── manifest/        Plugin manifest parsing and validation
//	├── wasm/            Static Wasm binary scanning (exports, imports)
//	└── errors/          Structured error types driving supervision decisions
//
// # Quick Start
//
// Load and start a plugin:
//
//	mgr, err := runtime.NewManager(ctx, runtime.Deps{Model: model, Config: store})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close(ctx)
//
//	man, err := manifest.Load("anchor-alarm/plugin.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	code, _ := os.ReadFile(man.Entry)
//
//	inst, err := mgr.Load(ctx, man, code)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := mgr.Start(ctx, inst.ID(), nil); err != nil {
//	    log.Fatal(err)
//	}
//
// Host data-model events reach running plugins through the subscription
// router; external HTTP requests reach them through the endpoint router.
// Both are injected into the manager and torn down with it.
//
// # Thread Safety
//
// Manager, the registries and the routers are safe for concurrent use.
// Each plugin instance executes at most one exported function at a time;
// calls from different instances never serialize behind each other.
//
// # Memory Model
//
// Guest linear memory can only grow, never shrink. Stopping an instance
// releases its memory entirely; reload builds a fresh instance rather
// than reusing the old one.
package pluginruntime
