// Package engine provides the low-level WebAssembly execution layer.
//
// This package wraps wazero to compile and instantiate core wasm
// modules, expose host functions to guests, and hand out bounds-checked
// access to guest linear memory.
//
// # Architecture
//
// The engine package provides three main types:
//
//	Engine   - One wazero runtime shared by all plugins of a manager
//	Module   - A compiled module plus its static export/import scan
//	Instance - A running module instance with cached export lookups
//
// # Instantiation Flow
//
//  1. Engine.Compile() scans and compiles the module binary
//  2. Engine.InstantiateHost() exposes the host binding table
//  3. Engine.InitWASI() instantiates wasi_snapshot_preview1
//  4. Module.Instantiate() creates a live Instance
//  5. Instance.Call() invokes guest exports with raw stack values
//
// Host modules and WASI must exist on the runtime before the first
// guest instantiates, because guest imports resolve at instantiation
// time.
//
// # Limits and Teardown
//
// Guest memory is capped with WithMemoryLimitPages (default 64MB).
// The runtime is built with close-on-context-done, so a deadline on the
// context passed to Instance.Call interrupts a hung guest; the call
// returns an error and the instance is discarded rather than resumed.
package engine
