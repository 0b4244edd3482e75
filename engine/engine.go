package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/seakeel/plugin-runtime/errors"
	"github.com/seakeel/plugin-runtime/wasm"
)

// DefaultMemoryLimitPages caps guest linear memory at 64MB unless
// configured otherwise (one page is 64KB).
const DefaultMemoryLimitPages = 1024

// Config controls runtime-wide limits shared by every module compiled
// on the same Engine.
type Config struct {
	// MemoryLimitPages caps each instance's linear memory, in 64KB
	// pages. Zero means DefaultMemoryLimitPages.
	MemoryLimitPages uint32
}

// Engine wraps a single wazero runtime. All plugins managed together
// share one Engine so the host module and WASI are instantiated once
// and compiled code is cached per runtime.
type Engine struct {
	runtime      wazero.Runtime
	wasiInitMu   sync.Mutex
	wasiInitDone bool
}

// New creates an engine with default configuration.
func New(ctx context.Context) (*Engine, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates an engine with explicit limits.
// Execution is interrupted when the calling context is done, which is
// how hung guest calls are torn down.
func NewWithConfig(ctx context.Context, cfg *Config) (*Engine, error) {
	pages := uint32(DefaultMemoryLimitPages)
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		pages = cfg.MemoryLimitPages
	}

	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, rcfg)}, nil
}

// InitWASI instantiates wasi_snapshot_preview1 into the runtime.
// Guest toolchains import it for clocks and random even when the host
// grants no filesystem. Idempotent; safe to call per loaded module.
func (e *Engine) InitWASI(ctx context.Context) error {
	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiInitDone {
		return nil
	}
	if e.runtime.Module(wasi_snapshot_preview1.ModuleName) != nil {
		e.wasiInitDone = true
		return nil
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		return fmt.Errorf("instantiate wasi: %w", err)
	}
	e.wasiInitDone = true
	return nil
}

// HostFunc describes one function a host module exports to guests.
type HostFunc struct {
	Name     string
	ParamVT  []api.ValueType
	ResultVT []api.ValueType
	Fn       api.GoModuleFunc
}

// InstantiateHost builds and instantiates a host module under the
// given namespace. Guests resolve imports against it at instantiation
// time, so it must exist before the first guest module does.
func (e *Engine) InstantiateHost(ctx context.Context, namespace string, funcs []HostFunc) error {
	builder := e.runtime.NewHostModuleBuilder(namespace)
	for _, f := range funcs {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Fn, f.ParamVT, f.ResultVT).
			Export(f.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate host module %s: %w", namespace, err)
	}
	return nil
}

// Compile validates and compiles raw wasm bytes. The returned module
// keeps the static scan next to the compiled code so callers can probe
// exports without instantiating.
func (e *Engine) Compile(ctx context.Context, code []byte) (*Module, error) {
	scanned, err := wasm.Scan(code)
	if err != nil {
		return nil, errors.Load("invalid wasm binary", err)
	}

	compiled, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	return &Module{engine: e, compiled: compiled, scanned: scanned}, nil
}

// Close releases the runtime and everything compiled or instantiated
// on it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Module is a compiled wasm module bound to its engine.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
	scanned  *wasm.Module
}

// Scan returns the static structure of the module binary.
func (m *Module) Scan() *wasm.Module {
	return m.scanned
}

// Close releases the compiled code.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Instantiate creates a live instance registered under name.
// Reactor-style initializers (_initialize) run here; plugin lifecycle
// exports are not touched.
func (m *Module) Instantiate(ctx context.Context, name string) (*Instance, error) {
	mcfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, mcfg)
	if err != nil {
		return nil, err
	}
	debugf("instantiated module %s", name)

	inst := &Instance{
		name:      name,
		module:    mod,
		funcCache: make(map[string]api.Function),
	}
	if mem := mod.Memory(); mem != nil {
		inst.memory = &wazeroMemory{mem: mem}
	}
	return inst, nil
}
