package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	pluginruntime "github.com/seakeel/plugin-runtime"
)

// Instance is a live module instance. It does not serialize calls;
// the lifecycle layer guarantees a single logical worker per plugin.
type Instance struct {
	name      string
	module    api.Module
	memory    *wazeroMemory
	funcCache map[string]api.Function
	cacheMu   sync.RWMutex
}

// Name returns the name the module was instantiated under.
func (i *Instance) Name() string {
	return i.name
}

// HasExport reports whether the guest exports a function by name.
func (i *Instance) HasExport(name string) bool {
	return i.fn(name) != nil
}

// fn returns an exported function, caching successful lookups.
func (i *Instance) fn(name string) api.Function {
	i.cacheMu.RLock()
	f, ok := i.funcCache[name]
	i.cacheMu.RUnlock()
	if ok {
		return f
	}

	f = i.module.ExportedFunction(name)
	if f == nil {
		return nil
	}
	i.cacheMu.Lock()
	i.funcCache[name] = f
	i.cacheMu.Unlock()
	return f
}

// Call invokes an exported function with raw stack values.
// A missing export is an error; traps surface as the call error
// returned by the underlying runtime.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	f := i.fn(name)
	if f == nil {
		return nil, fmt.Errorf("function %q not exported", name)
	}
	return f.Call(ctx, params...)
}

// Memory returns the instance's linear memory, or nil when the module
// declares none.
func (i *Instance) Memory() pluginruntime.Memory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

// Close tears the instance down. Safe to call more than once; a call
// in flight on another goroutine traps when the module closes under
// it.
func (i *Instance) Close(ctx context.Context) error {
	if i.module == nil {
		return nil
	}
	err := i.module.Close(ctx)
	i.module = nil
	i.funcCache = nil
	i.memory = nil
	return err
}
