package host

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/seakeel/plugin-runtime/engine"
)

func TestFuncs_Table(t *testing.T) {
	funcs := Funcs()
	if len(funcs) != 13 {
		t.Fatalf("bindings = %d, want 13", len(funcs))
	}

	seen := map[string]bool{}
	for _, f := range funcs {
		if seen[f.Name] {
			t.Errorf("duplicate binding %q", f.Name)
		}
		seen[f.Name] = true
		if f.Fn == nil {
			t.Errorf("binding %q has no handler", f.Name)
		}
	}
	for _, name := range []string{"sk_debug", "sk_get_path", "sk_http_request", "sk_register_radar_provider"} {
		if !seen[name] {
			t.Errorf("missing binding %q", name)
		}
	}
}

// A module that imports env.sk_debug, carries "hi" in a data segment
// at offset 16, and exports go() which logs it.
var debugGuest = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x09, 0x02, // type section: 2 types
	0x60, 0x02, 0x7f, 0x7f, 0x00, // (i32,i32) -> ()
	0x60, 0x00, 0x00, // () -> ()
	0x02, 0x10, 0x01, // import section: 1 import
	0x03, 'e', 'n', 'v',
	0x08, 's', 'k', '_', 'd', 'e', 'b', 'u', 'g',
	0x00, 0x00, // func, type 0
	0x03, 0x02, 0x01, 0x01, // function section: 1 func of type 1
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: min 1 page
	0x07, 0x06, 0x01, // export section: 1 export
	0x02, 'g', 'o', 0x00, 0x01, // "go" -> func 1
	0x0a, 0x0a, 0x01, 0x08, 0x00, // code section: 1 body, no locals
	0x41, 0x10, // i32.const 16
	0x41, 0x02, // i32.const 2
	0x10, 0x00, // call 0
	0x0b, // end
	0x0b, 0x08, 0x01, 0x00, // data section: active segment
	0x41, 0x10, 0x0b, // offset 16
	0x02, 'h', 'i',
}

// The binding table instantiates as a real env module and resolves a
// guest import end to end.
func TestInstantiate_RealGuest(t *testing.T) {
	ctx := context.Background()
	eng, err := engine.New(ctx)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer eng.Close(ctx)

	if err := Instantiate(ctx, eng); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	mod, err := eng.Compile(ctx, debugGuest)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	inst, err := mod.Instantiate(ctx, "debug-guest")
	if err != nil {
		t.Fatalf("Instantiate guest: %v", err)
	}
	defer inst.Close(ctx)

	core, logs := observer.New(zapcore.DebugLevel)
	st := &State{PluginID: "debug-guest", Log: zap.New(core)}

	if _, err := inst.Call(WithState(ctx, st), "go"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	entries := logs.FilterMessage("hi").All()
	if len(entries) != 1 {
		t.Fatalf("debug entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["plugin"]; got != "debug-guest" {
		t.Errorf("plugin field = %v", got)
	}
}
