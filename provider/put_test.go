package provider

import (
	"strings"
	"testing"

	"github.com/seakeel/plugin-runtime/errors"
)

func TestMangleExport(t *testing.T) {
	tests := []struct {
		context, path string
		want          string
	}{
		{"vessels.self", "steering.autopilot.target", "handle_put_vessels_self_steering_autopilot_target"},
		{"", "electrical.switches.anchorLight", "handle_put_vessels_self_electrical_switches_anchorLight"},
		{"vessels.self", "navigation.state", "handle_put_vessels_self_navigation_state"},
	}
	for _, tt := range tests {
		if got := MangleExport(tt.context, tt.path); got != tt.want {
			t.Errorf("MangleExport(%q, %q) = %q, want %q", tt.context, tt.path, got, tt.want)
		}
	}
}

func TestPutRegistry_Register(t *testing.T) {
	export := "handle_put_vessels_self_steering_autopilot_target"

	t.Run("claims path", func(t *testing.T) {
		r := NewPutRegistry()
		err := r.Register("autopilot", "vessels.self", "steering.autopilot.target", allExports(export))
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		owner, ok := r.Owner("vessels.self", "steering.autopilot.target")
		if !ok || owner != "autopilot" {
			t.Errorf("owner = %q %v", owner, ok)
		}
	})

	t.Run("empty context defaults", func(t *testing.T) {
		r := NewPutRegistry()
		if err := r.Register("autopilot", "", "steering.autopilot.target", allExports(export)); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if owner, ok := r.Owner("", "steering.autopilot.target"); !ok || owner != "autopilot" {
			t.Errorf("owner via empty context = %q %v", owner, ok)
		}
		if owner, ok := r.Owner(DefaultContext, "steering.autopilot.target"); !ok || owner != "autopilot" {
			t.Errorf("owner via explicit context = %q %v", owner, ok)
		}
	})

	t.Run("missing handler export", func(t *testing.T) {
		r := NewPutRegistry()
		err := r.Register("autopilot", "vessels.self", "steering.autopilot.target", allExports())
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.KindOf(err) != errors.KindRegistration {
			t.Errorf("kind = %v", errors.KindOf(err))
		}
		if !strings.Contains(err.Error(), export) {
			t.Errorf("error does not name the expected export: %v", err)
		}
	})

	t.Run("empty path", func(t *testing.T) {
		r := NewPutRegistry()
		if err := r.Register("autopilot", "vessels.self", "", allExports(export)); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("conflicting owner", func(t *testing.T) {
		r := NewPutRegistry()
		if err := r.Register("first", "", "navigation.anchor.maxRadius",
			allExports("handle_put_vessels_self_navigation_anchor_maxRadius")); err != nil {
			t.Fatalf("Register: %v", err)
		}
		err := r.Register("second", "", "navigation.anchor.maxRadius",
			allExports("handle_put_vessels_self_navigation_anchor_maxRadius"))
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.KindOf(err) != errors.KindProtocolViolation {
			t.Errorf("kind = %v", errors.KindOf(err))
		}
	})

	t.Run("same owner idempotent", func(t *testing.T) {
		r := NewPutRegistry()
		for i := 0; i < 2; i++ {
			err := r.Register("autopilot", "vessels.self", "steering.autopilot.target", allExports(export))
			if err != nil {
				t.Fatalf("attempt %d: %v", i, err)
			}
		}
	})
}

func TestPutRegistry_Paths(t *testing.T) {
	r := NewPutRegistry()
	r.Register("autopilot", "", "steering.autopilot.target",
		allExports("handle_put_vessels_self_steering_autopilot_target"))
	r.Register("autopilot", "", "steering.autopilot.state",
		allExports("handle_put_vessels_self_steering_autopilot_state"))
	r.Register("switches", "", "electrical.switches.anchorLight",
		allExports("handle_put_vessels_self_electrical_switches_anchorLight"))

	got := r.Paths("autopilot")
	if len(got) != 2 {
		t.Fatalf("Paths = %v", got)
	}
	for _, pair := range got {
		if pair[0] != DefaultContext {
			t.Errorf("context = %q", pair[0])
		}
		if !strings.HasPrefix(pair[1], "steering.autopilot.") {
			t.Errorf("unexpected path %q", pair[1])
		}
	}

	r.UnregisterInstance("autopilot")
	if got := r.Paths("autopilot"); len(got) != 0 {
		t.Errorf("paths after unregister = %v", got)
	}
	if owner, _ := r.Owner("", "electrical.switches.anchorLight"); owner != "switches" {
		t.Errorf("unrelated owner lost: %q", owner)
	}
}
