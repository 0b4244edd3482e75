package provider

import (
	"reflect"
	"strings"
	"testing"

	"github.com/seakeel/plugin-runtime/errors"
)

func allExports(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func resourceExports() func(string) bool {
	return allExports("resource_list", "resource_get", "resource_set", "resource_delete")
}

func TestRequiredExports(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{KindResource, 4},
		{KindWeather, 3},
		{KindRadar, 5},
		{"autopilot", 0},
	}
	for _, tt := range tests {
		if got := RequiredExports(tt.kind); len(got) != tt.want {
			t.Errorf("RequiredExports(%q) = %v, want %d names", tt.kind, got, tt.want)
		}
	}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("claims slot", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register("chart-server", KindResource, "routes", resourceExports()); err != nil {
			t.Fatalf("Register: %v", err)
		}
		owner, ok := r.Owner(KindResource, "routes")
		if !ok || owner != "chart-server" {
			t.Errorf("owner = %q %v", owner, ok)
		}
	})

	t.Run("missing handler exports", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register("chart-server", KindResource, "routes",
			allExports("resource_list", "resource_get"))
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.KindOf(err) != errors.KindRegistration {
			t.Errorf("kind = %v", errors.KindOf(err))
		}
		for _, name := range []string{"resource_set", "resource_delete"} {
			if !strings.Contains(err.Error(), name) {
				t.Errorf("error does not name %q: %v", name, err)
			}
		}
		if _, ok := r.Owner(KindResource, "routes"); ok {
			t.Error("slot claimed despite missing exports")
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register("p", "autopilot", "x", allExports()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("empty type", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register("p", KindResource, "", resourceExports()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("conflicting owner", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register("first", KindResource, "waypoints", resourceExports()); err != nil {
			t.Fatalf("Register: %v", err)
		}
		err := r.Register("second", KindResource, "waypoints", resourceExports())
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.KindOf(err) != errors.KindProtocolViolation {
			t.Errorf("kind = %v, want protocol violation", errors.KindOf(err))
		}
		if owner, _ := r.Owner(KindResource, "waypoints"); owner != "first" {
			t.Errorf("owner changed to %q", owner)
		}
	})

	t.Run("same owner idempotent", func(t *testing.T) {
		r := NewRegistry()
		for i := 0; i < 2; i++ {
			if err := r.Register("p", KindResource, "routes", resourceExports()); err != nil {
				t.Fatalf("attempt %d: %v", i, err)
			}
		}
	})
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry()
	r.Register("p", KindResource, "waypoints", resourceExports())
	r.Register("p", KindResource, "routes", resourceExports())
	r.Register("q", KindWeather, "met-norway",
		allExports("weather_get_observations", "weather_get_forecasts", "weather_get_warnings"))

	if got := r.Types(KindResource); !reflect.DeepEqual(got, []string{"routes", "waypoints"}) {
		t.Errorf("Types = %v", got)
	}
	if got := r.Types(KindRadar); got != nil {
		t.Errorf("Types(radar) = %v", got)
	}
}

func TestRegistry_UnregisterInstance(t *testing.T) {
	r := NewRegistry()
	r.Register("p", KindResource, "routes", resourceExports())
	r.Register("p", KindResource, "waypoints", resourceExports())
	r.Register("q", KindResource, "charts", resourceExports())

	r.UnregisterInstance("p")

	if _, ok := r.Owner(KindResource, "routes"); ok {
		t.Error("routes still owned")
	}
	if owner, _ := r.Owner(KindResource, "charts"); owner != "q" {
		t.Errorf("charts owner = %q", owner)
	}

	// freed slot can be claimed again
	if err := r.Register("q", KindResource, "routes", resourceExports()); err != nil {
		t.Errorf("re-claim after unregister: %v", err)
	}
}
