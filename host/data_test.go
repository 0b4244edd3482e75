package host

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	pluginruntime "github.com/seakeel/plugin-runtime"
)

func TestGetPath(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		rec := &recorder{}
		st, _ := newState(fullCaps(), rec)
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		ptr, n := place(b, 0, "navigation.position")
		written := callBinding(skGetPath, ctx, mod, ptr, n, 1024, 512)
		if written != int32(len(posValue)) {
			t.Fatalf("written = %d, want %d", written, len(posValue))
		}
		if got := b.data[1024 : 1024+written]; !bytes.Equal(got, posValue) {
			t.Errorf("buffer = %q, want %q", got, posValue)
		}
		if len(rec.paths) != 1 || rec.paths[0] != "navigation.position" {
			t.Errorf("resolved paths = %v", rec.paths)
		}
	})

	t.Run("absent", func(t *testing.T) {
		rec := &recorder{pathMissing: true}
		st, _ := newState(fullCaps(), rec)
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		ptr, n := place(b, 0, "navigation.courseOverGroundTrue")
		if got := callBinding(skGetPath, ctx, mod, ptr, n, 1024, 512); got != 0 {
			t.Fatalf("absent path = %d, want 0", got)
		}
	})

	t.Run("truncated to guest buffer", func(t *testing.T) {
		rec := &recorder{}
		st, _ := newState(fullCaps(), rec)
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		ptr, n := place(b, 0, "navigation.position")
		written := callBinding(skGetPath, ctx, mod, ptr, n, 1024, 5)
		if written != 5 {
			t.Fatalf("written = %d, want 5", written)
		}
		if got := b.data[1024:1029]; !bytes.Equal(got, posValue[:5]) {
			t.Errorf("buffer = %q, want %q", got, posValue[:5])
		}
	})

	t.Run("unreadable path pointer", func(t *testing.T) {
		rec := &recorder{}
		st, _ := newState(fullCaps(), rec)
		mod, _ := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		if got := callBinding(skGetPath, ctx, mod, 1<<20, 8, 1024, 512); got != -1 {
			t.Fatalf("oob read = %d, want -1", got)
		}
		if len(rec.paths) != 0 {
			t.Errorf("model consulted for unreadable path")
		}
	})

	t.Run("no data model", func(t *testing.T) {
		st, _ := newState(fullCaps(), &recorder{})
		st.Data = nil
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		ptr, n := place(b, 0, "navigation.position")
		if got := callBinding(skGetPath, ctx, mod, ptr, n, 1024, 512); got != -1 {
			t.Fatalf("got %d, want -1", got)
		}
	})
}

func TestHandleMessage(t *testing.T) {
	t.Run("telemetry tagged v1", func(t *testing.T) {
		rec := &recorder{}
		st, _ := newState(fullCaps(), rec)
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		ptr, n := place(b, 0, deltaTelemetry)
		if got := callBinding(skHandleMessage, ctx, mod, ptr, n); got != 1 {
			t.Fatalf("got %d, want 1", got)
		}
		if len(rec.emits) != 1 {
			t.Fatalf("emits = %d, want 1", len(rec.emits))
		}
		d := rec.emits[0]
		if d.Source != "anchor-alarm" {
			t.Errorf("source = %q", d.Source)
		}
		if d.Version != pluginruntime.ProtocolV1 {
			t.Errorf("version = %v, want v1", d.Version)
		}
		if string(d.Raw) != deltaTelemetry {
			t.Errorf("raw = %q", d.Raw)
		}
	})

	t.Run("resource write tagged v2", func(t *testing.T) {
		rec := &recorder{}
		st, _ := newState(fullCaps(), rec)
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		delta := `{"updates":[{"values":[{"path":"resources.routes.urn:mrn:signalk:uuid:1","value":{}}]}]}`
		ptr, n := place(b, 0, delta)
		if got := callBinding(skHandleMessage, ctx, mod, ptr, n); got != 1 {
			t.Fatalf("got %d, want 1", got)
		}
		if rec.emits[0].Version != pluginruntime.ProtocolV2 {
			t.Errorf("version = %v, want v2", rec.emits[0].Version)
		}
	})

	t.Run("malformed delta discarded", func(t *testing.T) {
		rec := &recorder{}
		st, logs := newState(fullCaps(), rec)
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		ptr, n := place(b, 0, `{"updates":[`)
		if got := callBinding(skHandleMessage, ctx, mod, ptr, n); got != 0 {
			t.Fatalf("got %d, want 0", got)
		}
		if len(rec.emits) != 0 {
			t.Errorf("malformed delta reached the model")
		}
		if logs.FilterMessage("discarding malformed delta").Len() != 1 {
			t.Errorf("missing warn log")
		}
	})

	t.Run("model rejection", func(t *testing.T) {
		rec := &recorder{emitErr: fmt.Errorf("model closed")}
		st, logs := newState(fullCaps(), rec)
		mod, b := newFakeModule(1 << 12)
		ctx := WithState(context.Background(), st)

		ptr, n := place(b, 0, deltaTelemetry)
		if got := callBinding(skHandleMessage, ctx, mod, ptr, n); got != 0 {
			t.Fatalf("got %d, want 0", got)
		}
		if logs.FilterMessage("delta rejected").Len() != 1 {
			t.Errorf("missing warn log")
		}
	})
}

func TestTagProtocol(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want pluginruntime.Protocol
	}{
		{"telemetry", deltaTelemetry, pluginruntime.ProtocolV1},
		{"resource path", `{"updates":[{"values":[{"path":"resources.waypoints.a","value":1}]}]}`, pluginruntime.ProtocolV2},
		{"mixed paths", `{"updates":[{"values":[{"path":"navigation.position","value":1},{"path":"resources.charts.b","value":2}]}]}`, pluginruntime.ProtocolV2},
		{"no updates", `{"updates":[]}`, pluginruntime.ProtocolV1},
		{"unparseable", `[1,2,3]`, pluginruntime.ProtocolV1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tagProtocol([]byte(tt.raw)); got != tt.want {
				t.Errorf("tagProtocol = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscribe(t *testing.T) {
	tests := []struct {
		name   string
		arg    string
		prefix string
	}{
		{"path prefix", "navigation.", "navigation."},
		{"star means everything", "*", ""},
		{"empty means everything", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			st, _ := newState(fullCaps(), rec)
			mod, b := newFakeModule(1 << 12)
			ctx := WithState(context.Background(), st)

			ptr, n := place(b, 0, tt.arg)
			if got := callBinding(skSubscribe, ctx, mod, ptr, n); got != 1 {
				t.Fatalf("got %d, want 1", got)
			}
			want := [2]string{"anchor-alarm", tt.prefix}
			if len(rec.subs) != 1 || rec.subs[0] != want {
				t.Errorf("subs = %v, want %v", rec.subs, want)
			}
		})
	}

	t.Run("no router wired", func(t *testing.T) {
		st, _ := newState(fullCaps(), &recorder{})
		st.Subs = nil
		mod, b := newFakeModule(1 << 12)
		ptr, n := place(b, 0, "navigation.")
		if got := callBinding(skSubscribe, WithState(context.Background(), st), mod, ptr, n); got != 0 {
			t.Fatalf("got %d, want 0", got)
		}
	})
}

func TestStatusBindings(t *testing.T) {
	rec := &recorder{}
	st, logs := newState(fullCaps(), rec)
	mod, b := newFakeModule(1 << 12)
	ctx := WithState(context.Background(), st)

	ptr, n := place(b, 0, "watching anchor position")
	callBinding(skSetStatus, ctx, mod, ptr, n)
	ptr, n = place(b, 128, "GPS fix lost")
	callBinding(skSetError, ctx, mod, ptr, n)

	if len(rec.statuses) != 1 || rec.statuses[0] != "watching anchor position" {
		t.Errorf("statuses = %v", rec.statuses)
	}
	if len(rec.errTexts) != 1 || rec.errTexts[0] != "GPS fix lost" {
		t.Errorf("errors = %v", rec.errTexts)
	}

	ptr, n = place(b, 256, "drift check ran")
	callBinding(skDebug, ctx, mod, ptr, n)
	entries := logs.FilterMessage("drift check ran").All()
	if len(entries) != 1 {
		t.Fatalf("debug entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["plugin"]; got != "anchor-alarm" {
		t.Errorf("plugin field = %v", got)
	}
}
