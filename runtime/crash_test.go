package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/seakeel/plugin-runtime/errors"
)

// failStarts makes every future guest trap inside plugin_start.
func failStarts(h *harness) {
	h.build = func(inst *Instance) (*fakeGuest, error) {
		g := newFakeGuest(inst.ID())
		g.startErr = fmt.Errorf("anchor math panicked")
		return g, nil
	}
}

func healthyBuilds(h *harness) {
	h.build = func(inst *Instance) (*fakeGuest, error) {
		return newFakeGuest(inst.ID()), nil
	}
}

func TestManager_StartFailureSchedulesRetry(t *testing.T) {
	m, h := newTestManager(t)
	failStarts(h)

	inst := mustLoad(t, m, "anchor-alarm")
	err := m.Start(context.Background(), "anchor-alarm", nil)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if !errors.IsCrash(err) {
		t.Errorf("start error is not a crash: %v", err)
	}
	if got := inst.State(); got != StateCrashed {
		t.Errorf("state = %s", got)
	}
	if inst.LastError() == "" {
		t.Error("last error not recorded")
	}
	if got := h.clock.scheduled(); len(got) != 1 || got[0] != time.Second {
		t.Fatalf("scheduled = %v, want [1s]", got)
	}

	// first retry crashes again and backs off to 2s
	h.clock.Advance(time.Second)
	if got := inst.State(); got != StateCrashed {
		t.Errorf("state after retry = %s", got)
	}
	if got := h.clock.scheduled(); len(got) != 2 || got[1] != 2*time.Second {
		t.Fatalf("scheduled = %v, want [1s 2s]", got)
	}

	// a healthy guest recovers on the second retry
	healthyBuilds(h)
	h.clock.Advance(2 * time.Second)
	if got := inst.State(); got != StateRunning {
		t.Errorf("state after recovery = %s", got)
	}
	if h.spawnCount() != 3 {
		t.Errorf("spawns = %d", h.spawnCount())
	}
	if h.clock.pending() != 0 {
		t.Errorf("pending timers = %d", h.clock.pending())
	}
	if n := h.logs.FilterMessage("plugin crashed").Len(); n != 2 {
		t.Errorf("crash log entries = %d", n)
	}
}

func TestManager_DisableAfterRepeatedCrashes(t *testing.T) {
	m, h := newTestManager(t)
	failStarts(h)

	inst := mustLoad(t, m, "anchor-alarm")
	if err := m.Start(context.Background(), "anchor-alarm", nil); err == nil {
		t.Fatal("expected start failure")
	}
	h.clock.Advance(1 * time.Second)
	h.clock.Advance(2 * time.Second)
	h.clock.Advance(4 * time.Second)

	if got := inst.State(); got != StateDisabled {
		t.Fatalf("state = %s, want disabled", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := h.clock.scheduled()
	if len(got) != len(want) {
		t.Fatalf("scheduled = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scheduled = %v, want %v", got, want)
		}
	}
	if h.clock.pending() != 0 {
		t.Errorf("a retry is still pending on a disabled instance")
	}
	if n := h.logs.FilterMessage("plugin disabled after repeated crashes").Len(); n != 1 {
		t.Errorf("disable log entries = %d", n)
	}

	// disabled means no more spontaneous restarts
	before := h.spawnCount()
	h.clock.Advance(time.Hour)
	if h.spawnCount() != before {
		t.Error("disabled instance restarted on its own")
	}
	if got := inst.State(); got != StateDisabled {
		t.Errorf("state = %s", got)
	}
}

// crashUntilDisabled drives a fresh instance through four start crashes.
func crashUntilDisabled(t *testing.T, m *Manager, h *harness) *Instance {
	t.Helper()
	failStarts(h)
	inst := mustLoad(t, m, "anchor-alarm")
	if err := m.Start(context.Background(), "anchor-alarm", nil); err == nil {
		t.Fatal("expected start failure")
	}
	h.clock.Advance(1 * time.Second)
	h.clock.Advance(2 * time.Second)
	h.clock.Advance(4 * time.Second)
	if got := inst.State(); got != StateDisabled {
		t.Fatalf("state = %s, want disabled", got)
	}
	return inst
}

func TestManager_ManualReenable(t *testing.T) {
	m, h := newTestManager(t)
	inst := crashUntilDisabled(t, m, h)
	ctx := context.Background()

	// an operator start brings a disabled instance back
	h.build = func(in *Instance) (*fakeGuest, error) {
		return newFakeGuest(in.ID()).withHandler("boom", func([]byte) (string, error) {
			return "", fmt.Errorf("lost gps fix")
		}), nil
	}
	if err := m.Start(ctx, "anchor-alarm", nil); err != nil {
		t.Fatalf("re-enable Start: %v", err)
	}
	if got := inst.State(); got != StateRunning {
		t.Fatalf("state = %s", got)
	}

	// crash history survives the re-enable: the next crash inside the
	// window disables again instead of scheduling a retry
	if _, err := m.CallString(ctx, "anchor-alarm", "boom", "{}"); err == nil {
		t.Fatal("expected handler trap")
	}
	if got := inst.State(); got != StateDisabled {
		t.Errorf("state after trap = %s, want disabled", got)
	}
	if got := h.clock.scheduled(); len(got) != 3 {
		t.Errorf("a retry was scheduled past the crash limit: %v", got)
	}
}

func TestManager_ManualReenableFailureUnloads(t *testing.T) {
	m, h := newTestManager(t)
	inst := crashUntilDisabled(t, m, h)

	// the builds still fail; the operator's start surfaces the error
	// and releases the instance instead of re-entering recovery
	err := m.Start(context.Background(), "anchor-alarm", nil)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if got := inst.State(); got != StateUnloaded {
		t.Errorf("state = %s, want unloaded", got)
	}
	if _, ok := m.Get("anchor-alarm"); ok {
		t.Error("instance record still present")
	}
	if h.clock.pending() != 0 {
		t.Error("a retry is pending after a manual start failure")
	}
	if n := h.logs.FilterMessage("manual start failed, plugin unloaded").Len(); n != 1 {
		t.Errorf("unload log entries = %d", n)
	}
}

func TestManager_CrashWindowExpiry(t *testing.T) {
	m, h := newTestManager(t)
	failStarts(h)

	mustLoad(t, m, "anchor-alarm")
	if err := m.Start(context.Background(), "anchor-alarm", nil); err == nil {
		t.Fatal("expected start failure")
	}
	h.clock.Advance(time.Second)

	// the next retry lands six minutes out, so both earlier crashes
	// have aged past the window and the backoff starts over at 1s
	h.clock.Advance(6 * time.Minute)
	got := h.clock.scheduled()
	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	if len(got) != len(want) {
		t.Fatalf("scheduled = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scheduled = %v, want %v", got, want)
		}
	}
}

func TestManager_StopCancelsRetry(t *testing.T) {
	m, h := newTestManager(t)
	failStarts(h)
	ctx := context.Background()

	inst := mustLoad(t, m, "anchor-alarm")
	if err := m.Start(ctx, "anchor-alarm", nil); err == nil {
		t.Fatal("expected start failure")
	}
	if h.clock.pending() != 1 {
		t.Fatalf("pending timers = %d", h.clock.pending())
	}

	if err := m.Stop(ctx, "anchor-alarm"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := inst.State(); got != StateUnloaded {
		t.Errorf("state = %s", got)
	}
	if h.clock.pending() != 0 {
		t.Error("retry still pending after stop")
	}

	before := h.spawnCount()
	h.clock.Advance(time.Minute)
	if h.spawnCount() != before {
		t.Error("stopped instance restarted on its own")
	}

	// the module is still loaded, so a manual start works
	healthyBuilds(h)
	mustStart(t, m, "anchor-alarm", "")
	if got := inst.State(); got != StateRunning {
		t.Errorf("state = %s", got)
	}
}

func TestManager_Polling(t *testing.T) {
	t.Run("ticks while running", func(t *testing.T) {
		m, h := newTestManager(t)
		h.build = func(inst *Instance) (*fakeGuest, error) {
			return newFakeGuest(inst.ID()).withPoll(), nil
		}
		mustLoad(t, m, "anchor-alarm")
		mustStart(t, m, "anchor-alarm", "")

		g := h.lastGuest()
		waitFor(t, "poll ticks", func() bool { return g.pollCount() >= 2 })

		if err := m.Stop(context.Background(), "anchor-alarm"); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		n := g.pollCount()
		time.Sleep(30 * time.Millisecond)
		if got := g.pollCount(); got != n {
			t.Errorf("poll ticked after stop: %d -> %d", n, got)
		}
	})

	t.Run("nonzero status is logged, not fatal", func(t *testing.T) {
		m, h := newTestManager(t)
		h.build = func(inst *Instance) (*fakeGuest, error) {
			g := newFakeGuest(inst.ID()).withPoll()
			g.pollStatus = 3
			return g, nil
		}
		inst := mustLoad(t, m, "anchor-alarm")
		mustStart(t, m, "anchor-alarm", "")

		waitFor(t, "poll status log", func() bool {
			return h.logs.FilterMessage("poll returned status").Len() > 0
		})
		if got := inst.State(); got != StateRunning {
			t.Errorf("state = %s", got)
		}
	})

	t.Run("trap crashes the instance", func(t *testing.T) {
		m, h := newTestManager(t)
		h.build = func(inst *Instance) (*fakeGuest, error) {
			g := newFakeGuest(inst.ID()).withPoll()
			g.pollErr = fmt.Errorf("tick worker gone")
			return g, nil
		}
		inst := mustLoad(t, m, "anchor-alarm")
		mustStart(t, m, "anchor-alarm", "")

		waitFor(t, "poll crash", func() bool { return inst.State() == StateCrashed })
		if got := h.clock.scheduled(); len(got) != 1 || got[0] != time.Second {
			t.Errorf("scheduled = %v", got)
		}
	})
}
