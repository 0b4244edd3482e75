package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seakeel/plugin-runtime/errors"
)

// AsyncState is the host-side view of an instance's suspension
// protocol.
type AsyncState int32

const (
	// StateNormal: no suspension in progress.
	StateNormal AsyncState = iota
	// StateSuspended: the guest unwound out of the current export and
	// a pending operation is outstanding.
	StateSuspended
	// StateResuming: the guest is rewinding back to the suspension
	// point to collect the operation's result.
	StateResuming
)

func (s AsyncState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspended:
		return "suspended"
	case StateResuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// PendingOp is one host-side operation captured while the guest is
// suspended. Execute runs between unwind and rewind; its result is
// handed to the suspending binding when the guest re-enters it.
type PendingOp interface {
	Execute(ctx context.Context) ([]byte, error)
}

// OpFunc adapts a function to PendingOp.
type OpFunc func(ctx context.Context) ([]byte, error)

func (f OpFunc) Execute(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Asyncify data region: [0:4] stack pointer, [4:8] stack end, stack
// grows upward from dataAddr+8. Guests reserve this region when they
// are built with the asyncify transform.
const (
	DefaultDataAddr  uint32 = 16
	DefaultStackSize uint32 = 1024
)

// DefaultOpTimeout bounds a single pending operation. A guest whose
// operation outlives it is torn down, not resumed.
const DefaultOpTimeout = 30 * time.Second

// SchedulerOptions tune the suspension protocol. The zero value is
// usable.
type SchedulerOptions struct {
	DataAddr  uint32
	StackSize uint32
	OpTimeout time.Duration
}

var asyncifyExports = []string{
	"asyncify_get_state",
	"asyncify_start_unwind",
	"asyncify_stop_unwind",
	"asyncify_start_rewind",
	"asyncify_stop_rewind",
}

// Scheduler drives suspend/resume for one instance. It is not
// concurrency safe: the lifecycle layer guarantees a single logical
// worker per instance, which is what makes the single pending slot
// sound.
type Scheduler struct {
	inst      Instance
	dataAddr  uint32
	stackSize uint32
	opTimeout time.Duration
	enabled   bool

	state     int32
	pending   PendingOp
	result    []byte
	resultErr error
	violation error
}

// NewScheduler probes the instance for asyncify exports and, when
// present, initializes the data region. Instances without the
// transform get a scheduler that runs calls directly and executes
// operations inline.
func NewScheduler(inst Instance, opts *SchedulerOptions) (*Scheduler, error) {
	s := &Scheduler{
		inst:      inst,
		dataAddr:  DefaultDataAddr,
		stackSize: DefaultStackSize,
		opTimeout: DefaultOpTimeout,
	}
	if opts != nil {
		if opts.DataAddr > 0 {
			s.dataAddr = opts.DataAddr
		}
		if opts.StackSize > 0 {
			s.stackSize = opts.StackSize
		}
		if opts.OpTimeout > 0 {
			s.opTimeout = opts.OpTimeout
		}
	}

	s.enabled = hasAll(inst, asyncifyExports)
	if !s.enabled {
		return s, nil
	}
	if inst.Memory() == nil {
		return nil, fmt.Errorf("asyncify: module has no memory")
	}
	if err := s.resetStack(); err != nil {
		return nil, err
	}
	return s, nil
}

// Enabled reports whether the guest carries the asyncify transform.
// Bindings fall back to inline execution when it does not.
func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// State returns the current protocol state.
func (s *Scheduler) State() AsyncState {
	return AsyncState(atomic.LoadInt32(&s.state))
}

// Resuming reports whether the guest is rewinding to collect a result.
// Bindings check it on entry to tell a replayed call from a fresh one.
func (s *Scheduler) Resuming() bool {
	return s.State() == StateResuming
}

// resetStack writes the data region header. The stack pointer returns
// to base after every completed unwind/rewind cycle, so this runs once
// per top-level call.
func (s *Scheduler) resetStack() error {
	stackPtr := s.dataAddr + 8
	stackEnd := stackPtr + s.stackSize

	mem := s.inst.Memory()
	if err := mem.WriteU32(s.dataAddr, stackPtr); err != nil {
		return fmt.Errorf("asyncify: write stack pointer: %w", err)
	}
	if err := mem.WriteU32(s.dataAddr+4, stackEnd); err != nil {
		return fmt.Errorf("asyncify: write stack end: %w", err)
	}
	return nil
}

// Suspend registers op and starts unwinding the guest. The op takes
// the single pending slot before the unwind begins; a second
// suspension while one is outstanding is a protocol violation that
// fails the whole call once the guest returns.
func (s *Scheduler) Suspend(ctx context.Context, op PendingOp) error {
	if !s.enabled {
		return fmt.Errorf("suspend: instance has no asyncify support")
	}
	if s.State() != StateNormal || s.pending != nil {
		err := errors.ProtocolViolation(errors.PhaseCall, s.inst.Name(),
			"suspension requested while another is outstanding")
		s.violation = err
		return err
	}

	s.pending = op
	if _, err := s.inst.Call(ctx, "asyncify_start_unwind", uint64(s.dataAddr)); err != nil {
		s.pending = nil
		return fmt.Errorf("asyncify_start_unwind: %w", err)
	}
	atomic.StoreInt32(&s.state, int32(StateSuspended))
	return nil
}

// Resume stops the rewind and hands back the pending operation's
// result. Called by the suspending binding when its call is replayed.
func (s *Scheduler) Resume(ctx context.Context) ([]byte, error) {
	if s.State() != StateResuming {
		return nil, errors.ProtocolViolation(errors.PhaseCall, s.inst.Name(),
			"resume outside of a rewind")
	}
	if _, err := s.inst.Call(ctx, "asyncify_stop_rewind"); err != nil {
		return nil, fmt.Errorf("asyncify_stop_rewind: %w", err)
	}
	atomic.StoreInt32(&s.state, int32(StateNormal))

	result, err := s.result, s.resultErr
	s.pending = nil
	s.result = nil
	s.resultErr = nil
	return result, err
}

// Run invokes a guest export, driving unwind/rewind cycles until the
// call completes for real. Guests without asyncify are called
// directly.
func (s *Scheduler) Run(ctx context.Context, fn string, args ...uint64) ([]uint64, error) {
	if !s.enabled {
		return s.inst.Call(ctx, fn, args...)
	}
	if st := s.State(); st != StateNormal {
		return nil, errors.ProtocolViolation(errors.PhaseCall, s.inst.Name(),
			fmt.Sprintf("call entered in %s state", st))
	}
	s.violation = nil
	if err := s.resetStack(); err != nil {
		return nil, err
	}
	ctx = WithScheduler(ctx, s)

	for {
		results, callErr := s.inst.Call(ctx, fn, args...)

		if s.violation != nil {
			err := s.violation
			s.reset()
			return nil, err
		}

		if s.State() == StateSuspended {
			if callErr != nil {
				s.reset()
				return nil, callErr
			}
			if _, err := s.inst.Call(ctx, "asyncify_stop_unwind"); err != nil {
				s.reset()
				return nil, fmt.Errorf("asyncify_stop_unwind: %w", err)
			}

			op := s.pending
			if op == nil {
				s.reset()
				return nil, errors.ProtocolViolation(errors.PhaseCall, s.inst.Name(),
					"guest unwound with no pending operation")
			}

			opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			result, opErr := op.Execute(opCtx)
			cancel()
			if opErr != nil && stderrors.Is(opErr, context.DeadlineExceeded) {
				s.reset()
				return nil, errors.Timeout(s.inst.Name(), fn, opErr)
			}
			// Other operation failures resume the guest; the binding
			// maps them to its failure sentinel.
			s.result = result
			s.resultErr = opErr

			if _, err := s.inst.Call(ctx, "asyncify_start_rewind", uint64(s.dataAddr)); err != nil {
				s.reset()
				return nil, fmt.Errorf("asyncify_start_rewind: %w", err)
			}
			atomic.StoreInt32(&s.state, int32(StateResuming))
			continue
		}

		if callErr != nil {
			s.reset()
			return nil, callErr
		}
		if st := s.State(); st != StateNormal {
			s.reset()
			return nil, errors.ProtocolViolation(errors.PhaseCall, s.inst.Name(),
				fmt.Sprintf("call returned in %s state", st))
		}
		return results, nil
	}
}

// reset clears protocol state after a failed call so the instance's
// teardown path observes a quiet scheduler.
func (s *Scheduler) reset() {
	atomic.StoreInt32(&s.state, int32(StateNormal))
	s.pending = nil
	s.result = nil
	s.resultErr = nil
	s.violation = nil
}

type ctxKeyScheduler struct{}

// WithScheduler attaches a scheduler to the context handed to guest
// calls so bindings can reach it.
func WithScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKeyScheduler{}, s)
}

// GetScheduler returns the scheduler attached to ctx, or nil.
func GetScheduler(ctx context.Context) *Scheduler {
	if v := ctx.Value(ctxKeyScheduler{}); v != nil {
		return v.(*Scheduler)
	}
	return nil
}
