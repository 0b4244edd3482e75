package bridge

import (
	"context"

	pluginruntime "github.com/seakeel/plugin-runtime"
	"github.com/seakeel/plugin-runtime/errors"
)

// Convention identifies how strings cross the guest boundary.
type Convention int

const (
	// ConventionBuffered guests export allocate/deallocate and write
	// results into caller-provided buffers.
	ConventionBuffered Convention = iota
	// ConventionManaged guests own their strings and exchange opaque
	// handles.
	ConventionManaged
)

func (c Convention) String() string {
	switch c {
	case ConventionBuffered:
		return "buffered"
	case ConventionManaged:
		return "managed"
	default:
		return "unknown"
	}
}

// Instance is the guest surface the bridge drives. *engine.Instance
// satisfies it.
type Instance interface {
	Name() string
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)
	Memory() pluginruntime.Memory
	HasExport(name string) bool
}

// Exports answers whether a function export exists. Both a static
// module scan and a live instance satisfy it, so the convention can be
// probed before instantiating.
type Exports interface {
	HasExport(name string) bool
}

var bufferedExports = []string{"allocate", "deallocate"}
var managedExports = []string{"string_new", "string_data", "string_len"}

// Probe detects the guest's memory convention from its exports.
// Buffered wins when a module carries both conventions.
func Probe(exports Exports) (Convention, error) {
	if hasAll(exports, bufferedExports) {
		return ConventionBuffered, nil
	}
	if hasAll(exports, managedExports) {
		return ConventionManaged, nil
	}
	return 0, errors.Load("no supported memory convention",
		errors.NewMissingExportsError(ConventionBuffered.String(), missing(exports, bufferedExports)))
}

func hasAll(exports Exports, names []string) bool {
	for _, n := range names {
		if !exports.HasExport(n) {
			return false
		}
	}
	return true
}

func missing(exports Exports, names []string) []string {
	var out []string
	for _, n := range names {
		if !exports.HasExport(n) {
			out = append(out, n)
		}
	}
	return out
}

// Bridge performs string round trips with a guest in its detected
// convention. Handler exports are routed through the instance's
// scheduler so they may suspend; memory helper exports never suspend
// and are called directly.
type Bridge interface {
	// Convention reports which convention the bridge drives.
	Convention() Convention

	// ReadString calls a no-argument string export such as plugin_id
	// or http_endpoints.
	ReadString(ctx context.Context, fn string) (string, error)

	// CallStatus sends input to a status-returning export such as
	// plugin_start or delta_handler.
	CallStatus(ctx context.Context, fn string, input []byte) (int32, error)

	// CallString performs a request/response round trip through a
	// handler export.
	CallString(ctx context.Context, fn string, input []byte) (string, error)

	// CallNullary invokes a no-argument status export such as
	// plugin_stop or plugin_poll. Both conventions share this shape.
	CallNullary(ctx context.Context, fn string) (int32, error)
}

// DefaultResultCap bounds result buffers handed to buffered guests.
const DefaultResultCap uint32 = 256 * 1024

// Options tune a bridge. The zero value is usable.
type Options struct {
	// ResultCap overrides DefaultResultCap for buffered guests, in
	// bytes. Guests truncate results that do not fit.
	ResultCap uint32
}

// New builds a bridge for the probed convention. sched routes handler
// calls through the suspension protocol and may be nil when the guest
// has no asyncify support and no scheduler was created.
func New(conv Convention, inst Instance, sched *Scheduler, opts *Options) Bridge {
	if conv == ConventionManaged {
		return &managed{
			inst:       inst,
			sched:      sched,
			hasRelease: inst.HasExport("string_release"),
		}
	}

	resultCap := DefaultResultCap
	if opts != nil && opts.ResultCap > 0 {
		resultCap = opts.ResultCap
	}
	return &buffered{inst: inst, sched: sched, resultCap: resultCap}
}

// run invokes a handler export, through the scheduler when present.
func run(ctx context.Context, inst Instance, sched *Scheduler, fn string, params ...uint64) ([]uint64, error) {
	if sched != nil {
		return sched.Run(ctx, fn, params...)
	}
	return inst.Call(ctx, fn, params...)
}
