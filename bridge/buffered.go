package bridge

import (
	"context"
	"fmt"
)

// buffered drives guests that export allocate/deallocate. Input is
// copied into a guest buffer, results come back through a second
// buffer sized at resultCap with the guest reporting written length.
type buffered struct {
	inst      Instance
	sched     *Scheduler
	resultCap uint32
}

func (b *buffered) Convention() Convention {
	return ConventionBuffered
}

// alloc reserves size bytes of guest memory. allocate(0) is never
// issued; callers pass ptr=0 len=0 for empty input instead.
func (b *buffered) alloc(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.inst.Call(ctx, "allocate", uint64(size))
	if err != nil {
		return 0, fmt.Errorf("guest allocate(%d): %w", size, err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("guest allocate(%d) returned null", size)
	}
	return ptr, nil
}

// free returns a buffer to the guest. Best effort; a failed free is
// bounded by instance teardown.
func (b *buffered) free(ctx context.Context, ptr, size uint32) {
	if ptr == 0 {
		return
	}
	_, _ = b.inst.Call(ctx, "deallocate", uint64(ptr), uint64(size))
}

// writeInput copies input into a fresh guest buffer and returns its
// address. Empty input maps to (0, 0).
func (b *buffered) writeInput(ctx context.Context, input []byte) (uint32, uint32, error) {
	if len(input) == 0 {
		return 0, 0, nil
	}
	size := uint32(len(input))
	ptr, err := b.alloc(ctx, size)
	if err != nil {
		return 0, 0, err
	}
	if err := b.inst.Memory().Write(ptr, input); err != nil {
		b.free(ctx, ptr, size)
		return 0, 0, fmt.Errorf("write guest input: %w", err)
	}
	return ptr, size, nil
}

// readResult reads written bytes from a result buffer. Negative
// written means the guest failed; written beyond the buffer is clamped
// to the guest contract.
func (b *buffered) readResult(out uint32, written int32) (string, error) {
	if written < 0 {
		return "", fmt.Errorf("guest reported failure: %d", written)
	}
	n := uint32(written)
	if n > b.resultCap {
		n = b.resultCap
	}
	if n == 0 {
		return "", nil
	}
	data, err := b.inst.Memory().Read(out, n)
	if err != nil {
		return "", fmt.Errorf("read guest result: %w", err)
	}
	return string(data), nil
}

func (b *buffered) ReadString(ctx context.Context, fn string) (string, error) {
	out, err := b.alloc(ctx, b.resultCap)
	if err != nil {
		return "", err
	}
	defer b.free(ctx, out, b.resultCap)

	results, err := run(ctx, b.inst, b.sched, fn, uint64(out), uint64(b.resultCap))
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%s returned no written length", fn)
	}
	return b.readResult(out, int32(results[0]))
}

func (b *buffered) CallStatus(ctx context.Context, fn string, input []byte) (int32, error) {
	in, inLen, err := b.writeInput(ctx, input)
	if err != nil {
		return -1, err
	}
	defer b.free(ctx, in, inLen)

	results, err := run(ctx, b.inst, b.sched, fn, uint64(in), uint64(inLen))
	if err != nil {
		return -1, err
	}
	if len(results) == 0 {
		return -1, fmt.Errorf("%s returned no status", fn)
	}
	return int32(results[0]), nil
}

func (b *buffered) CallString(ctx context.Context, fn string, input []byte) (string, error) {
	in, inLen, err := b.writeInput(ctx, input)
	if err != nil {
		return "", err
	}
	defer b.free(ctx, in, inLen)

	out, err := b.alloc(ctx, b.resultCap)
	if err != nil {
		return "", err
	}
	defer b.free(ctx, out, b.resultCap)

	results, err := run(ctx, b.inst, b.sched, fn, uint64(in), uint64(inLen), uint64(out), uint64(b.resultCap))
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%s returned no written length", fn)
	}
	return b.readResult(out, int32(results[0]))
}

func (b *buffered) CallNullary(ctx context.Context, fn string) (int32, error) {
	results, err := run(ctx, b.inst, b.sched, fn)
	if err != nil {
		return -1, err
	}
	if len(results) == 0 {
		return -1, fmt.Errorf("%s returned no status", fn)
	}
	return int32(results[0]), nil
}
