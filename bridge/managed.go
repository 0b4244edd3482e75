package bridge

import (
	"context"
	"fmt"
)

// managed drives guests that own their strings. The host creates
// input handles through string_new, the guest returns result handles,
// and string_data/string_len expose the bytes behind a handle. Handles
// created or received by the host are released after use when the
// guest exports string_release; guests without it reclaim on their
// own schedule.
type managed struct {
	inst       Instance
	sched      *Scheduler
	hasRelease bool
}

func (m *managed) Convention() Convention {
	return ConventionManaged
}

// newString copies input into a fresh guest string and returns its
// handle. Handle 0 stands for the empty string in both directions.
func (m *managed) newString(ctx context.Context, input []byte) (uint32, error) {
	if len(input) == 0 {
		return 0, nil
	}

	results, err := m.inst.Call(ctx, "string_new", uint64(len(input)))
	if err != nil {
		return 0, fmt.Errorf("guest string_new(%d): %w", len(input), err)
	}
	handle := uint32(results[0])
	if handle == 0 {
		return 0, fmt.Errorf("guest string_new(%d) returned null handle", len(input))
	}

	ptr, err := m.dataPtr(ctx, handle)
	if err != nil {
		m.release(ctx, handle)
		return 0, err
	}
	if err := m.inst.Memory().Write(ptr, input); err != nil {
		m.release(ctx, handle)
		return 0, fmt.Errorf("write guest string: %w", err)
	}
	return handle, nil
}

func (m *managed) dataPtr(ctx context.Context, handle uint32) (uint32, error) {
	results, err := m.inst.Call(ctx, "string_data", uint64(handle))
	if err != nil {
		return 0, fmt.Errorf("guest string_data: %w", err)
	}
	return uint32(results[0]), nil
}

// readString copies the bytes behind a handle out of guest memory.
func (m *managed) readString(ctx context.Context, handle uint32) (string, error) {
	if handle == 0 {
		return "", nil
	}

	results, err := m.inst.Call(ctx, "string_len", uint64(handle))
	if err != nil {
		return "", fmt.Errorf("guest string_len: %w", err)
	}
	length := uint32(results[0])
	if length == 0 {
		return "", nil
	}

	ptr, err := m.dataPtr(ctx, handle)
	if err != nil {
		return "", err
	}
	data, err := m.inst.Memory().Read(ptr, length)
	if err != nil {
		return "", fmt.Errorf("read guest string: %w", err)
	}
	return string(data), nil
}

// release frees a handle when the guest supports it. Best effort.
func (m *managed) release(ctx context.Context, handle uint32) {
	if !m.hasRelease || handle == 0 {
		return
	}
	_, _ = m.inst.Call(ctx, "string_release", uint64(handle))
}

func (m *managed) ReadString(ctx context.Context, fn string) (string, error) {
	results, err := run(ctx, m.inst, m.sched, fn)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%s returned no handle", fn)
	}
	handle := uint32(results[0])
	defer m.release(ctx, handle)
	return m.readString(ctx, handle)
}

func (m *managed) CallStatus(ctx context.Context, fn string, input []byte) (int32, error) {
	handle, err := m.newString(ctx, input)
	if err != nil {
		return -1, err
	}
	defer m.release(ctx, handle)

	results, err := run(ctx, m.inst, m.sched, fn, uint64(handle))
	if err != nil {
		return -1, err
	}
	if len(results) == 0 {
		return -1, fmt.Errorf("%s returned no status", fn)
	}
	return int32(results[0]), nil
}

func (m *managed) CallString(ctx context.Context, fn string, input []byte) (string, error) {
	in, err := m.newString(ctx, input)
	if err != nil {
		return "", err
	}
	defer m.release(ctx, in)

	results, err := run(ctx, m.inst, m.sched, fn, uint64(in))
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%s returned no handle", fn)
	}
	out := uint32(results[0])
	defer m.release(ctx, out)
	return m.readString(ctx, out)
}

func (m *managed) CallNullary(ctx context.Context, fn string) (int32, error) {
	results, err := run(ctx, m.inst, m.sched, fn)
	if err != nil {
		return -1, err
	}
	if len(results) == 0 {
		return -1, fmt.Errorf("%s returned no status", fn)
	}
	return int32(results[0]), nil
}
