package engine

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	pluginruntime "github.com/seakeel/plugin-runtime"
)

// wazeroMemory adapts wazero linear memory to the bounds-checked
// Memory interface. Out-of-range access is an error, never a panic.
type wazeroMemory struct {
	mem api.Memory
}

func (m *wazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (m *wazeroMemory) Write(offset uint32, data []byte) error {
	if ok := m.mem.Write(offset, data); !ok {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (m *wazeroMemory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("read out of bounds: offset=%d, length=4", offset)
	}
	return v, nil
}

func (m *wazeroMemory) WriteU32(offset uint32, value uint32) error {
	if ok := m.mem.WriteUint32Le(offset, value); !ok {
		return fmt.Errorf("write out of bounds: offset=%d, length=4", offset)
	}
	return nil
}

func (m *wazeroMemory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

// Compile-time check that wazeroMemory implements pluginruntime.Memory
var _ pluginruntime.Memory = (*wazeroMemory)(nil)
