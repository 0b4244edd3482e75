package pluginruntime

// Memory represents one instance's Wasm linear memory.
//
// Implementations return an error for any access that falls outside the
// current memory size; they never panic on guest-supplied offsets.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU32(offset uint32) (uint32, error)
	WriteU32(offset uint32, value uint32) error
	Size() uint32
}
