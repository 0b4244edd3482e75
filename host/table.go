package host

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/seakeel/plugin-runtime/engine"
)

// ModuleName is the import namespace guests resolve bindings from.
const ModuleName = "env"

// i32s builds a wasm signature of n i32 parameters.
func i32s(n int) []api.ValueType {
	vt := make([]api.ValueType, n)
	for i := range vt {
		vt[i] = api.ValueTypeI32
	}
	return vt
}

var retI32 = []api.ValueType{api.ValueTypeI32}

// Funcs returns the full binding table.
func Funcs() []engine.HostFunc {
	return []engine.HostFunc{
		{Name: "sk_debug", ParamVT: i32s(2), Fn: skDebug},
		{Name: "sk_set_status", ParamVT: i32s(2), Fn: skSetStatus},
		{Name: "sk_set_error", ParamVT: i32s(2), Fn: skSetError},
		{Name: "sk_get_path", ParamVT: i32s(4), ResultVT: retI32, Fn: skGetPath},
		{Name: "sk_handle_message", ParamVT: i32s(2), ResultVT: retI32, Fn: skHandleMessage},
		{Name: "sk_get_storage_path", ParamVT: i32s(2), ResultVT: retI32, Fn: skGetStoragePath},
		{Name: "sk_http_request", ParamVT: i32s(4), ResultVT: retI32, Fn: skHTTPRequest},
		{Name: "sk_udp_send", ParamVT: i32s(5), ResultVT: retI32, Fn: skUDPSend},
		{Name: "sk_subscribe", ParamVT: i32s(2), ResultVT: retI32, Fn: skSubscribe},
		{Name: "sk_register_put_handler", ParamVT: i32s(2), ResultVT: retI32, Fn: skRegisterPutHandler},
		{Name: "sk_register_resource_provider", ParamVT: i32s(2), ResultVT: retI32, Fn: skRegisterResourceProvider},
		{Name: "sk_register_weather_provider", ParamVT: i32s(2), ResultVT: retI32, Fn: skRegisterWeatherProvider},
		{Name: "sk_register_radar_provider", ParamVT: i32s(2), ResultVT: retI32, Fn: skRegisterRadarProvider},
	}
}

// Instantiate registers the binding table as the env module. Must run
// before the first guest module instantiates.
func Instantiate(ctx context.Context, eng *engine.Engine) error {
	return eng.InstantiateHost(ctx, ModuleName, Funcs())
}

// readBytes copies (ptr, len) out of guest memory. A zero length is
// valid and yields nil.
func readBytes(mod api.Module, ptr, length uint64) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	data, ok := mod.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func readString(mod api.Module, ptr, length uint64) (string, bool) {
	data, ok := readBytes(mod, ptr, length)
	return string(data), ok
}

// writeResult copies data into the guest's (out, max) buffer and
// returns the written length. Data beyond max is dropped; the guest
// sized the buffer.
func writeResult(mod api.Module, out, max uint64, data []byte) int32 {
	n := len(data)
	if uint64(n) > max {
		n = int(max)
	}
	if n == 0 {
		return 0
	}
	if !mod.Memory().Write(uint32(out), data[:n]) {
		return -1
	}
	return int32(n)
}

// push stores an i32 result on the call stack.
func push(stack []uint64, v int32) {
	if len(stack) > 0 {
		stack[0] = uint64(uint32(v))
	}
}
