package host

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	pluginruntime "github.com/seakeel/plugin-runtime"
	"github.com/seakeel/plugin-runtime/capability"
)

// sk_debug(ptr, len): debug log line tagged with the plugin id.
func skDebug(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil {
		return
	}
	msg, ok := readString(mod, stack[0], stack[1])
	if !ok {
		return
	}
	st.logger().Debug(msg, zap.String("plugin", st.PluginID))
}

// sk_set_status(ptr, len): human-readable status text.
func skSetStatus(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil || st.Status == nil {
		return
	}
	text, ok := readString(mod, stack[0], stack[1])
	if !ok {
		return
	}
	st.Status.SetStatus(text)
}

// sk_set_error(ptr, len): guest-reported error text. Does not change
// lifecycle state; a guest that wants to die returns from an export
// with a failure status instead.
func skSetError(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil || st.Status == nil {
		return
	}
	text, ok := readString(mod, stack[0], stack[1])
	if !ok {
		return
	}
	st.Status.SetError(text)
}

// sk_get_path(ptr, len, out, max) -> written: read a model path and
// write its JSON value. 0 means the path has no value; -1 means
// denied or failed.
func skGetPath(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil || st.Data == nil {
		push(stack, -1)
		return
	}
	if !st.allow(capability.DataRead, "sk_get_path") {
		push(stack, -1)
		return
	}

	path, ok := readString(mod, stack[0], stack[1])
	if !ok {
		push(stack, -1)
		return
	}

	value, found := st.Data.GetPath(ctx, path)
	if !found {
		push(stack, 0)
		return
	}
	push(stack, writeResult(mod, stack[2], stack[3], value))
}

// sk_handle_message(ptr, len) -> flag: parse a delta, tag its protocol
// version, and emit it into the data model. 1 ok, 0 failed or denied.
func skHandleMessage(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil || st.Data == nil {
		push(stack, 0)
		return
	}
	if !st.allow(capability.DataWrite, "sk_handle_message") {
		push(stack, 0)
		return
	}

	raw, ok := readBytes(mod, stack[0], stack[1])
	if !ok || !json.Valid(raw) {
		st.logger().Warn("discarding malformed delta", zap.String("plugin", st.PluginID))
		push(stack, 0)
		return
	}

	delta := pluginruntime.Delta{
		Source:  st.PluginID,
		Version: tagProtocol(raw),
		Raw:     raw,
	}
	if err := st.Data.Emit(ctx, delta); err != nil {
		st.logger().Warn("delta rejected",
			zap.String("plugin", st.PluginID),
			zap.Error(err))
		push(stack, 0)
		return
	}
	push(stack, 1)
}

// tagProtocol classifies a delta: any value under resources.* uses the
// v2 resource protocol, everything else stays v1.
func tagProtocol(raw json.RawMessage) pluginruntime.Protocol {
	for _, p := range pluginruntime.DeltaPaths(raw) {
		if strings.HasPrefix(p, "resources.") {
			return pluginruntime.ProtocolV2
		}
	}
	return pluginruntime.ProtocolV1
}

// sk_subscribe(ptr, len) -> flag: register interest in a path prefix.
// "" and "*" both mean every event.
func skSubscribe(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil || st.Subs == nil {
		push(stack, 0)
		return
	}
	if !st.allow(capability.DataRead, "sk_subscribe") {
		push(stack, 0)
		return
	}

	prefix, ok := readString(mod, stack[0], stack[1])
	if !ok {
		push(stack, 0)
		return
	}
	if prefix == "*" {
		prefix = ""
	}
	st.Subs.Subscribe(st.PluginID, prefix)
	push(stack, 1)
}
