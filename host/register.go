package host

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/seakeel/plugin-runtime/capability"
	"github.com/seakeel/plugin-runtime/provider"
)

// putRegistration is what guests pass to sk_register_put_handler.
type putRegistration struct {
	Context string `json:"context"`
	Path    string `json:"path"`
}

// sk_register_put_handler(ptr, len) -> flag: claim a PUT slot for a
// writable path. Payload {"context","path"}; empty context means
// vessels.self. The mangled handler export must exist. 1 on success.
func skRegisterPutHandler(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil {
		push(stack, 0)
		return
	}
	if !st.allow(capability.PUTHandlers, "sk_register_put_handler") {
		push(stack, 0)
		return
	}
	raw, ok := readBytes(mod, stack[0], stack[1])
	if !ok {
		push(stack, 0)
		return
	}
	var reg putRegistration
	if err := json.Unmarshal(raw, &reg); err != nil || reg.Path == "" {
		st.logger().Warn("malformed PUT registration",
			zap.String("plugin", st.PluginID),
			zap.Error(err))
		push(stack, 0)
		return
	}
	if st.Puts == nil {
		push(stack, 0)
		return
	}
	if err := st.Puts.RegisterPut(st.PluginID, reg.Context, reg.Path); err != nil {
		st.logger().Warn("PUT registration rejected",
			zap.String("plugin", st.PluginID),
			zap.String("path", reg.Path),
			zap.Error(err))
		push(stack, 0)
		return
	}
	push(stack, 1)
}

func registerProvider(ctx context.Context, mod api.Module, stack []uint64, c capability.Capability, binding, kind string) {
	st := StateFrom(ctx)
	if st == nil {
		push(stack, 0)
		return
	}
	if !st.allow(c, binding) {
		push(stack, 0)
		return
	}
	typ, ok := readString(mod, stack[0], stack[1])
	if !ok || typ == "" {
		push(stack, 0)
		return
	}
	if st.Providers == nil {
		push(stack, 0)
		return
	}
	if err := st.Providers.Register(st.PluginID, kind, typ); err != nil {
		st.logger().Warn("provider registration rejected",
			zap.String("plugin", st.PluginID),
			zap.String("kind", kind),
			zap.String("type", typ),
			zap.Error(err))
		push(stack, 0)
		return
	}
	push(stack, 1)
}

// sk_register_resource_provider(ptr, len) -> flag. Payload is the
// resource type to serve ("routes", "waypoints", ...). 1 on success.
func skRegisterResourceProvider(ctx context.Context, mod api.Module, stack []uint64) {
	registerProvider(ctx, mod, stack,
		capability.ResourceProvider, "sk_register_resource_provider", provider.KindResource)
}

// sk_register_weather_provider(ptr, len) -> flag. Payload is the
// provider name. 1 on success.
func skRegisterWeatherProvider(ctx context.Context, mod api.Module, stack []uint64) {
	registerProvider(ctx, mod, stack,
		capability.WeatherProvider, "sk_register_weather_provider", provider.KindWeather)
}

// sk_register_radar_provider(ptr, len) -> flag. Payload is the radar
// id. 1 on success.
func skRegisterRadarProvider(ctx context.Context, mod api.Module, stack []uint64) {
	registerProvider(ctx, mod, stack,
		capability.RadarProvider, "sk_register_radar_provider", provider.KindRadar)
}
