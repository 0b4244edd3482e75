package host

import (
	"context"
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/seakeel/plugin-runtime/capability"
)

// sk_get_storage_path(out, max) -> written: resolve the instance's
// data directory, creating it on first use. Plugins with shared
// storage see one directory, everyone else gets a directory keyed by
// plugin id. -1 when denied or the directory cannot be created.
func skGetStoragePath(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil {
		push(stack, -1)
		return
	}
	if !st.Caps.Storage.Enabled() {
		st.logger().Warn("capability denied",
			zap.String("plugin", st.PluginID),
			zap.String("binding", "sk_get_storage_path"),
			zap.String("capability", "storage"))
		push(stack, -1)
		return
	}
	if st.DataDir == "" {
		st.logger().Warn("no data directory configured",
			zap.String("plugin", st.PluginID))
		push(stack, -1)
		return
	}

	dir := filepath.Join(st.DataDir, st.PluginID)
	if st.Caps.Storage == capability.StorageShared {
		dir = filepath.Join(st.DataDir, "shared")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		st.logger().Warn("storage directory unavailable",
			zap.String("plugin", st.PluginID),
			zap.String("dir", dir),
			zap.Error(err))
		push(stack, -1)
		return
	}
	push(stack, writeResult(mod, stack[0], stack[1], []byte(dir)))
}
