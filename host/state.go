package host

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	pluginruntime "github.com/seakeel/plugin-runtime"
	"github.com/seakeel/plugin-runtime/capability"
	"github.com/seakeel/plugin-runtime/engine"
)

// StatusSink receives guest status and error text.
type StatusSink interface {
	SetStatus(text string)
	SetError(text string)
}

// Subscriber records an instance's interest in data model events.
type Subscriber interface {
	// Subscribe registers a path-prefix predicate. The empty prefix
	// matches every event.
	Subscribe(plugin, prefix string)
}

// ProviderRegistrar claims a (kind, type) slot for an instance.
type ProviderRegistrar interface {
	Register(plugin, kind, typ string) error
}

// PutRegistrar claims a (context, path) PUT slot for an instance.
type PutRegistrar interface {
	RegisterPut(plugin, context, path string) error
}

// HTTPDoer issues outbound requests for sk_http_request.
// *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UDPSender performs one-shot datagram sends for sk_udp_send.
type UDPSender interface {
	Send(ctx context.Context, hostname string, port int, payload []byte) (int, error)
}

// State is the per-instance context bindings operate on. The runtime
// attaches one to every context a guest executes under, including
// instantiation.
type State struct {
	PluginID string
	Caps     capability.Set
	DataDir  string
	Log      *zap.Logger

	Data      pluginruntime.DataModel
	Status    StatusSink
	Subs      Subscriber
	Providers ProviderRegistrar
	Puts      PutRegistrar
	HTTP      HTTPDoer
	UDP       UDPSender
}

func (s *State) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return engine.Logger()
}

// allow checks a capability gate, logging the denial.
func (s *State) allow(c capability.Capability, binding string) bool {
	if s.Caps.Allows(c) {
		return true
	}
	s.logger().Warn("capability denied",
		zap.String("plugin", s.PluginID),
		zap.String("binding", binding),
		zap.String("capability", string(c)))
	return false
}

type ctxKeyState struct{}

// WithState attaches per-instance state to a guest call context.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, ctxKeyState{}, s)
}

// StateFrom returns the state attached to ctx, or nil. Bindings
// called without state return their failure sentinel.
func StateFrom(ctx context.Context) *State {
	if v := ctx.Value(ctxKeyState{}); v != nil {
		return v.(*State)
	}
	return nil
}
