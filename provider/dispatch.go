package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/seakeel/plugin-runtime/errors"
)

// Caller invokes a named export on a running instance with a JSON
// payload and returns the guest's JSON reply. The lifecycle manager
// implements it.
type Caller interface {
	CallString(ctx context.Context, id, export, input string) (string, error)
}

// Dispatcher routes typed provider and PUT requests to their owning
// instances through a Caller.
type Dispatcher struct {
	reg  *Registry
	puts *PutRegistry
	call Caller
}

func NewDispatcher(reg *Registry, puts *PutRegistry, call Caller) *Dispatcher {
	return &Dispatcher{reg: reg, puts: puts, call: call}
}

func (d *Dispatcher) dispatch(ctx context.Context, kind, typ, export, input string) (string, error) {
	id, ok := d.reg.Owner(kind, typ)
	if !ok {
		return "", errors.NotFound(errors.PhaseDispatch, kind+" provider", typ)
	}
	return d.call.CallString(ctx, id, export, input)
}

// ListResources queries the provider registered for the resource type.
// A nil query lists everything.
func (d *Dispatcher) ListResources(ctx context.Context, typ string, query map[string]any) (string, error) {
	req, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return "", errors.InvalidInput(errors.PhaseDispatch, "unencodable resource query")
	}
	return d.dispatch(ctx, KindResource, typ, "resource_list", string(req))
}

// GetResource fetches one resource by id.
func (d *Dispatcher) GetResource(ctx context.Context, typ, id string) (string, error) {
	req, _ := json.Marshal(map[string]any{"id": id, "property": nil})
	return d.dispatch(ctx, KindResource, typ, "resource_get", string(req))
}

// SetResource creates or replaces a resource.
func (d *Dispatcher) SetResource(ctx context.Context, typ, id string, value json.RawMessage) (string, error) {
	req, err := json.Marshal(map[string]any{"id": id, "value": value})
	if err != nil {
		return "", errors.InvalidInput(errors.PhaseDispatch, "unencodable resource value")
	}
	return d.dispatch(ctx, KindResource, typ, "resource_set", string(req))
}

// DeleteResource removes a resource by id.
func (d *Dispatcher) DeleteResource(ctx context.Context, typ, id string) (string, error) {
	req, _ := json.Marshal(map[string]any{"id": id})
	return d.dispatch(ctx, KindResource, typ, "resource_delete", string(req))
}

// Weather operations, mapped to guest exports as weather_get_<op>.
const (
	WeatherObservations = "observations"
	WeatherForecasts    = "forecasts"
	WeatherWarnings     = "warnings"
)

// Weather routes a query to the named weather provider. The request
// JSON reaches the guest verbatim; empty means "{}".
func (d *Dispatcher) Weather(ctx context.Context, name, op string, request json.RawMessage) (string, error) {
	switch op {
	case WeatherObservations, WeatherForecasts, WeatherWarnings:
	default:
		return "", errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("unknown weather op %q", op))
	}
	return d.dispatch(ctx, KindWeather, name, "weather_get_"+op, orEmptyObject(request))
}

var radarOps = map[string]string{
	"radars": "radar_get_radars",
	"info":   "radar_get_info",
	"power":  "radar_set_power",
	"range":  "radar_set_range",
	"gain":   "radar_set_gain",
}

// Radar routes a command to the instance owning the radar id.
func (d *Dispatcher) Radar(ctx context.Context, radarID, op string, request json.RawMessage) (string, error) {
	export, ok := radarOps[op]
	if !ok {
		return "", errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("unknown radar op %q", op))
	}
	return d.dispatch(ctx, KindRadar, radarID, export, orEmptyObject(request))
}

func orEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// PutRequest targets a writable path on a vessel context.
type PutRequest struct {
	Context   string          `json:"context"`
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value"`
	RequestID string          `json:"requestId,omitempty"`
}

// PutResponse is the guest's reply. PENDING means the guest accepted
// the request and will confirm through a later delta.
type PutResponse struct {
	State      string `json:"state"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
}

// PUT completion states.
const (
	PutCompleted = "COMPLETED"
	PutPending   = "PENDING"
)

// Put routes a PUT request to the instance owning its (context, path)
// slot and parses the guest's reply. Missing state defaults to
// COMPLETED, missing status to 200.
func (d *Dispatcher) Put(ctx context.Context, req PutRequest) (*PutResponse, error) {
	if req.Context == "" {
		req.Context = DefaultContext
	}
	id, ok := d.puts.Owner(req.Context, req.Path)
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "PUT handler", req.Context+" "+req.Path)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "unencodable PUT value")
	}
	reply, err := d.call.CallString(ctx, id, MangleExport(req.Context, req.Path), string(payload))
	if err != nil {
		return nil, err
	}

	var resp PutResponse
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		return nil, errors.Wrap(errors.PhaseDispatch, errors.KindInternal, err,
			fmt.Sprintf("malformed PUT response from %q", id))
	}
	if resp.State == "" {
		resp.State = PutCompleted
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	return &resp, nil
}
