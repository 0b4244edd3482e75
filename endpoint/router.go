package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/seakeel/plugin-runtime/errors"
)

// maxRequestBody caps how much of an inbound body is forwarded to a
// guest.
const maxRequestBody = 1 << 20

// Invoker calls a guest handler export with the request JSON and
// returns the guest's reply. The lifecycle manager implements it.
type Invoker interface {
	CallString(ctx context.Context, id, export, input string) (string, error)
}

// guestRequest is the JSON a handler export receives.
type guestRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query"`
	Params  map[string]string `json:"params"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// guestResponse is the JSON a handler export returns.
type guestResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type routeKey struct {
	method string
	path   string
}

type route struct {
	owner     string
	export    string
	guestPath string
}

// Options tune the router. The zero value is usable.
type Options struct {
	// OnError observes guest handler failures after the 502 is
	// written. The manager escalates traps through it.
	OnError func(id string, err error)
}

// Router matches requests to guest endpoints and host intercepts.
// Mount it under "/plugins/" on the host mux. Safe for concurrent
// use.
type Router struct {
	invoke  Invoker
	onError func(id string, err error)

	mu         sync.RWMutex
	routes     map[routeKey]*route
	intercepts map[routeKey]http.Handler
}

func NewRouter(invoke Invoker, opts *Options) *Router {
	r := &Router{
		invoke:     invoke,
		routes:     make(map[routeKey]*route),
		intercepts: make(map[routeKey]http.Handler),
	}
	if opts != nil {
		r.onError = opts.OnError
	}
	return r
}

// Register claims routes for an instance under Prefix(id). The
// declaration is atomic: one bad endpoint rejects the whole set. Every
// handler export must exist on the guest even when the host intercepts
// the route. Re-registering the same instance replaces its routes.
func (r *Router) Register(id string, eps []Endpoint, hasExport func(string) bool) error {
	if len(eps) == 0 {
		return nil
	}

	staged := make(map[routeKey]*route, len(eps))
	var missing []string
	for _, ep := range eps {
		method := strings.ToUpper(strings.TrimSpace(ep.Method))
		if method == "" {
			method = http.MethodGet
		}
		p := ep.Path
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if ep.Handler == "" {
			return errors.Registration(id,
				fmt.Sprintf("endpoint %s %s declares no handler export", method, p), nil)
		}
		if hasExport == nil || !hasExport(ep.Handler) {
			missing = append(missing, ep.Handler)
			continue
		}
		key := routeKey{method: method, path: Prefix(id) + p}
		if _, dup := staged[key]; dup {
			return errors.Registration(id,
				fmt.Sprintf("duplicate endpoint %s %s", method, p), nil)
		}
		staged[key] = &route{owner: id, export: ep.Handler, guestPath: p}
	}
	if len(missing) > 0 {
		return errors.Registration(id, "endpoint handlers",
			errors.NewMissingExportsError("endpoint", missing))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rt := range staged {
		r.routes[key] = rt
	}
	return nil
}

// Intercept installs a host handler for one method and full path,
// consulted before guest dispatch. Passing a nil handler removes the
// intercept.
func (r *Router) Intercept(method, path string, h http.Handler) {
	key := routeKey{method: strings.ToUpper(method), path: path}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.intercepts, key)
		return
	}
	r.intercepts[key] = h
}

// UnregisterInstance drops every route owned by id. Host intercepts
// stay.
func (r *Router) UnregisterInstance(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rt := range r.routes {
		if rt.owner == id {
			delete(r.routes, key)
		}
	}
}

// Routes lists the registered paths for an instance, method-qualified.
func (r *Router) Routes(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key, rt := range r.routes {
		if rt.owner == id {
			out = append(out, key.method+" "+key.path)
		}
	}
	return out
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	key := routeKey{method: req.Method, path: req.URL.Path}

	r.mu.RLock()
	intercept := r.intercepts[key]
	rt, matched := r.routes[key]
	r.mu.RUnlock()

	if intercept != nil {
		intercept.ServeHTTP(w, req)
		return
	}
	if !matched {
		http.NotFound(w, req)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "unreadable request body", http.StatusBadRequest)
		return
	}
	payload, err := json.Marshal(guestRequest{
		Method:  req.Method,
		Path:    rt.guestPath,
		Query:   firstValues(req.URL.Query()),
		Params:  map[string]string{},
		Body:    string(body),
		Headers: firstValues(req.Header),
	})
	if err != nil {
		http.Error(w, "unencodable request", http.StatusInternalServerError)
		return
	}

	reply, err := r.invoke.CallString(req.Context(), rt.owner, rt.export, string(payload))
	if err != nil {
		http.Error(w, "plugin handler failed", http.StatusBadGateway)
		r.fail(rt.owner, err)
		return
	}

	var resp guestResponse
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		http.Error(w, "plugin returned a malformed response", http.StatusBadGateway)
		r.fail(rt.owner, errors.Wrap(errors.PhaseDispatch, errors.KindInternal, err,
			fmt.Sprintf("malformed response from %s", rt.export)))
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, resp.Body)
}

func (r *Router) fail(id string, err error) {
	if r.onError != nil {
		r.onError(id, err)
	}
}

func firstValues(m map[string][]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
