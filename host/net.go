package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/seakeel/plugin-runtime/bridge"
	"github.com/seakeel/plugin-runtime/capability"
)

// maxFetchBody caps response bodies read on behalf of a guest. The
// guest's own result buffer is usually far smaller.
const maxFetchBody = 10 << 20

// httpRequestSpec is what guests pass to sk_http_request.
type httpRequestSpec struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// httpResponseSpec is written back into the guest's buffer.
type httpResponseSpec struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// sk_http_request(ptr, len, out, max) -> written: fetch a URL on the
// guest's behalf. The canonical suspending binding: asyncified guests
// park here while the host performs the round trip; everyone else
// blocks their own worker. -1 on denial, bad request, or fetch
// failure.
func skHTTPRequest(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil {
		push(stack, -1)
		return
	}

	sched := bridge.GetScheduler(ctx)
	if sched != nil && sched.Resuming() {
		data, err := sched.Resume(ctx)
		if err != nil {
			push(stack, -1)
			return
		}
		push(stack, writeResult(mod, stack[2], stack[3], data))
		return
	}

	if !st.allow(capability.Network, "sk_http_request") {
		push(stack, -1)
		return
	}

	raw, ok := readBytes(mod, stack[0], stack[1])
	if !ok {
		push(stack, -1)
		return
	}
	var spec httpRequestSpec
	if err := json.Unmarshal(raw, &spec); err != nil || spec.URL == "" {
		st.logger().Warn("malformed fetch request",
			zap.String("plugin", st.PluginID),
			zap.Error(err))
		push(stack, -1)
		return
	}

	op := bridge.OpFunc(func(ctx context.Context) ([]byte, error) {
		return st.fetch(ctx, spec)
	})

	if sched != nil && sched.Enabled() {
		if err := sched.Suspend(ctx, op); err != nil {
			push(stack, -1)
		}
		return
	}

	data, err := op.Execute(ctx)
	if err != nil {
		st.logger().Warn("fetch failed",
			zap.String("plugin", st.PluginID),
			zap.String("url", spec.URL),
			zap.Error(err))
		push(stack, -1)
		return
	}
	push(stack, writeResult(mod, stack[2], stack[3], data))
}

// fetch performs the round trip and encodes the guest-facing response.
func (s *State) fetch(ctx context.Context, spec httpRequestSpec) ([]byte, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	client := s.HTTP
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(httpResponseSpec{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(data),
	})
}

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// sk_udp_send(hostPtr, hostLen, port, payloadPtr, payloadLen) ->
// bytes sent, -1 on denial or send failure. One datagram per call.
func skUDPSend(ctx context.Context, mod api.Module, stack []uint64) {
	st := StateFrom(ctx)
	if st == nil {
		push(stack, -1)
		return
	}
	if !st.allow(capability.RawSockets, "sk_udp_send") {
		push(stack, -1)
		return
	}

	hostname, ok := readString(mod, stack[0], stack[1])
	if !ok || hostname == "" {
		push(stack, -1)
		return
	}
	port := int(uint32(stack[2]))
	if port <= 0 || port > 65535 {
		push(stack, -1)
		return
	}
	payload, ok := readBytes(mod, stack[3], stack[4])
	if !ok {
		push(stack, -1)
		return
	}

	sender := st.UDP
	if sender == nil {
		sender = defaultUDPSender
	}
	n, err := sender.Send(ctx, hostname, port, payload)
	if err != nil {
		st.logger().Warn("udp send failed",
			zap.String("plugin", st.PluginID),
			zap.String("host", hostname),
			zap.Int("port", port),
			zap.Error(err))
		push(stack, -1)
		return
	}
	push(stack, int32(n))
}

// NetUDPSender sends datagrams over the real network with a dial
// timeout.
type NetUDPSender struct {
	Timeout time.Duration
}

func (s NetUDPSender) Send(ctx context.Context, hostname string, port int, payload []byte) (int, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(hostname, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("dial udp: %w", err)
	}
	defer conn.Close()
	return conn.Write(payload)
}

var defaultUDPSender = NetUDPSender{}
