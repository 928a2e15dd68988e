package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const bridgeRequestLimit = 1 << 20 // 1 MiB

// rpcBridge translates REST handlers into single JSON-RPC calls against the
// node. The gateway authenticates to the node with its own bearer token; the
// caller's identity is established separately by the gateway middleware.
type rpcBridge struct {
	target  *url.URL
	client  *http.Client
	token   string
	timeout time.Duration
}

type rpcCall struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newRPCBridge(target *url.URL, token string) (*rpcBridge, error) {
	if target == nil {
		return nil, errors.New("nil rpc target")
	}
	cloned := *target
	if strings.TrimSpace(cloned.Scheme) == "" {
		return nil, errors.New("rpc target scheme required")
	}
	if strings.TrimSpace(cloned.Host) == "" {
		return nil, errors.New("rpc target host required")
	}
	if strings.TrimSpace(cloned.Path) == "" {
		cloned.Path = "/"
	}
	return &rpcBridge{
		target: &cloned,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		token:   strings.TrimSpace(token),
		timeout: 10 * time.Second,
	}, nil
}

// forward runs one RPC method and relays the result (or the error, keeping
// the node's HTTP status) back to the REST caller.
func (b *rpcBridge) forward(w http.ResponseWriter, r *http.Request, method string, params interface{}) {
	if b == nil || b.target == nil {
		writeInternalError(w, errors.New("rpc bridge misconfigured"))
		return
	}
	call := rpcCall{JSONRPC: "2.0", ID: 1, Method: method, Params: []interface{}{}}
	if params != nil {
		call.Params = append(call.Params, params)
	}
	payload, err := json.Marshal(call)
	if err != nil {
		writeInternalError(w, fmt.Errorf("encode upstream request: %w", err))
		return
	}

	ctx, cancel := b.context(r.Context())
	defer cancel()

	upstream, err := http.NewRequestWithContext(ctx, http.MethodPost, b.target.String(), bytes.NewReader(payload))
	if err != nil {
		writeInternalError(w, fmt.Errorf("build upstream request: %w", err))
		return
	}
	upstream.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		upstream.Header.Set("Authorization", "Bearer "+b.token)
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		upstream.Header.Set("Idempotency-Key", key)
	}
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if remote := clientHost(r.RemoteAddr); remote != "" {
		if forwarded != "" {
			forwarded = forwarded + ", " + remote
		} else {
			forwarded = remote
		}
	}
	if forwarded != "" {
		upstream.Header.Set("X-Forwarded-For", forwarded)
	}

	resp, err := b.client.Do(upstream)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Errorf("forward %s: %w", method, err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, bridgeRequestLimit))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Errorf("read upstream response: %w", err))
		return
	}
	if marker := resp.Header.Get("X-Idempotent-Replay"); marker != "" {
		w.Header().Set("X-Idempotent-Replay", marker)
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Errorf("decode upstream response: %w", err))
		return
	}
	if envelope.Error != nil {
		status := resp.StatusCode
		if status == http.StatusOK {
			status = http.StatusInternalServerError
		}
		writeRPCError(w, status, envelope.Error)
		return
	}
	writeRawJSON(w, envelope.Result)
}

func (b *rpcBridge) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := b.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

func clientHost(addr string) string {
	host := strings.TrimSpace(addr)
	if host == "" {
		return ""
	}
	if parsedHost, _, err := net.SplitHostPort(host); err == nil {
		host = parsedHost
	}
	return strings.TrimSpace(host)
}

func decodeRequest(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, bridgeRequestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeRawJSON(w http.ResponseWriter, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, _ = w.Write(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeErrorPayload(w, status, map[string]interface{}{"error": message})
}

func writeRPCError(w http.ResponseWriter, status int, rpcErr *rpcErrorBody) {
	payload := map[string]interface{}{
		"error": rpcErr.Message,
		"code":  rpcErr.Code,
	}
	if len(rpcErr.Data) > 0 {
		payload["data"] = rpcErr.Data
	}
	writeErrorPayload(w, status, payload)
}

func writeErrorPayload(w http.ResponseWriter, status int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"internal error"}`)
	}
	_, _ = w.Write(data)
}
