package lending

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"lendex/rpc"
)

// JSON-RPC error codes surfaced by the node. Engine failures keep their
// category on the wire, so clients can branch on the class of fault without
// string matching.
const (
	CodeInvalidParams       = -32602
	CodeServerError         = -32000
	CodeUnauthorized        = -32001
	CodeStateConflict       = -32002
	CodeHealthCheck         = -32003
	CodeTransferFailed      = -32004
	CodeModulePaused        = -32006
	CodeIdempotencyConflict = -32010
	CodeRateLimited         = -32020
)

var errNotInitialised = errors.New("lending client not initialised")

// Error is the JSON-RPC error object returned by the node.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "lending: unknown rpc error"
	}
	return fmt.Sprintf("lending: rpc error %d: %s", e.Code, e.Message)
}

// Client provides typed helpers over the lendex JSON-RPC API.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
	nextID     atomic.Int64
}

// Option customises a Client at construction time.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport, e.g. for tracing or tuned
// timeouts.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAuthToken sets the bearer token sent with every request. The node
// rejects mutating methods without one.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// New builds a client for a node RPC endpoint, e.g. "http://127.0.0.1:8545".
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("endpoint required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
	client := &Client{endpoint: trimmed, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// CallOption adjusts a single request.
type CallOption func(*http.Request)

// WithIdempotencyKey makes a mutating call safe to retry: the node records
// the first outcome under the key and replays it for duplicates instead of
// re-executing.
func WithIdempotencyKey(key string) CallOption {
	return func(r *http.Request) {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			r.Header.Set("Idempotency-Key", trimmed)
		}
	}
}

type requestEnvelope struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type responseEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// call posts a single-parameter JSON-RPC request and decodes the result into
// out. Node-side failures come back as *Error regardless of HTTP status.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}, opts ...CallOption) error {
	if c == nil || c.httpClient == nil {
		return errNotInitialised
	}
	envelope := requestEnvelope{JSONRPC: "2.0", Method: method, Params: []interface{}{}, ID: c.nextID.Add(1)}
	if params != nil {
		envelope.Params = []interface{}{params}
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	for _, opt := range opts {
		opt(req)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var reply responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if reply.Error != nil {
		return reply.Error
	}
	if out == nil {
		return nil
	}
	if len(reply.Result) == 0 {
		return fmt.Errorf("%s returned an empty result", method)
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

type symbolParams struct {
	Symbol string `json:"symbol"`
}

type positionParams struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

type addressParams struct {
	Address string `json:"address"`
}

// GetMarket fetches a market snapshot by symbol.
func (c *Client) GetMarket(ctx context.Context, symbol string) (*rpc.MarketResult, error) {
	out := &rpc.MarketResult{}
	if err := c.call(ctx, "lend_getMarket", symbolParams{Symbol: symbol}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMarkets enumerates all listed markets.
func (c *Client) ListMarkets(ctx context.Context) ([]rpc.MarketResult, error) {
	var out []rpc.MarketResult
	if err := c.call(ctx, "lend_listMarkets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSupplyPosition returns the account's supply position in a market.
func (c *Client) GetSupplyPosition(ctx context.Context, symbol, address string) (*rpc.SupplyPositionResult, error) {
	out := &rpc.SupplyPositionResult{}
	if err := c.call(ctx, "lend_getSupplyPosition", positionParams{Symbol: symbol, Address: address}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBorrowPosition returns the account's borrow position in a market.
func (c *Client) GetBorrowPosition(ctx context.Context, symbol, address string) (*rpc.BorrowPositionResult, error) {
	out := &rpc.BorrowPositionResult{}
	if err := c.call(ctx, "lend_getBorrowPosition", positionParams{Symbol: symbol, Address: address}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HealthFactor reports the account's cross-market collateral ratio.
func (c *Client) HealthFactor(ctx context.Context, address string) (*rpc.HealthFactorResult, error) {
	out := &rpc.HealthFactorResult{}
	if err := c.call(ctx, "lend_healthFactor", addressParams{Address: address}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Balance returns the account's bank balance for a symbol.
func (c *Client) Balance(ctx context.Context, symbol, address string) (*rpc.BalanceResult, error) {
	out := &rpc.BalanceResult{}
	if err := c.call(ctx, "bank_balance", positionParams{Symbol: symbol, Address: address}, out); err != nil {
		return nil, err
	}
	return out, nil
}
