package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"lendex/gateway/middleware"
)

type stubCalls struct {
	mu          sync.Mutex
	methods     []string
	lastParams  []byte
	lastAuth    string
	lastIdemKey string
}

func (c *stubCalls) snapshot() ([]string, []byte, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.methods...), append([]byte(nil), c.lastParams...), c.lastAuth, c.lastIdemKey
}

func newStubNode(t *testing.T) (*httptest.Server, *stubCalls) {
	t.Helper()
	calls := &stubCalls{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(body, &req)
		calls.mu.Lock()
		calls.methods = append(calls.methods, req.Method)
		calls.lastAuth = r.Header.Get("Authorization")
		calls.lastIdemKey = r.Header.Get("Idempotency-Key")
		if len(req.Params) > 0 {
			calls.lastParams = append([]byte(nil), req.Params[0]...)
		} else {
			calls.lastParams = nil
		}
		calls.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "lend_listMarkets":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":[{"symbol":"USDX"}]}`)
		case "lend_supply":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"txHash":"0xabc","balance":"400"}}`)
		case "lend_borrow":
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32003,"message":"health factor too low"}}`)
		case "lend_pause":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"paused":true}}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
		}
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func newTestRouter(t *testing.T, nodeURL string, ready func() error) http.Handler {
	t.Helper()
	target, err := url.Parse(nodeURL)
	require.NoError(t, err)
	handler, err := New(Config{
		NodeRPC:       target,
		NodeAuthToken: "node-token",
		Ready:         ready,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "gw-secret"}, nil),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"lending": {RatePerSecond: 100, Burst: 100},
			"admin":   {RatePerSecond: 100, Burst: 100},
		}, nil),
	})
	require.NoError(t, err)
	return handler
}

func signToken(t *testing.T, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	if scope != "" {
		claims["scope"] = scope
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("gw-secret"))
	require.NoError(t, err)
	return signed
}

func TestRouterHealthAndReady(t *testing.T) {
	node, _ := newStubNode(t)
	router := newTestRouter(t, node.URL, nil)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", res.Body.String())

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, res.Code)

	failing := newTestRouter(t, node.URL, func() error { return errors.New("journal offline") })
	res = httptest.NewRecorder()
	failing.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	require.Contains(t, res.Body.String(), "journal offline")
}

func TestLendingRoutesBridgeToRPC(t *testing.T) {
	node, calls := newStubNode(t)
	router := newTestRouter(t, node.URL, nil)
	token := signToken(t, "lendex.read")

	req := httptest.NewRequest(http.MethodGet, "/v1/lending/markets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `[{"symbol":"USDX"}]`, res.Body.String())

	body := `{"address":"lex1supplier","symbol":"USDX","amount":"400"}`
	req = httptest.NewRequest(http.MethodPost, "/v1/lending/supply", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "supply-1")
	res = httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"txHash":"0xabc","balance":"400"}`, res.Body.String())

	methods, params, auth, idemKey := calls.snapshot()
	require.Equal(t, []string{"lend_listMarkets", "lend_supply"}, methods)
	require.JSONEq(t, body, string(params))
	require.Equal(t, "Bearer node-token", auth)
	require.Equal(t, "supply-1", idemKey)
}

func TestLendingRoutesRequireToken(t *testing.T) {
	node, _ := newStubNode(t)
	router := newTestRouter(t, node.URL, nil)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/lending/markets", nil))
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestUpstreamErrorKeepsStatusAndCode(t *testing.T) {
	node, _ := newStubNode(t)
	router := newTestRouter(t, node.URL, nil)
	token := signToken(t, "lendex.read")

	body := `{"address":"lex1borrower","symbol":"USDX","amount":"900"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/lending/borrow", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	var payload struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Equal(t, "health factor too low", payload.Error)
	require.Equal(t, -32003, payload.Code)
}

func TestAdminRoutesEnforceScope(t *testing.T) {
	node, _ := newStubNode(t)
	router := newTestRouter(t, node.URL, nil)
	body := `{"caller":"lex1admin"}`

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "lendex.read"))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/pause", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "lendex.admin"))
	res = httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"paused":true}`, res.Body.String())
}

func TestRPCPassthrough(t *testing.T) {
	node, calls := newStubNode(t)
	router := newTestRouter(t, node.URL, nil)

	body := `{"jsonrpc":"2.0","method":"lend_listMarkets","params":[],"id":1}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"result"`)
	methods, _, _, _ := calls.snapshot()
	require.Equal(t, []string{"lend_listMarkets"}, methods)
}

func TestRouterAnswersPreflight(t *testing.T) {
	node, _ := newStubNode(t)
	router := newTestRouter(t, node.URL, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/lending/markets", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusNoContent, res.Code)
	require.NotEmpty(t, res.Header().Get("Access-Control-Allow-Methods"))
}
