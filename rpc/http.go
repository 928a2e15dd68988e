package rpc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"lendex/core"
	"lendex/observability"
	"lendex/rpc/modules"
	"lendex/storage"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20

	rateLimitWindow       = time.Minute
	maxMutationsPerWindow = 60
	rateLimiterStaleAfter = 10 * time.Minute
	rateLimiterMaxEntries = 4096
	maxForwardedForAddrs  = 10

	idempotencyKeyHeader   = "Idempotency-Key"
	maxIdempotencyKeyBytes = 128
	replayMarkerHeader     = "X-Idempotent-Replay"
)

const (
	codeParseError          = -32700
	codeInvalidRequest      = -32600
	codeMethodNotFound      = -32601
	codeInvalidParams       = -32602
	codeServerError         = -32000
	codeUnauthorized        = -32001
	codeIdempotencyConflict = -32010
	codeRateLimited         = -32020
)

// ServerConfig tunes the JSON-RPC surface. The zero value serves plaintext
// with defaults suitable for development.
type ServerConfig struct {
	// AuthToken is the bearer token required on mutating methods. When
	// empty, LENDEX_RPC_TOKEN is consulted; with neither set, mutating
	// methods are rejected.
	AuthToken string
	// TrustProxyHeaders honours X-Forwarded-For from any peer. Prefer
	// TrustedProxies, which limits that trust to known proxy addresses.
	TrustProxyHeaders bool
	TrustedProxies    []string
	// MaxConns caps concurrent connections; zero means unlimited.
	MaxConns int

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

type rateLimiter struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// Server exposes node operations over JSON-RPC with bearer auth, per-source
// rate limiting and idempotent replay for mutating methods.
type Server struct {
	node    *core.Node
	lending *modules.LendingModule
	replay  *storage.ReplayCache
	log     *slog.Logger
	cfg     ServerConfig
	trusted map[string]struct{}

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer wires the RPC surface over the node. The replay cache is
// optional; without it, Idempotency-Key headers are ignored.
func NewServer(node *core.Node, replay *storage.ReplayCache, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("LENDEX_RPC_TOKEN"))
	}
	cfg.AuthToken = token
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			trusted[trimmed] = struct{}{}
		}
	}
	return &Server{
		node:         node,
		lending:      modules.NewLendingModule(node),
		replay:       replay,
		log:          slog.Default(),
		cfg:          cfg,
		trusted:      trusted,
		rateLimiters: make(map[string]*rateLimiter),
	}
}

func (s *Server) SetLogger(log *slog.Logger) {
	if s == nil || log == nil {
		return
	}
	s.log = log
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return otelhttp.NewHandler(mux, "lendex-rpc")
}

// Start listens on addr and serves until the listener closes.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.log.Info("JSON-RPC server listening", "addr", listener.Addr().String())
	return s.Serve(listener)
}

// Serve runs the HTTP server on the supplied listener, capping concurrent
// connections when configured.
func (s *Server) Serve(listener net.Listener) error {
	if s.cfg.MaxConns > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConns)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: durationOr(s.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       durationOr(s.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      durationOr(s.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       durationOr(s.cfg.IdleTimeout, 120*time.Second),
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	return srv.Serve(listener)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		observability.ModuleMetrics().Observe(moduleOf(req.Method), req.Method, sw.statusCode(), time.Since(start))
	}()

	switch req.Method {
	case "lend_listMarket":
		s.dispatchMutation(sw, r, req, body, s.handleLendListMarket)
	case "lend_supply":
		s.dispatchMutation(sw, r, req, body, s.handleLendSupply)
	case "lend_withdraw":
		s.dispatchMutation(sw, r, req, body, s.handleLendWithdraw)
	case "lend_borrow":
		s.dispatchMutation(sw, r, req, body, s.handleLendBorrow)
	case "lend_repay":
		s.dispatchMutation(sw, r, req, body, s.handleLendRepay)
	case "lend_liquidate":
		s.dispatchMutation(sw, r, req, body, s.handleLendLiquidate)
	case "lend_withdrawReserves":
		s.dispatchMutation(sw, r, req, body, s.handleLendWithdrawReserves)
	case "bank_mint":
		s.dispatchMutation(sw, r, req, body, s.handleBankMint)
	case "lend_accrue":
		// Accrual is a permissionless poke, but still rate limited.
		if !s.allowSource(s.clientSource(r), time.Now()) {
			observability.ModuleMetrics().RecordThrottle(moduleOf(req.Method), "rate_limit")
			writeError(sw, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded for source", nil)
			return
		}
		s.handleLendAccrue(sw, r, req)
	case "lend_pause":
		// Pause control stays reachable under load, so it skips the
		// rate limiter.
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(sw, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleLendSetPaused(sw, req, true)
	case "lend_resume":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(sw, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleLendSetPaused(sw, req, false)
	case "lend_getMarket":
		s.handleLendGetMarket(sw, r, req)
	case "lend_listMarkets":
		s.handleLendListMarkets(sw, r, req)
	case "lend_getSupplyPosition":
		s.handleLendGetSupplyPosition(sw, r, req)
	case "lend_getBorrowPosition":
		s.handleLendGetBorrowPosition(sw, r, req)
	case "lend_healthFactor":
		s.handleLendHealthFactor(sw, r, req)
	case "bank_balance":
		s.handleBankBalance(sw, r, req)
	default:
		writeError(sw, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// moduleOf derives the metrics module label from a method name, e.g.
// "lend_supply" -> "lend".
func moduleOf(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return method
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// dispatchMutation gates a state-changing handler behind bearer auth, the
// per-source rate limiter and, when an Idempotency-Key header is present,
// the replay cache.
func (s *Server) dispatchMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest, body []byte, handler func(http.ResponseWriter, *http.Request, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if !s.allowSource(s.clientSource(r), time.Now()) {
		observability.ModuleMetrics().RecordThrottle(moduleOf(req.Method), "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded for source", nil)
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if key == "" || s.replay == nil {
		handler(w, r, req)
		return
	}
	if len(key) > maxIdempotencyKeyBytes {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "idempotency key too long", nil)
		return
	}

	requestHash := hashRequest(body)
	now := time.Now()
	cached, hit, err := s.replay.Lookup(key, requestHash, now)
	if err != nil {
		if errors.Is(err, storage.ErrIdempotencyMismatch) {
			writeError(w, http.StatusConflict, req.ID, codeIdempotencyConflict, "idempotency key reused with a different request", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "idempotency lookup failed", err.Error())
		return
	}
	if hit {
		w.Header().Set(replayMarkerHeader, "true")
		_, _ = w.Write(cached)
		return
	}

	recorder := newResponseRecorder()
	handler(recorder, r, req)
	recorder.copyTo(w)
	// Only successful responses are pinned; a failed attempt may be retried
	// under the same key.
	if recorder.status == http.StatusOK {
		if err := s.replay.Store(key, requestHash, recorder.body.Bytes(), now); err != nil {
			s.log.Error("store idempotent response", "method", req.Method, "err", err)
		}
	}
}

type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *responseRecorder) copyTo(w http.ResponseWriter) {
	for key, values := range r.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if r.status != http.StatusOK {
		w.WriteHeader(r.status)
	}
	_, _ = w.Write(r.body.Bytes())
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, limiter := range s.rateLimiters {
		if now.Sub(limiter.lastSeen) > rateLimiterStaleAfter {
			delete(s.rateLimiters, key)
		}
	}

	limiter, ok := s.rateLimiters[source]
	if !ok {
		if len(s.rateLimiters) >= rateLimiterMaxEntries {
			s.evictOldestLocked()
		}
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	limiter.lastSeen = now
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxMutationsPerWindow {
		return false
	}
	limiter.count++
	return true
}

func (s *Server) evictOldestLocked() {
	var oldestKey string
	var oldestSeen time.Time
	for key, limiter := range s.rateLimiters {
		if oldestKey == "" || limiter.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = limiter.lastSeen
		}
	}
	if oldestKey != "" {
		delete(s.rateLimiters, oldestKey)
	}
}

// clientSource resolves the address used for rate limiting. Forwarded
// headers are honoured only when the direct peer is a trusted proxy, so
// clients cannot mint fresh limiter buckets by spoofing X-Forwarded-For.
func (s *Server) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.trustsProxy(host) {
		return host
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return host
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return host
	}
	for _, part := range parts {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		if h, _, err := net.SplitHostPort(candidate); err == nil {
			candidate = h
		}
		return candidate
	}
	return host
}

func (s *Server) trustsProxy(host string) bool {
	if s.cfg.TrustProxyHeaders {
		return true
	}
	_, ok := s.trusted[host]
	return ok
}
