// Package gateway hosts the operator-facing HTTP surface: health and
// readiness probes, prometheus metrics, a REST bridge over the node's
// JSON-RPC API and a raw /rpc passthrough, all behind JWT auth and
// per-route rate limits.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lendex/gateway/middleware"
	"lendex/gateway/routes"
)

type Config struct {
	ListenAddress string
	NodeRPCURL    string
	NodeRPCToken  string
	AdminScopes   []string

	Auth          middleware.AuthConfig
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
	Observability middleware.ObservabilityConfig

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg     Config
	log     *slog.Logger
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer builds the routed gateway. ready is polled by /readyz and may be
// nil when the deployment has no readiness signal beyond process liveness.
func NewServer(cfg Config, ready func() error, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8081"
	}
	if strings.TrimSpace(cfg.NodeRPCURL) == "" {
		return nil, fmt.Errorf("gateway: node RPC URL required")
	}
	target, err := url.Parse(cfg.NodeRPCURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse node RPC URL: %w", err)
	}

	handler, err := routes.New(routes.Config{
		NodeRPC:       target,
		NodeAuthToken: cfg.NodeRPCToken,
		Ready:         ready,
		Authenticator: middleware.NewAuthenticator(cfg.Auth, log),
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimits, log),
		Observability: middleware.NewObservability(cfg.Observability, log),
		CORS:          cfg.CORS,
		AdminScopes:   cfg.AdminScopes,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, log: log, handler: handler}, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.log.Info("gateway listening", "addr", listener.Addr().String())
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  timeoutOr(s.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: timeoutOr(s.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  timeoutOr(s.cfg.IdleTimeout, 120*time.Second),
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	return srv.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func timeoutOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
