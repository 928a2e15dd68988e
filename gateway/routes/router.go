package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"lendex/gateway/middleware"
)

// Config assembles the gateway routing table. NodeRPC is the only upstream:
// the lending and admin groups bridge REST calls onto it, and /rpc exposes it
// verbatim for JSON-RPC clients that want to keep their existing tooling.
type Config struct {
	NodeRPC       *url.URL
	NodeAuthToken string
	Ready         func() error
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	AdminScopes   []string
	Logger        *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.NodeRPC == nil {
		return nil, errors.New("node RPC target required")
	}
	bridge, err := newRPCBridge(cfg.NodeRPC, cfg.NodeAuthToken)
	if err != nil {
		return nil, fmt.Errorf("configure rpc bridge: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/rpc", NewProxy(cfg.NodeRPC, "/rpc", cfg.Logger))

	lending := newLendingRoutes(bridge)
	r.Route("/v1/lending", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("lending"))
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware())
		}
		if obs != nil {
			sr.Use(obs.Middleware("lending"))
		}
		lending.mount(sr)
	})

	admin := newAdminRoutes(bridge)
	adminScopes := cfg.AdminScopes
	if len(adminScopes) == 0 {
		adminScopes = []string{"lendex.admin"}
	}
	r.Route("/v1/admin", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("admin"))
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware(adminScopes...))
		}
		if obs != nil {
			sr.Use(obs.Middleware("admin"))
		}
		admin.mount(sr)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
