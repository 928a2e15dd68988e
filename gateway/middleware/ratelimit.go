package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorStaleAfter = 10 * time.Minute
	visitorMaxEntries = 4096
)

// RateLimit describes the budget for one route group. RatePerSecond wins over
// RequestsPerMinute when both are set. Tokens maps "METHOD /path" to a per-hit
// cost, letting expensive mutations drain the bucket faster than reads.
type RateLimit struct {
	RatePerSecond     float64
	RequestsPerMinute float64
	Burst             int
	DefaultTokens     int
	Tokens            map[string]int
}

func (l RateLimit) perSecond() rate.Limit {
	if l.RatePerSecond > 0 {
		return rate.Limit(l.RatePerSecond)
	}
	if l.RequestsPerMinute > 0 {
		return rate.Limit(l.RequestsPerMinute / 60.0)
	}
	return rate.Limit(1)
}

func (l RateLimit) burst() int {
	if l.Burst > 0 {
		return l.Burst
	}
	return 1
}

func (l RateLimit) tokensFor(r *http.Request) int {
	if cost, ok := l.Tokens[r.Method+" "+r.URL.Path]; ok && cost > 0 {
		return cost
	}
	if l.DefaultTokens > 0 {
		return l.DefaultTokens
	}
	return 1
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter buckets callers per route group and client identity. Clients
// presenting an X-API-Key are tracked by key, everything else by IP.
type RateLimiter struct {
	log    *slog.Logger
	limits map[string]RateLimit

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits map[string]RateLimit, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		log:      log,
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := rl.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			limiter := rl.obtainLimiter(key+"|"+clientID(req), limit)
			if !limiter.AllowN(time.Now(), limit.tokensFor(req)) {
				rl.log.Debug("gateway rate limit hit", "route", key, "path", req.URL.Path)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (rl *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	for key, entry := range rl.visitors {
		if now.Sub(entry.lastSeen) > visitorStaleAfter {
			delete(rl.visitors, key)
		}
	}
	if len(rl.visitors) >= visitorMaxEntries {
		rl.evictOldestLocked()
	}
	entry := &visitor{limiter: rate.NewLimiter(cfg.perSecond(), cfg.burst()), lastSeen: now}
	rl.visitors[id] = entry
	return entry.limiter
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestSeen time.Time
	for key, entry := range rl.visitors {
		if oldestKey == "" || entry.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = entry.lastSeen
		}
	}
	if oldestKey != "" {
		delete(rl.visitors, oldestKey)
	}
}

func clientID(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + key
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma >= 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
