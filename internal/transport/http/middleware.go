package http

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/relayq/internal/metrics"
)

type middleware func(http.Handler) http.Handler

// wrap applies mw around h; mw[0] sees the request first.
func wrap(h http.Handler, mw ...middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// probeRoutes are scrape targets logged at debug level. Those mapped to true
// also skip the API key check.
var probeRoutes = map[string]bool{"/health": true, "/metrics": false}

// ─── Access log + request metrics ─────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// observe logs every request and counts it per mux pattern. The pattern is
// read after the mux ran; requests rejected earlier are counted as
// "unrouted".
func observe(log *slog.Logger, reg *metrics.Registry) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unrouted"
			}
			reg.HTTPRequest(route, rec.code)

			level := slog.LevelInfo
			if _, probe := probeRoutes[r.URL.Path]; probe && rec.code < 400 {
				level = slog.LevelDebug
			}
			log.Log(r.Context(), level, "request",
				"method", r.Method,
				"route", route,
				"status", rec.code,
				"elapsed_ms", time.Since(began).Milliseconds(),
			)
		})
	}
}

// ─── API key ──────────────────────────────────────────────────────────────────

// requireKey rejects requests whose X-Api-Key header differs from key.
// Liveness probes are exempt. An empty key turns the check off.
func requireKey(key string) middleware {
	if key == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !probeRoutes[r.URL.Path] &&
				subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Key")), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Per-client rate limit ────────────────────────────────────────────────────

const (
	maxTrackedClients = 1024
	clientIdleAfter   = 10 * time.Minute
)

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiters keeps one token bucket per remote host.
type clientLimiters struct {
	every rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

func newClientLimiters(rps float64, burst int, now func() time.Time) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiters{
		every:   rate.Limit(rps),
		burst:   burst,
		now:     now,
		buckets: make(map[string]*clientBucket),
	}
}

// allow spends one token of host's bucket. Idle buckets are dropped once the
// table reaches maxTrackedClients.
func (c *clientLimiters) allow(host string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[host]
	if !ok {
		if len(c.buckets) >= maxTrackedClients {
			c.evictIdle(now)
		}
		b = &clientBucket{lim: rate.NewLimiter(c.every, c.burst)}
		c.buckets[host] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (c *clientLimiters) evictIdle(now time.Time) {
	for host, b := range c.buckets {
		if now.Sub(b.seen) > clientIdleAfter {
			delete(c.buckets, host)
		}
	}
}

func (c *clientLimiters) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// limitClients throttles by remote host. rps <= 0 turns limiting off. The ops
// server is not meant to sit behind a proxy, so forwarding headers are
// ignored.
func limitClients(rps float64, burst int) middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lims := newClientLimiters(rps, burst, time.Now)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lims.allow(remoteHost(r)) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Body cap ─────────────────────────────────────────────────────────────────

// maxBodyBytes caps request bodies. Every route takes its parameters from the
// path or query string.
const maxBodyBytes = 64 << 10

func capBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
