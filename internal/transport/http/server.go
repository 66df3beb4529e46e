// Package http is the relayq ops server: health, Prometheus scrape, queue
// depth, DLQ inspection and replay, and stream consumer cursors.
//
//	GET  /health
//	GET  /metrics
//	GET  /queues/{queue}
//	GET  /queues/{queue}/dlq
//	POST /queues/{queue}/dlq/replay
//	GET  /streams/{stream}/consumers
//
// Nothing here produces or consumes; that happens in the database and in the
// `relayq queue` / `relayq stream` loops.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/relayq/internal/broker"
	"github.com/snehjoshi/relayq/internal/config"
)

// Server is the ops HTTP server of one broker.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger used for the access log.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// New wires the routes of b behind the API key, rate limit and access log
// described by cfg.
func New(b *broker.Broker, cfg config.MetricsConfig, opts ...ServerOption) *Server {
	s := &Server{log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "http")

	h := &Handler{broker: b, startedAt: time.Now()}
	routes := map[string]http.HandlerFunc{
		"GET /health":                     h.health,
		"GET /queues/{queue}":             h.queueStats,
		"GET /queues/{queue}/dlq":         h.getDLQ,
		"POST /queues/{queue}/dlq/replay": h.replayDLQ,
		"GET /streams/{stream}/consumers": h.streamConsumers,
	}
	mux := http.NewServeMux()
	for pattern, fn := range routes {
		mux.HandleFunc(pattern, fn)
	}
	if reg := b.Metrics(); reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	s.srv = &http.Server{
		Handler: wrap(mux,
			observe(s.log, b.Metrics()),
			capBody,
			requireKey(cfg.APIKey),
			limitClients(cfg.RateLimit, cfg.RateBurst),
		),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves on addr until Shutdown, then returns
// http.ErrServerClosed.
func (s *Server) ListenAndServe(addr string) error {
	s.srv.Addr = addr
	s.log.Info("ops server listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
