// Package server composes the gateway's request pipeline: baseline
// middleware, rate limiting, route resolution, auth gating, and dispatch.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/learnware/api-gateway/internal/auth"
	"github.com/learnware/api-gateway/internal/config"
	"github.com/learnware/api-gateway/internal/pipeline"
	"github.com/learnware/api-gateway/internal/proxy"
	"github.com/learnware/api-gateway/internal/ratelimit"
	"github.com/learnware/api-gateway/internal/routing"
)

// Options bundles the gateway's collaborators. Every component is
// constructed once at boot and injected; nothing here is a process-wide
// singleton.
type Options struct {
	Config     *config.Config
	Table      *routing.Table
	Limiter    *ratelimit.Limiter
	Policies   []ratelimit.Policy
	Verifier   *auth.Verifier
	Dispatcher *proxy.Dispatcher
	Logger     *slog.Logger
}

// Server owns the HTTP process lifecycle and the per-request pipeline.
type Server struct {
	Router *chi.Mux

	httpServer *http.Server
	pipeline   *pipeline.Pipeline
	dispatcher *proxy.Dispatcher
	logger     *slog.Logger
	started    time.Time
}

// New assembles the router and the staged pipeline. Middleware order and
// stage order together implement the per-request state machine: size
// check, then rate limit, then route resolution, then auth on protected
// routes, then dispatch; the first rejection responds and stops.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		dispatcher: opts.Dispatcher,
		logger:     logger,
		started:    time.Now(),
		pipeline: pipeline.New(
			RateLimitStage(opts.Limiter, opts.Policies, ClientIdentity(opts.Verifier)),
			RouteStage(opts.Table),
			AuthStage(opts.Verifier),
		),
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(AccessLogMiddleware(logger))
	r.Use(SecurityHeadersMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{opts.Config.CORS.Origin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(BodyLimitMiddleware(opts.Config.Server.BodyLimit))
	r.Use(RecovererMiddleware(logger, opts.Config.IsDevelopment()))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "api-gateway")
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/*", http.HandlerFunc(s.handleGateway))

	s.Router = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Config.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// handleHealth answers locally; the gateway's own liveness never depends
// on any upstream.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Seconds(),
	})
}

// handleGateway folds the policy stages and dispatches survivors upstream.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	req, out := s.pipeline.Run(r)
	if out.Responded() {
		if out.Status() == http.StatusTooManyRequests {
			// Low severity: capacity visibility, not a fault.
			s.logger.Debug("rate limit exceeded",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
		}
		for key, values := range out.Header() {
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		writeJSON(w, out.Status(), out.Body())
		return
	}

	route, ok := routing.RouteFromContext(req.Context())
	if !ok {
		// The route stage guarantees a route on every continued request;
		// reaching this is a gateway bug.
		panic("pipeline continued without a resolved route")
	}

	AddLogField(req.Context(), "service", route.Service)
	s.dispatcher.Forward(w, req, route)
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
