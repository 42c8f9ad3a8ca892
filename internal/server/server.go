// Package server implements the HTTP transport layer for the API gateway:
// routing, the middleware chain and the response cache interceptor.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/logistica/apigateway/internal/telemetry"
	"github.com/logistica/apigateway/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Upstreams      *upstream.Registry // nil = no proxied routes
	Cache          *Interceptor       // nil = no caching
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	AdminKey       string             // empty = admin routes disabled
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, cache: deps.Cache}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	if deps.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/cache", s.handleCacheStats)
		})
	}

	// Proxied services, longest prefix first.
	s.mountUpstreams(r)

	return r
}

type server struct {
	deps  Deps
	cache *Interceptor
}
