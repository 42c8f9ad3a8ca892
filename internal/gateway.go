// Package gateway defines domain types shared across the API gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"time"
)

// --- Upstreams ---

// Upstream describes a backend service mounted under a path prefix.
type Upstream struct {
	Name        string        // identifier used in logs and metrics
	Prefix      string        // path prefix, e.g. "/pedidos"
	Target      string        // base URL of the backend service
	StripPrefix bool          // remove Prefix before forwarding
	Timeout     time.Duration // per-request upstream timeout (0 = none)
	DNSCache    bool          // resolve the target host through the shared DNS cache
}

// --- Cache status ---

// CacheStatus describes what the response cache did with a request.
type CacheStatus string

const (
	CacheBypass    CacheStatus = "bypass"    // request not eligible for caching
	CacheHit       CacheStatus = "hit"       // served from a fresh entry
	CacheMiss      CacheStatus = "miss"      // forwarded downstream
	CacheStored    CacheStatus = "stored"    // miss whose response was committed
	CacheDiscarded CacheStatus = "discarded" // miss whose capture was dropped
	CacheCoalesced CacheStatus = "coalesced" // served from a concurrent leader's entry
)

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// CacheStatus is set later by the cache interceptor via mutation of the same
// pointer so the access log can report it without a second WithContext.
type requestMeta struct {
	RequestID   string
	CacheStatus CacheStatus
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// SetCacheStatus records the cache decision for the request in ctx.
// It is a no-op when ctx carries no request metadata.
func SetCacheStatus(ctx context.Context, status CacheStatus) {
	if m := metaFromContext(ctx); m != nil {
		m.CacheStatus = status
	}
}

// CacheStatusFromContext returns the recorded cache decision, or CacheBypass.
func CacheStatusFromContext(ctx context.Context) CacheStatus {
	if m := metaFromContext(ctx); m != nil && m.CacheStatus != "" {
		return m.CacheStatus
	}
	return CacheBypass
}
