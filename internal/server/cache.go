package server

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	gateway "github.com/logistica/apigateway/internal"
	"github.com/logistica/apigateway/internal/cache"
	"github.com/logistica/apigateway/internal/telemetry"
)

// CacheOptions configures the response cache interceptor.
type CacheOptions struct {
	Store               cache.Store
	TTL                 time.Duration      // 0 = cache.DefaultTTL
	MaxEntryBytes       int64              // 0 = unlimited
	StoreErrorResponses bool               // false = commit 2xx only
	Coalesce            bool               // share one downstream call per key
	Metrics             *telemetry.Metrics // nil = no metrics
	Now                 func() time.Time   // nil = time.Now
	Tracer              trace.Tracer       // nil = global provider
}

// CacheStats are the interceptor's lifetime counters.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Bypassed  int64 `json:"bypassed"`
	Stored    int64 `json:"stored"`
	Discarded int64 `json:"discarded"`
	Coalesced int64 `json:"coalesced"`
}

// Interceptor is the response cache middleware. Read-only requests are served
// from a fresh entry when one exists; otherwise the downstream response is
// streamed to the client through a cache.Capture and committed once the
// exchange completed cleanly.
type Interceptor struct {
	store       cache.Store
	ttl         time.Duration
	limit       int64
	storeErrors bool
	coalesce    bool
	metrics     *telemetry.Metrics
	now         func() time.Time
	tracer      trace.Tracer
	group       singleflight.Group

	hits, misses, bypassed   atomic.Int64
	stored, discarded, coals atomic.Int64
}

// NewInterceptor creates an Interceptor from opts. opts.Store is required.
func NewInterceptor(opts CacheOptions) *Interceptor {
	ic := &Interceptor{
		store:       opts.Store,
		ttl:         opts.TTL,
		limit:       opts.MaxEntryBytes,
		storeErrors: opts.StoreErrorResponses,
		coalesce:    opts.Coalesce,
		metrics:     opts.Metrics,
		now:         opts.Now,
		tracer:      opts.Tracer,
	}
	if ic.tracer == nil {
		ic.tracer = telemetry.Tracer("apigateway/cache")
	}
	if ic.ttl <= 0 {
		ic.ttl = cache.DefaultTTL
	}
	if ic.now == nil {
		ic.now = time.Now
	}
	return ic
}

// TTL returns the freshness lifetime applied to entries.
func (ic *Interceptor) TTL() time.Duration { return ic.ttl }

// Len returns the estimated number of stored entries.
func (ic *Interceptor) Len() int { return ic.store.Len() }

// Stats returns a snapshot of the interceptor counters.
func (ic *Interceptor) Stats() CacheStats {
	return CacheStats{
		Hits:      ic.hits.Load(),
		Misses:    ic.misses.Load(),
		Bypassed:  ic.bypassed.Load(),
		Stored:    ic.stored.Load(),
		Discarded: ic.discarded.Load(),
		Coalesced: ic.coals.Load(),
	}
}

// exchange tracks one request through the interceptor.
type exchange struct {
	key    string
	hash   string // cache.KeyHash(key); safe to export
	status gateway.CacheStatus
	age    time.Duration
}

// Middleware wraps next with the cache.
func (ic *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cache.IsCacheableRequest(r) {
			ic.bypassed.Add(1)
			if ic.metrics != nil {
				ic.metrics.CacheBypass.Inc()
			}
			gateway.SetCacheStatus(r.Context(), gateway.CacheBypass)
			next.ServeHTTP(w, r)
			return
		}

		key := cache.Key(r)
		ex := &exchange{key: key, hash: cache.KeyHash(key), status: gateway.CacheMiss}
		ctx, span := ic.tracer.Start(r.Context(), "cache "+r.Method,
			trace.WithAttributes(telemetry.AttrCacheKeyHash.String(ex.hash)),
		)
		r = r.WithContext(ctx)
		defer ic.finish(r, span, ex)

		if e, ok := ic.store.Get(ex.key); ok {
			now := ic.now()
			if cache.IsFresh(e, ic.ttl, now) {
				ex.status = gateway.CacheHit
				ex.age = now.Sub(e.CreatedAt)
				ic.hits.Add(1)
				if ic.metrics != nil {
					ic.metrics.CacheHits.Inc()
				}
				replay(w, r, e)
				return
			}
		}

		ic.misses.Add(1)
		if ic.metrics != nil {
			ic.metrics.CacheMisses.Inc()
		}
		if ic.coalesce {
			ic.forwardShared(w, r, next, ex)
			return
		}
		ic.forward(w, r, next, ex)
	})
}

// finish records the cache decision on the span, the request metadata and
// the debug log. It runs on both normal return and panic.
func (ic *Interceptor) finish(r *http.Request, span trace.Span, ex *exchange) {
	gateway.SetCacheStatus(r.Context(), ex.status)
	span.SetAttributes(telemetry.AttrCacheStatus.String(string(ex.status)))
	if ex.status == gateway.CacheHit {
		span.SetAttributes(telemetry.AttrCacheAge.Int64(ex.age.Milliseconds()))
	}
	span.End()
	slog.LogAttrs(r.Context(), slog.LevelDebug, "cache",
		slog.String("cache_status", string(ex.status)),
		slog.String("key_hash", ex.hash),
		slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
	)
}

// forward runs next through a Capture and commits the resulting entry.
// It returns the committed entry, or nil when the capture was discarded.
// A downstream panic discards the capture and is re-raised.
func (ic *Interceptor) forward(w http.ResponseWriter, r *http.Request, next http.Handler, ex *exchange) *cache.Entry {
	capt := cache.NewCapture(w, r, ic.limit)
	defer func() {
		if v := recover(); v != nil {
			capt.Abort()
			ic.discard(r, ex, "panic")
			panic(v)
		}
	}()

	next.ServeHTTP(capt, r)

	e, ok := capt.Entry(ic.now())
	if !ok {
		ic.discard(r, ex, discardReason(r, capt))
		return nil
	}
	if !ic.storeErrors && (e.Status < 200 || e.Status >= 300) {
		ic.discard(r, ex, "status")
		return nil
	}

	ic.store.Put(ex.key, e)
	ex.status = gateway.CacheStored
	ic.stored.Add(1)
	if ic.metrics != nil {
		ic.metrics.CacheStores.Inc()
		ic.metrics.CacheStoredBytes.Add(float64(len(e.Body)))
	}
	return e
}

func (ic *Interceptor) discard(r *http.Request, ex *exchange, reason string) {
	ex.status = gateway.CacheDiscarded
	ic.discarded.Add(1)
	if ic.metrics != nil {
		ic.metrics.CacheDiscards.WithLabelValues(reason).Inc()
	}
	slog.LogAttrs(r.Context(), slog.LevelDebug, "cache capture discarded",
		slog.String("reason", reason),
		slog.String("key_hash", ex.hash),
	)
}

func discardReason(r *http.Request, capt *cache.Capture) string {
	switch {
	case r.Context().Err() != nil:
		return "cancelled"
	case capt.Aborted():
		return "aborted"
	case capt.Overflowed():
		return "too_large"
	default:
		return "incomplete"
	}
}

var (
	errLeaderPanicked = errors.New("cache leader panicked")
	errNotCommitted   = errors.New("cache leader response not committed")
	errLeaderGone     = errors.New("cache leader client went away")
)

// forwardShared coalesces concurrent misses for one key. The first request
// (the leader) forwards; requests arriving while it runs wait and replay the
// leader's committed entry. When the leader's capture was discarded each
// waiter forwards by itself. A waiter whose client goes away stops waiting.
func (ic *Interceptor) forwardShared(w http.ResponseWriter, r *http.Request, next http.Handler, ex *exchange) {
	var (
		claimed  atomic.Bool // fn started, or this caller gave up first
		led      bool
		panicked any
	)
	ch := ic.group.DoChan(ex.key, func() (any, error) {
		if !claimed.CompareAndSwap(false, true) {
			return nil, errLeaderGone
		}
		led = true
		var e *cache.Entry
		func() {
			defer func() { panicked = recover() }()
			e = ic.forward(w, r, next, ex)
		}()
		if panicked != nil {
			return nil, errLeaderPanicked
		}
		if e == nil {
			return nil, errNotCommitted
		}
		return e, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-r.Context().Done():
		if claimed.CompareAndSwap(false, true) {
			ic.discard(r, ex, "cancelled")
			return
		}
		// This request leads and fn is using w: wait for it to finish.
		res = <-ch
	}

	if led {
		if panicked != nil {
			panic(panicked)
		}
		return
	}
	if res.Err != nil {
		ic.forward(w, r, next, ex)
		return
	}

	ex.status = gateway.CacheCoalesced
	ic.coals.Add(1)
	if ic.metrics != nil {
		ic.metrics.CacheCoalesced.Inc()
	}
	replay(w, r, res.Val.(*cache.Entry))
}

// replay writes a stored entry: headers, status, then the body in one write.
// Header values are cloned so the entry stays immutable.
func replay(w http.ResponseWriter, r *http.Request, e *cache.Entry) {
	h := w.Header()
	for k, vals := range e.Header {
		h[k] = slices.Clone(vals)
	}
	w.WriteHeader(e.Status)
	if len(e.Body) == 0 {
		return
	}
	if _, err := w.Write(e.Body); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelDebug, "cache replay aborted",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
	}
}
