// Package cache provides the in-memory response cache for the gateway:
// the entry store, the freshness rule, request keying, and the streaming
// capture that turns a downstream response into a replayable entry.
package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL is the freshness lifetime applied to every entry.
const DefaultTTL = 60 * time.Second

// Entry is an immutable snapshot of a complete downstream response.
// Entries are replaced wholesale in the Store and must never be mutated
// after construction; callers that need to modify headers clone them first.
type Entry struct {
	Status    int
	Header    http.Header
	Body      []byte
	CreatedAt time.Time
}

// Store maps cache keys to entries. Implementations own their
// synchronization and must be safe for concurrent Get and Put.
type Store interface {
	// Get returns the current entry for key regardless of freshness.
	Get(key string) (*Entry, bool)
	// Put replaces whatever entry currently occupies key.
	Put(key string, e *Entry)
	// Len returns an estimate of the number of stored entries.
	Len() int
}

// IsFresh reports whether e may still be served at now: now <= createdAt + ttl.
func IsFresh(e *Entry, ttl time.Duration, now time.Time) bool {
	if e == nil {
		return false
	}
	return !now.After(e.CreatedAt.Add(ttl))
}

// IsCacheableMethod reports whether method is read-only and therefore
// eligible for caching.
func IsCacheableMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// IsCacheableRequest reports whether r may be served from or written to the
// cache. Besides the method check it excludes protocol upgrades, whose
// response is a hijacked connection, and range requests, whose partial
// bodies must not be replayed to full requests for the same URI.
func IsCacheableRequest(r *http.Request) bool {
	if !IsCacheableMethod(r.Method) {
		return false
	}
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	if r.Header.Get("Range") != "" {
		return false
	}
	return true
}

// Key derives the cache key for r: the method followed by the full request
// URI including scheme, host and raw query. No normalization is applied, so
// reordered query parameters produce distinct keys.
func Key(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	uri := r.URL.RequestURI()

	var b strings.Builder
	b.Grow(len(r.Method) + len(scheme) + len(r.Host) + len(uri) + 4)
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(r.Host)
	b.WriteString(uri)
	return b.String()
}

// KeyHash returns a fixed-width digest of key for logs and traces, where the
// raw request URI may carry identifiers or tokens.
func KeyHash(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}
