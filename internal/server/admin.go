package server

import (
	"net/http"
)

type upstreamInfo struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

type cacheInfo struct {
	Enabled    bool           `json:"enabled"`
	Entries    int            `json:"entries"`
	TTLSeconds float64        `json:"ttl_seconds"`
	Stats      CacheStats     `json:"stats"`
	Upstreams  []upstreamInfo `json:"upstreams"`
}

// handleCacheStats reports the cache size and counters. Entries are never
// listed or removed through the admin API.
func (s *server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	info := cacheInfo{Upstreams: make([]upstreamInfo, 0, s.deps.Upstreams.Len())}
	if s.cache != nil {
		info.Enabled = true
		info.Entries = s.cache.Len()
		info.TTLSeconds = s.cache.TTL().Seconds()
		info.Stats = s.cache.Stats()
	}
	for _, p := range s.deps.Upstreams.Proxies() {
		info.Upstreams = append(info.Upstreams, upstreamInfo{Name: p.Name(), Prefix: p.Prefix()})
	}
	writeJSON(w, http.StatusOK, info)
}
