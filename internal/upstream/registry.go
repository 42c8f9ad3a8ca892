package upstream

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/rs/dnscache"

	gateway "github.com/logistica/apigateway/internal"
	"github.com/logistica/apigateway/internal/telemetry"
)

// Registry holds the proxies for all configured upstreams.
type Registry struct {
	proxies []*Proxy
}

// NewRegistry builds a Proxy per upstream. Upstreams with DNSCache enabled
// share one transport dialing through resolver; the rest share a plain one.
func NewRegistry(ups []gateway.Upstream, resolver *dnscache.Resolver, m *telemetry.Metrics) (*Registry, error) {
	cached := NewTransport(resolver)
	plain := NewTransport(nil)

	reg := &Registry{proxies: make([]*Proxy, 0, len(ups))}
	seen := make(map[string]bool, len(ups))
	for _, up := range ups {
		if seen[up.Prefix] {
			return nil, fmt.Errorf("upstream %s: prefix %q already mounted: %w", up.Name, up.Prefix, gateway.ErrInvalidConfig)
		}
		seen[up.Prefix] = true

		var transport http.RoundTripper = plain
		if up.DNSCache && resolver != nil {
			transport = cached
		}
		p, err := New(up, transport, m)
		if err != nil {
			return nil, err
		}
		reg.proxies = append(reg.proxies, p)
	}

	// Longest prefix first so nested mounts resolve to the most specific upstream.
	sort.SliceStable(reg.proxies, func(i, j int) bool {
		return len(reg.proxies[i].Prefix()) > len(reg.proxies[j].Prefix())
	})
	return reg, nil
}

// Proxies returns the registered proxies, longest prefix first.
func (r *Registry) Proxies() []*Proxy {
	if r == nil {
		return nil
	}
	return r.proxies
}

// Len returns the number of registered upstreams.
func (r *Registry) Len() int {
	return len(r.Proxies())
}
