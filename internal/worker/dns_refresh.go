package worker

import (
	"context"
	"time"
)

const defaultDNSRefreshInterval = 5 * time.Minute

// Refresher is implemented by *dnscache.Resolver.
type Refresher interface {
	Refresh(clearUnused bool)
}

// DNSRefreshWorker keeps the upstream DNS cache warm, dropping hosts that
// were not looked up since the previous refresh.
type DNSRefreshWorker struct {
	resolver Refresher
	interval time.Duration
}

// NewDNSRefreshWorker creates a DNSRefreshWorker. A non-positive interval
// uses the default of 5m.
func NewDNSRefreshWorker(resolver Refresher, interval time.Duration) *DNSRefreshWorker {
	if interval <= 0 {
		interval = defaultDNSRefreshInterval
	}
	return &DNSRefreshWorker{resolver: resolver, interval: interval}
}

// Name returns the worker identifier.
func (w *DNSRefreshWorker) Name() string { return "dns_refresh" }

// Run refreshes the resolver on every tick until ctx is cancelled.
func (w *DNSRefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
