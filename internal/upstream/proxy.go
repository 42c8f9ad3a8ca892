// Package upstream forwards gateway traffic to backend services.
//
// Each configured upstream is served by a Proxy built on httputil.ReverseProxy
// over a tuned, optionally DNS-caching transport. When an upstream body fails
// mid-stream after headers were sent, the Proxy aborts the handler with
// http.ErrAbortHandler so that wrapping middleware (the response cache in
// particular) can tell a truncated response from a complete one.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/logistica/apigateway/internal"
	"github.com/logistica/apigateway/internal/telemetry"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			var lastErr error
			for _, ip := range ips {
				conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		}
	}
	return t
}

// Proxy forwards requests for one upstream service.
type Proxy struct {
	up      gateway.Upstream
	rp      *httputil.ReverseProxy
	metrics *telemetry.Metrics // nil = no metrics
}

type bodyErrKey struct{}

// bodyErr records the first non-EOF error seen while reading an upstream body.
type bodyErr struct{ err error }

// trackedBody wraps an upstream response body to remember read failures.
type trackedBody struct {
	io.ReadCloser
	slot *bodyErr
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && b.slot.err == nil {
		b.slot.err = err
	}
	return n, err
}

// New creates a Proxy for up using transport. A nil transport uses
// http.DefaultTransport.
func New(up gateway.Upstream, transport http.RoundTripper, m *telemetry.Metrics) (*Proxy, error) {
	target, err := url.Parse(up.Target)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: parse target: %w", up.Name, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %s: target %q: %w", up.Name, up.Target, gateway.ErrInvalidConfig)
	}

	p := &Proxy{up: up, metrics: m}
	p.rp = &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			if up.StripPrefix {
				path := strings.TrimPrefix(pr.In.URL.Path, up.Prefix)
				if !strings.HasPrefix(path, "/") {
					path = "/" + path
				}
				pr.Out.URL.Path = path
				pr.Out.URL.RawPath = ""
			}
			pr.SetURL(target)
			pr.SetXForwarded()
			if id := gateway.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set("X-Request-Id", id)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			// The gateway already answers with its own request id.
			if gateway.RequestIDFromContext(resp.Request.Context()) != "" {
				resp.Header.Del("X-Request-Id")
			}
			if slot, ok := resp.Request.Context().Value(bodyErrKey{}).(*bodyErr); ok {
				resp.Body = &trackedBody{ReadCloser: resp.Body, slot: slot}
			}
			return nil
		},
		ErrorHandler: p.handleError,
	}
	return p, nil
}

// Name returns the upstream identifier.
func (p *Proxy) Name() string { return p.up.Name }

// Prefix returns the path prefix the upstream is mounted under.
func (p *Proxy) Prefix() string { return p.up.Prefix }

// ServeHTTP forwards r to the upstream and streams the response back to w.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if p.up.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.up.Timeout)
		defer cancel()
	}
	slot := &bodyErr{}
	ctx = context.WithValue(ctx, bodyErrKey{}, slot)

	start := time.Now()
	p.rp.ServeHTTP(w, r.WithContext(ctx))
	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(p.up.Name).Observe(time.Since(start).Seconds())
	}

	if slot.err != nil {
		if p.metrics != nil {
			p.metrics.UpstreamErrors.WithLabelValues(p.up.Name).Inc()
		}
		slog.LogAttrs(r.Context(), slog.LevelWarn, "upstream body truncated",
			slog.String("upstream", p.up.Name),
			slog.String("error", slot.err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		panic(http.ErrAbortHandler)
	}
}

// handleError answers round-trip failures that happen before any response
// header reached the client. The gateway's own error page is not an upstream
// response, so any recording writer in the chain is aborted first.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	abortRecording(w)
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues(p.up.Name).Inc()
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "upstream request failed",
		slog.String("upstream", p.up.Name),
		slog.String("error", err.Error()),
		slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
	)
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	io.WriteString(w, `{"error":{"message":"upstream unavailable","type":"upstream_error"}}`+"\n")
}

var jsonCT = []string{"application/json"}

// abortRecording walks the ResponseWriter chain and aborts the first writer
// that records the response for later replay.
func abortRecording(w http.ResponseWriter) {
	for w != nil {
		if a, ok := w.(interface{ Abort() }); ok {
			a.Abort()
			return
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}
