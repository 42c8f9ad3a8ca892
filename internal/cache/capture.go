package cache

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"strconv"
	"time"
)

// hopByHopHeaders describe the connection, not the response, and are never stored.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Capture wraps the client ResponseWriter for a single cache-miss exchange.
// Every byte written by the downstream handler is forwarded to the client
// first and then appended to an in-memory buffer. The buffer only becomes an
// Entry when the exchange completed cleanly; see Entry for the rules.
//
// A Capture is not safe for concurrent use, matching http.ResponseWriter.
type Capture struct {
	http.ResponseWriter

	req    *http.Request
	limit  int64       // max buffered body bytes (0 = unlimited)
	preset http.Header // headers set by outer middleware before downstream ran

	header      http.Header // snapshot taken when the final status was sent
	status      int
	wroteHeader bool

	buf      bytes.Buffer
	written  int64
	overflow bool
	failed   bool
}

// NewCapture returns a Capture that tees w for the exchange r, buffering at
// most limit body bytes. A response larger than limit is still forwarded in
// full but is not cached.
func NewCapture(w http.ResponseWriter, r *http.Request, limit int64) *Capture {
	return &Capture{
		ResponseWriter: w,
		req:            r,
		limit:          limit,
		preset:         w.Header().Clone(),
	}
}

// WriteHeader forwards the status to the client and snapshots the header set.
// Informational 1xx statuses are forwarded without ending the header phase;
// 101 Switching Protocols makes the exchange uncacheable.
func (c *Capture) WriteHeader(code int) {
	if !c.wroteHeader {
		if code >= 100 && code < 200 {
			if code == http.StatusSwitchingProtocols {
				c.failed = true
			}
			c.ResponseWriter.WriteHeader(code)
			return
		}
		c.status = code
		c.wroteHeader = true
		c.header = c.ResponseWriter.Header().Clone()
	}
	c.ResponseWriter.WriteHeader(code)
}

// Write forwards b to the client, then records the bytes the client accepted.
// A client write error poisons the capture.
func (c *Capture) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	n, err := c.ResponseWriter.Write(b)
	c.written += int64(n)
	if err != nil {
		c.Abort()
		return n, err
	}
	c.record(b[:n])
	return n, nil
}

func (c *Capture) record(b []byte) {
	if c.failed || c.overflow {
		return
	}
	if c.limit > 0 && int64(c.buf.Len())+int64(len(b)) > c.limit {
		c.overflow = true
		c.buf = bytes.Buffer{}
		return
	}
	c.buf.Write(b)
}

// Abort discards the buffered body. The exchange will not produce an entry.
func (c *Capture) Abort() {
	c.failed = true
	c.buf = bytes.Buffer{}
}

// Aborted reports whether the capture was poisoned.
func (c *Capture) Aborted() bool { return c.failed }

// Overflowed reports whether the body outgrew the buffer limit.
func (c *Capture) Overflowed() bool { return c.overflow }

// Status returns the final status code sent, or 0 if none was sent yet.
func (c *Capture) Status() int { return c.status }

// Written returns the number of body bytes delivered to the client.
func (c *Capture) Written() int64 { return c.written }

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// Streaming responses keep their incremental delivery while being captured.
func (c *Capture) Flush() {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the raw connection to the downstream handler. Whatever happens
// on a hijacked connection is invisible to the capture, so it is aborted.
func (c *Capture) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	c.Abort()
	return http.NewResponseController(c.ResponseWriter).Hijack()
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// to reach deadline setters on the real connection.
func (c *Capture) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

// Entry builds the replayable entry once the downstream handler has returned
// normally. It reports false when the exchange must not be cached: the capture
// was aborted, the body outgrew the limit, the request context was cancelled,
// the protocol was switched, or fewer bytes were delivered than the response's
// Content-Length announced.
func (c *Capture) Entry(now time.Time) (*Entry, bool) {
	if c.failed || c.overflow {
		return nil, false
	}
	if c.req != nil && c.req.Context().Err() != nil {
		return nil, false
	}

	status, header := c.status, c.header
	if !c.wroteHeader {
		status, header = http.StatusOK, c.ResponseWriter.Header().Clone()
	}
	if !c.complete(status, header) {
		return nil, false
	}

	// Keys owned by outer middleware stay per-request even when the
	// downstream added values of its own.
	for key := range c.preset {
		delete(header, key)
	}
	for _, key := range hopByHopHeaders {
		delete(header, key)
	}

	return &Entry{
		Status:    status,
		Header:    header,
		Body:      bytes.Clone(c.buf.Bytes()),
		CreatedAt: now,
	}, true
}

// complete checks the delivered body against the declared Content-Length.
// HEAD responses and bodiless statuses legitimately announce a length they
// never send.
func (c *Capture) complete(status int, header http.Header) bool {
	if c.req != nil && c.req.Method == http.MethodHead {
		return true
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return true
	}
	cl := header.Get("Content-Length")
	if cl == "" {
		return true
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return false
	}
	return n == c.written
}
