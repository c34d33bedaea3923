// Package proxy forwards requests to upstreams and streams their responses
// back. The connect deadline is released once response headers arrive, so
// long-lived bodies (SSE in particular) are never cut off by it.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tollbooth-dev/tollbooth"
)

// DefaultTimeout applies when the upstream has no timeoutSeconds configured.
const DefaultTimeout = 30 * time.Second

// Upstream is one forwarding destination.
type Upstream struct {
	// BaseURL is the upstream origin, e.g. "https://api.example.com".
	BaseURL string

	// Headers are static headers applied after the client's, overriding them.
	Headers map[string]string

	// Timeout bounds the wait for response headers. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Request is the material forwarded upstream.
type Request struct {
	Method string

	// Path is the rewritten upstream path.
	Path string

	// RawQuery is copied verbatim onto the upstream URL.
	RawQuery string

	Header http.Header

	// Body is the buffered request body; nil streams Stream instead.
	Body []byte

	// Stream is the unbuffered request body for routes that never needed
	// buffering. Ignored when Body is set.
	Stream io.ReadCloser
}

// Hop-by-hop and payment-protocol headers never forwarded upstream.
var scrubbedHeaders = map[string]struct{}{
	"host":              {},
	"connection":        {},
	"transfer-encoding": {},
	"payment-required":  {},
	"payment-signature": {},
	"payment-response":  {},
}

// Do forwards the request and returns the upstream response with headers
// received and body unread. The returned release func must be called after
// the body is consumed; it frees the request's resources.
func Do(ctx context.Context, client *http.Client, up Upstream, req Request) (*http.Response, func(), error) {
	timeout := up.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	upstreamURL := strings.TrimRight(up.BaseURL, "/") + req.Path
	if req.RawQuery != "" {
		upstreamURL += "?" + req.RawQuery
	}

	var body io.Reader
	switch {
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
	case req.Stream != nil:
		body = req.Stream
	}
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		body = nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, upstreamURL, body)
	if err != nil {
		cancel()
		return nil, nil, tollbooth.NewGatewayError(tollbooth.KindInternal, http.StatusInternalServerError,
			"build upstream request", err)
	}

	for name, values := range req.Header {
		if _, drop := scrubbedHeaders[strings.ToLower(name)]; drop {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	for name, value := range up.Headers {
		httpReq.Header.Set(name, value)
	}

	// Phase one: abort if headers do not arrive in time. The timer is stopped
	// the moment Do returns, so the body streams with no overall deadline.
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	timer.Stop()
	if err != nil {
		cancel()
		return nil, nil, classify(err, timedOut.Load(), timeout, up.BaseURL)
	}
	return resp, cancel, nil
}

func classify(err error, timedOut bool, timeout time.Duration, baseURL string) error {
	if timedOut {
		return tollbooth.NewGatewayError(tollbooth.KindUpstreamTimeout, http.StatusBadGateway,
			fmt.Sprintf("upstream timed out after %s", timeout), err)
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return tollbooth.NewGatewayError(tollbooth.KindUpstreamUnreachable, http.StatusBadGateway,
			fmt.Sprintf("upstream %s unreachable; check the upstream url and that the service is running", baseURL), err)
	}
	return tollbooth.NewGatewayError(tollbooth.KindUpstreamUnreachable, http.StatusBadGateway,
		fmt.Sprintf("upstream request failed: %v", err), err)
}

// CopyResponseHeaders copies the upstream response headers downstream, adding
// cache-control: no-cache for event streams that did not set one.
func CopyResponseHeaders(dst http.Header, resp *http.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(ct), "text/event-stream") && resp.Header.Get("Cache-Control") == "" {
		dst.Set("Cache-Control", "no-cache")
	}
}
