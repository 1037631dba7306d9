// Package forward performs the outbound upstream call for the proxy
// pipeline: one bounded-timeout HTTP request, no retries, no redirect
// following, with configurable header filtering on the way out.
package forward

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nvelloso/apigate/internal/pkg/safehttp"
)

// hop-by-hop headers are meaningful only for a single transport link
// and are never forwarded in either direction (RFC 9110 section 7.6.1).
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

// Request is the logical request relayed to an upstream.
type Request struct {
	Method string
	Path   string // remainder path below the route slug
	Query  string // raw query string, may be empty
	Header http.Header
	Body   io.Reader
}

// Result is the upstream's response, passed back verbatim. The caller
// owns Body and must close it.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Config configures a Forwarder.
type Config struct {
	// Timeout bounds the whole upstream exchange. Required; New
	// rejects a zero timeout.
	Timeout time.Duration

	// StripHeaders are removed from the inbound header set before
	// forwarding, on top of the hop-by-hop set. The credential header
	// belongs here.
	StripHeaders []string

	// AddHeaders are set on every outbound request, e.g. a forwarding
	// trace header.
	AddHeaders map[string]string

	// BlockPrivate rejects upstreams resolving to private address
	// ranges.
	BlockPrivate bool

	// Transport overrides the HTTP transport. Tests use this to stub
	// the network.
	Transport http.RoundTripper
}

// Forwarder relays requests to resolved upstream base URLs.
type Forwarder struct {
	client *http.Client
	strip  map[string]bool
	add    map[string]string
}

// New creates a Forwarder. The timeout is mandatory: an unbounded
// upstream call would pin a gateway worker for as long as the upstream
// cares to stall.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("upstream timeout is required")
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.BlockPrivate {
			transport = safehttp.NewTransport(5 * time.Second)
		} else {
			transport = http.DefaultTransport
		}
	}

	strip := make(map[string]bool, len(cfg.StripHeaders)+1)
	strip[http.CanonicalHeaderKey("Host")] = true
	for _, h := range cfg.StripHeaders {
		strip[http.CanonicalHeaderKey(h)] = true
	}

	return &Forwarder{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are returned to the caller, not chased.
				return http.ErrUseLastResponse
			},
		},
		strip: strip,
		add:   cfg.AddHeaders,
	}, nil
}

// Forward performs the outbound call against baseURL and returns the
// upstream response, or an error for any transport-level failure
// (connection refused, timeout, DNS). It never retries.
func (f *Forwarder) Forward(ctx context.Context, baseURL string, req *Request) (*Result, error) {
	target, err := buildTargetURL(baseURL, req.Path, req.Query)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}

	outbound, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	outbound.Header = f.filterHeaders(req.Header)
	for name, value := range f.add {
		outbound.Header.Set(name, value)
	}

	resp, err := f.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header),
		Body:       resp.Body,
	}, nil
}

// buildTargetURL joins the upstream base URL with the remainder path
// and query string. The base URL must be absolute.
func buildTargetURL(baseURL, path, query string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("upstream base url %q is not absolute", baseURL)
	}

	target := strings.TrimRight(u.String(), "/")
	if path != "" {
		target += "/" + strings.TrimLeft(path, "/")
	}
	if query != "" {
		target += "?" + query
	}
	return target, nil
}

// filterHeaders copies the inbound headers minus the hop-by-hop set
// and the configured strip set.
func (f *Forwarder) filterHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		if f.strip[canonical] || isHopByHop(canonical) {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

// filterResponseHeaders drops headers that describe the upstream
// transport rather than the payload. Content-Length is recomputed by
// the gateway's own response writer.
func filterResponseHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		if isHopByHop(canonical) || canonical == "Content-Length" {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

func isHopByHop(canonical string) bool {
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}
