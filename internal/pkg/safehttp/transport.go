// Package safehttp provides an http.Transport that refuses to dial
// private or loopback addresses, limiting SSRF exposure when upstream
// base URLs are operator-supplied.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NewTransport returns a transport whose dialer rejects connections
// that resolve to loopback, private, or link-local addresses.
func NewTransport(dialTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: dialTimeout}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			ip := net.ParseIP(host)
			if ip == nil {
				conn.Close()
				return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
			}

			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
				conn.Close()
				return nil, fmt.Errorf("access to private IP %s is denied", ip)
			}

			return conn, nil
		},
	}
}
