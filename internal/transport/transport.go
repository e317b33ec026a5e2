// Package transport builds the shared upstream HTTP client used for every
// generateAssistantResponse, refresh, and usage-limits call. It carries
// forward the teacher's utls Chrome-fingerprinted TLS dialer; the
// per-credential proxy configuration the teacher supported has no home in
// this domain's data model and is dropped (see DESIGN.md).
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// New builds the shared client with the given per-request timeout. Idle
// connections are reused across credentials since the upstream host
// (q.{region}.amazonaws.com) is the same regardless of which credential is
// active.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr)
			},
		},
		Timeout: timeout,
	}
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
