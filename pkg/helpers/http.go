// Package helpers builds HTTP clients and transports routed through a
// circuit's proxy endpoint, for both SOCKS and plain HTTP(S) proxies.
package helpers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyRoute is the slice of a circuit the transport layer needs. The
// circuit package's Circuit satisfies this interface.
type ProxyRoute interface {
	// ProxyURL returns the route's endpoint as a URL, credentials
	// included.
	ProxyURL() string
	// Scheme returns socks5h, http, or https.
	Scheme() string
}

// HTTPClientConfig configures the HTTP client built over a proxy route.
type HTTPClientConfig struct {
	// Timeout for HTTP requests (default: 30s)
	Timeout time.Duration

	// DialTimeout for establishing connections (default: 10s)
	DialTimeout time.Duration

	// TLSHandshakeTimeout for TLS handshake (default: 10s)
	TLSHandshakeTimeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections (default: 10)
	MaxIdleConns int

	// IdleConnTimeout controls how long idle connections are kept (default: 90s)
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives (default: false)
	DisableKeepAlives bool
}

// DefaultHTTPClientConfig returns sensible defaults for proxied HTTP
// clients.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             30 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
	}
}

// NewHTTPClient creates an http.Client that sends every request through
// the route's proxy endpoint.
func NewHTTPClient(route ProxyRoute, config *HTTPClientConfig) (*http.Client, error) {
	transport, err := NewHTTPTransport(route, config)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}

// NewHTTPTransport creates an http.Transport for the route. SOCKS routes
// get a dialer-based transport; HTTP(S) proxy routes use the standard
// proxy mechanism.
func NewHTTPTransport(route ProxyRoute, config *HTTPClientConfig) (*http.Transport, error) {
	if route == nil {
		return nil, fmt.Errorf("route cannot be nil")
	}
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	proxyURL, err := url.Parse(route.ProxyURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy URL: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		DisableKeepAlives:     config.DisableKeepAlives,
		ResponseHeaderTimeout: config.Timeout,
	}

	switch route.Scheme() {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
		}
		transport.DialContext = contextDial(dialer, config.DialTimeout)
	}

	return transport, nil
}

// contextDial adapts a plain proxy.Dialer to context-aware dialing with an
// optional per-dial timeout.
func contextDial(dialer proxy.Dialer, dialTimeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dialTimeout)
			defer cancel()
		}

		type result struct {
			conn net.Conn
			err  error
		}

		ch := make(chan result, 1)
		go func() {
			conn, err := dialer.Dial(network, addr)
			ch <- result{conn, err}
		}()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			return res.conn, res.err
		}
	}
}

// DialContext returns a context-aware dial function that connects through
// the route's SOCKS proxy. Useful for custom network applications.
func DialContext(route ProxyRoute) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if route == nil {
			return nil, fmt.Errorf("route cannot be nil")
		}

		proxyURL, err := url.Parse(route.ProxyURL())
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy URL: %w", err)
		}

		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
		}

		return contextDial(dialer, 0)(ctx, network, addr)
	}
}

// WrapHTTPClient replaces an existing client's transport so it routes
// through the given proxy route.
//
// Note: this replaces the client's Transport. If you need to preserve
// custom transport settings, use NewHTTPTransport() instead.
func WrapHTTPClient(httpClient *http.Client, route ProxyRoute, config *HTTPClientConfig) error {
	if httpClient == nil {
		return fmt.Errorf("httpClient cannot be nil")
	}

	transport, err := NewHTTPTransport(route, config)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	httpClient.Transport = transport
	return nil
}
