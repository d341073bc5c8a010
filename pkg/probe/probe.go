// Package probe discovers the exit IP a circuit currently presents by
// querying an external IP-discovery endpoint through that circuit.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/falconscript/proxyratemanager/pkg/logger"
)

// ipv4Pattern matches a dotted-quad IPv4 address anywhere in the body.
var ipv4Pattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)

// Prober discovers the externally visible source address of a route.
type Prober interface {
	// ProbeIP issues the discovery request through httpClient and
	// returns the observed IPv4 address.
	ProbeIP(ctx context.Context, httpClient *http.Client) (string, error)
}

// HTTPProberConfig holds prober settings.
type HTTPProberConfig struct {
	// URL of the IP-discovery endpoint.
	URL string

	// InitialBackoff and MaxBackoff bound the retry delays when the
	// body is absent or does not contain an address.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxRetries bounds attempts per ProbeIP call.
	MaxRetries uint64
}

// DefaultHTTPProberConfig returns sensible defaults.
func DefaultHTTPProberConfig() *HTTPProberConfig {
	return &HTTPProberConfig{
		URL:            "http://localhost/raw_external_ip",
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     40 * time.Second,
		MaxRetries:     3,
	}
}

// HTTPProber probes via a GET to a configured URL.
type HTTPProber struct {
	cfg    *HTTPProberConfig
	logger *logger.Logger
}

// NewHTTPProber creates a prober for the given endpoint.
func NewHTTPProber(cfg *HTTPProberConfig, log *logger.Logger) *HTTPProber {
	if cfg == nil {
		cfg = DefaultHTTPProberConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &HTTPProber{
		cfg:    cfg,
		logger: log.Component("probe"),
	}
}

// ProbeIP fetches the discovery endpoint and extracts the first IPv4
// address from the body, retrying non-matching responses with short
// backoffs.
func (p *HTTPProber) ProbeIP(ctx context.Context, httpClient *http.Client) (string, error) {
	var ip string

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return err
		}
		match := ipv4Pattern.Find(body)
		if match == nil {
			p.logger.Debug("Probe response contained no address", "status", resp.StatusCode)
			return fmt.Errorf("no IPv4 address in probe response")
		}
		ip = string(match)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.MaxRetries), ctx))
	if err != nil {
		return "", err
	}
	return ip, nil
}
