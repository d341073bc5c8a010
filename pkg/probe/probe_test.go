package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/falconscript/proxyratemanager/pkg/logger"
)

func fastProberConfig(url string) *HTTPProberConfig {
	return &HTTPProberConfig{
		URL:            url,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxRetries:     2,
	}
}

func TestProbeIPExtractsAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("your address is 203.0.113.7 today"))
	}))
	defer srv.Close()

	p := NewHTTPProber(fastProberConfig(srv.URL), logger.NewDefault())
	ip, err := p.ProbeIP(context.Background(), srv.Client())
	if err != nil {
		t.Fatalf("Failed to probe: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("Expected 203.0.113.7, got %s", ip)
	}
}

func TestProbeIPBareAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("198.51.100.23\n"))
	}))
	defer srv.Close()

	p := NewHTTPProber(fastProberConfig(srv.URL), logger.NewDefault())
	ip, err := p.ProbeIP(context.Background(), srv.Client())
	if err != nil {
		t.Fatalf("Failed to probe: %v", err)
	}
	if ip != "198.51.100.23" {
		t.Errorf("Expected 198.51.100.23, got %s", ip)
	}
}

func TestProbeIPRetriesNonMatchingBody(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.Write([]byte("not ready"))
			return
		}
		w.Write([]byte("192.0.2.99"))
	}))
	defer srv.Close()

	p := NewHTTPProber(fastProberConfig(srv.URL), logger.NewDefault())
	ip, err := p.ProbeIP(context.Background(), srv.Client())
	if err != nil {
		t.Fatalf("Failed to probe: %v", err)
	}
	if ip != "192.0.2.99" {
		t.Errorf("Expected 192.0.2.99, got %s", ip)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestProbeIPExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nothing here"))
	}))
	defer srv.Close()

	p := NewHTTPProber(fastProberConfig(srv.URL), logger.NewDefault())
	if _, err := p.ProbeIP(context.Background(), srv.Client()); err == nil {
		t.Error("Expected error when no response ever matches")
	}
}

func TestProbeIPContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no address"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastProberConfig(srv.URL)
	cfg.InitialBackoff = time.Second
	p := NewHTTPProber(cfg, logger.NewDefault())
	if _, err := p.ProbeIP(ctx, srv.Client()); err == nil {
		t.Error("Expected error from cancelled context")
	}
}
