package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/falconscript/proxyratemanager/pkg/logger"
	"github.com/falconscript/proxyratemanager/pkg/metrics"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Band
	}{
		{"socket hang up", BandTransient},
		{"SOCKS connection failed. Host unreachable.", BandTransient},
		{"SOCKS connection failed. Connection not allowed by ruleset", BandTransient},
		{"SSL23_GET_SERVER_HELLO", BandTransient},
		{"SSL3_GET_RECORD:wrong version number", BandTransient},
		{"SOCKS connection failed. General SOCKS server failure.", BandTransient},
		{"unable to verify the first certificate", BandSuspiciousTLS},
		{"self signed certificate", BandSuspiciousTLS},
		{"self signed certificate in certificate chain", BandSuspiciousTLS},
		{"Hostname/IP does not match certificate's altnames", BandSuspiciousTLS},
		{"SSL3_GET_RECORD:decryption failed or bad record mac", BandSuspiciousTLS},
		{"unable to get local issuer certificate", BandSuspiciousTLS},
		{"SOCKS connection failed. TTL expired.", BandTTLExpired},
		{"something else entirely", BandNone},
	}

	for _, tt := range tests {
		if got := Classify(errors.New("Get \"x\": " + tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
	if got := Classify(nil); got != BandNone {
		t.Errorf("Classify(nil) = %v, want BandNone", got)
	}
}

// failingTransport fails with scripted errors until they run out, then
// succeeds.
type failingTransport struct {
	errs  []string
	calls int
}

func (f *failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if len(f.errs) == 0 {
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	}
	msg := f.errs[0]
	f.errs = f.errs[1:]
	return nil, fmt.Errorf("proxy error: %s", msg)
}

// fakeRoute records rotation requests.
type fakeRoute struct {
	onion     bool
	rotated   int
	rotateErr error
}

func (f *fakeRoute) Identifier() string  { return "socks5h://0.0.0.0:9050" }
func (f *fakeRoute) IsOnionRouted() bool { return f.onion }
func (f *fakeRoute) ForceIPChange() error {
	f.rotated++
	return f.rotateErr
}

func fastAdapterConfig() *Config {
	return &Config{
		TransientDelay:   time.Millisecond,
		EscalatedDelay:   2 * time.Millisecond,
		UnreachableDelay: time.Millisecond,
		EscalateAfter:    5,
		RestartAfter:     3,
		MaxAttempts:      20,
		PollInterval:     time.Millisecond,
		PollMaxAttempts:  4,
		PollDegradeAfter: 3,
	}
}

func newTestRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return req
}

func TestDoRecoverTransient(t *testing.T) {
	transport := &failingTransport{errs: []string{"socket hang up", "socket hang up"}}
	route := &fakeRoute{}
	a := New(fastAdapterConfig(), nil, metrics.New(), logger.NewDefault())

	resp, err := a.Do(context.Background(), &http.Client{Transport: transport}, newTestRequest(t), route)
	if err != nil {
		t.Fatalf("Expected transient errors to be recovered, got %v", err)
	}
	resp.Body.Close()
	if transport.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", transport.calls)
	}
	if route.rotated != 0 {
		t.Errorf("Expected no rotation below the escalation threshold, got %d", route.rotated)
	}
}

func TestDoHostUnreachableRotatesImmediately(t *testing.T) {
	transport := &failingTransport{errs: []string{"SOCKS connection failed. Host unreachable."}}
	route := &fakeRoute{}
	a := New(fastAdapterConfig(), nil, metrics.New(), logger.NewDefault())

	resp, err := a.Do(context.Background(), &http.Client{Transport: transport}, newTestRequest(t), route)
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	resp.Body.Close()
	if route.rotated != 1 {
		t.Errorf("Expected one rotation on host-unreachable, got %d", route.rotated)
	}
}

func TestDoSuspiciousTLSRotates(t *testing.T) {
	transport := &failingTransport{errs: []string{"self signed certificate"}}
	route := &fakeRoute{}
	a := New(fastAdapterConfig(), nil, metrics.New(), logger.NewDefault())

	resp, err := a.Do(context.Background(), &http.Client{Transport: transport}, newTestRequest(t), route)
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	resp.Body.Close()
	if route.rotated != 1 {
		t.Errorf("Expected one rotation on suspicious TLS, got %d", route.rotated)
	}
}

func TestDoTTLExpiredRestartsDaemon(t *testing.T) {
	msg := "SOCKS connection failed. TTL expired."
	transport := &failingTransport{errs: []string{msg, msg, msg, msg, msg}}
	route := &fakeRoute{onion: true}

	restarts := 0
	restart := func(ctx context.Context) error {
		restarts++
		return nil
	}
	a := New(fastAdapterConfig(), restart, metrics.New(), logger.NewDefault())

	_, err := a.Do(context.Background(), &http.Client{Transport: transport}, newTestRequest(t), route)
	if err == nil {
		t.Fatal("Expected TTL-expired failure to surface after restart")
	}
	if restarts != 1 {
		t.Errorf("Expected one daemon restart, got %d", restarts)
	}
	// Three failures retry, the fourth crosses the threshold.
	if transport.calls != 4 {
		t.Errorf("Expected 4 attempts, got %d", transport.calls)
	}
}

func TestDoTTLExpiredNonOnionDoesNotRestart(t *testing.T) {
	msg := "SOCKS connection failed. TTL expired."
	transport := &failingTransport{errs: []string{msg, msg, msg, msg, msg}}
	route := &fakeRoute{onion: false}

	restarts := 0
	restart := func(ctx context.Context) error {
		restarts++
		return nil
	}
	a := New(fastAdapterConfig(), restart, metrics.New(), logger.NewDefault())

	resp, err := a.Do(context.Background(), &http.Client{Transport: transport}, newTestRequest(t), route)
	if err != nil {
		t.Fatalf("Expected non-onion TTL failures to retry through, got %v", err)
	}
	resp.Body.Close()
	if restarts != 0 {
		t.Errorf("Expected no daemon restart for non-onion route, got %d", restarts)
	}
}

func TestDoUnclassifiedSurfacesImmediately(t *testing.T) {
	transport := &failingTransport{errs: []string{"weird application error", "never reached"}}
	route := &fakeRoute{}
	a := New(fastAdapterConfig(), nil, metrics.New(), logger.NewDefault())

	_, err := a.Do(context.Background(), &http.Client{Transport: transport}, newTestRequest(t), route)
	if err == nil {
		t.Fatal("Expected unclassified error to surface")
	}
	if transport.calls != 1 {
		t.Errorf("Expected no retry for unclassified error, got %d attempts", transport.calls)
	}
}

func TestDoPollCapsAttempts(t *testing.T) {
	a := New(fastAdapterConfig(), nil, metrics.New(), logger.NewDefault())

	attempts := 0
	degraded := 0
	err := a.DoPoll(context.Background(), func() error {
		attempts++
		return fmt.Errorf("probe failed")
	}, func() { degraded++ })

	if err == nil {
		t.Fatal("Expected exhausted poll to fail")
	}
	if attempts != 4 {
		t.Errorf("Expected attempts capped at 4, got %d", attempts)
	}
	if degraded != 1 {
		t.Errorf("Expected health degradation to fire once, got %d", degraded)
	}
}

func TestDoPollSucceedsWithoutDegrading(t *testing.T) {
	a := New(fastAdapterConfig(), nil, metrics.New(), logger.NewDefault())

	attempts := 0
	degraded := 0
	err := a.DoPoll(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("probe failed")
		}
		return nil
	}, func() { degraded++ })

	if err != nil {
		t.Fatalf("Expected poll to recover, got %v", err)
	}
	if degraded != 0 {
		t.Errorf("Expected no degradation on early recovery, got %d", degraded)
	}
}
