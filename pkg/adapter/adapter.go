// Package adapter drives outbound requests through a circuit-bound client,
// classifying failures into bands and recovering with per-band backoff,
// exit rotation, or a daemon restart.
package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/falconscript/proxyratemanager/pkg/logger"
	"github.com/falconscript/proxyratemanager/pkg/metrics"
)

// Route is the slice of a client the adapter needs to react to failures.
type Route interface {
	// Identifier returns the bound circuit's display identifier.
	Identifier() string
	// IsOnionRouted reports whether the route transits the supervised
	// daemon.
	IsOnionRouted() bool
	// ForceIPChange rotates the route to a different exit.
	ForceIPChange() error
}

// Restarter kills and respawns the onion-routing daemon.
type Restarter func(ctx context.Context) error

// Config holds adapter timing. The defaults implement the documented
// bands; tests shrink them.
type Config struct {
	// TransientDelay is the backoff for known transient errors.
	TransientDelay time.Duration

	// EscalatedDelay replaces TransientDelay past EscalateAfter attempts
	// and pairs with an exit rotation.
	EscalatedDelay time.Duration

	// UnreachableDelay is the fast-retry delay for host-unreachable
	// below EscalateAfter attempts.
	UnreachableDelay time.Duration

	// EscalateAfter is the attempt count past which transient failures
	// escalate.
	EscalateAfter float64

	// RestartAfter is the attempt count past which TTL-expired failures
	// on an onion route trigger a daemon restart.
	RestartAfter float64

	// MaxAttempts caps attempts per request; zero means unbounded (the
	// caller's context is then the only bound).
	MaxAttempts int

	// PollInterval is the wait between pollster attempts.
	PollInterval time.Duration

	// PollMaxAttempts caps pollster attempts so an indefinitely failing
	// poll cannot take the process down.
	PollMaxAttempts uint64

	// PollDegradeAfter is the failed-attempt count past which a
	// pollster degrades its circuit's health.
	PollDegradeAfter int
}

// DefaultConfig returns the documented band timings.
func DefaultConfig() *Config {
	return &Config{
		TransientDelay:   60 * time.Second,
		EscalatedDelay:   180 * time.Second,
		UnreachableDelay: 500 * time.Millisecond,
		EscalateAfter:    5,
		RestartAfter:     3,
		PollInterval:     1 * time.Second,
		PollMaxAttempts:  4,
		PollDegradeAfter: 3,
	}
}

// Adapter classifies request failures and recovers them locally. Transient
// errors never escape it; everything else surfaces to the caller.
type Adapter struct {
	cfg     *Config
	restart Restarter
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// New creates an Adapter. restart may be nil when no daemon is supervised.
func New(cfg *Config, restart Restarter, m *metrics.Metrics, log *logger.Logger) *Adapter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Adapter{
		cfg:     cfg,
		restart: restart,
		logger:  log.Component("adapter"),
		metrics: m,
	}
}

// bandPolicy is the per-request backoff state: a fractional attempt
// counter (the host-unreachable path partially rewinds it) and the band of
// the last failure.
type bandPolicy struct {
	cfg      *Config
	attempts float64
	lastBand Band
	lastErr  error
	// suspicious TLS errors use the library's default backoff.
	suspicious backoff.BackOff
}

func newBandPolicy(cfg *Config) *bandPolicy {
	return &bandPolicy{cfg: cfg, suspicious: backoff.NewExponentialBackOff()}
}

// NextBackOff implements backoff.BackOff over the recorded band state.
func (p *bandPolicy) NextBackOff() time.Duration {
	if p.cfg.MaxAttempts > 0 && p.attempts >= float64(p.cfg.MaxAttempts) {
		return backoff.Stop
	}
	switch p.lastBand {
	case BandSuspiciousTLS:
		return p.suspicious.NextBackOff()
	default:
		if isHostUnreachable(p.lastErr) && p.attempts < p.cfg.EscalateAfter {
			return p.cfg.UnreachableDelay
		}
		if p.attempts > p.cfg.EscalateAfter {
			return p.cfg.EscalatedDelay
		}
		return p.cfg.TransientDelay
	}
}

// Reset implements backoff.BackOff.
func (p *bandPolicy) Reset() {
	p.attempts = 0
	p.suspicious.Reset()
}

// Do sends req through httpClient, recovering classified failures. The
// response is the caller's to close.
func (a *Adapter) Do(ctx context.Context, httpClient *http.Client, req *http.Request, route Route) (*http.Response, error) {
	var resp *http.Response
	pol := newBandPolicy(a.cfg)

	operation := func() error {
		pol.attempts++
		r, err := httpClient.Do(req.Clone(ctx))
		if err == nil {
			resp = r
			return nil
		}

		band := Classify(err)
		pol.lastBand = band
		pol.lastErr = err
		if a.metrics != nil {
			a.metrics.AdapterFailures.WithLabelValues(band.String()).Inc()
		}

		switch band {
		case BandTTLExpired:
			if route.IsOnionRouted() && pol.attempts > a.cfg.RestartAfter {
				a.logger.Warn("TTL-expired storm on onion route, restarting daemon",
					"circuit", route.Identifier(), "attempts", pol.attempts)
				if a.restart != nil {
					if rerr := a.restart(ctx); rerr != nil {
						a.logger.Error("Daemon restart failed", "error", rerr)
					}
				}
				return backoff.Permanent(err)
			}
			return err

		case BandTransient:
			if isHostUnreachable(err) && pol.attempts < a.cfg.EscalateAfter {
				// Fast retry on a fresh exit; partially rewind the
				// counter so the escalation threshold still means
				// something.
				pol.attempts -= 0.9
				a.rotate(route)
			} else if pol.attempts > a.cfg.EscalateAfter {
				a.rotate(route)
			}
			a.logger.Debug("Transient request failure",
				"circuit", route.Identifier(), "attempts", pol.attempts, "error", err)
			return err

		case BandSuspiciousTLS:
			a.logger.Warn("Suspicious TLS failure, leaving exit",
				"circuit", route.Identifier(), "error", err)
			a.rotate(route)
			return err

		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(pol, ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *Adapter) rotate(route Route) {
	if err := route.ForceIPChange(); err != nil {
		a.logger.Error("Exit rotation failed", "circuit", route.Identifier(), "error", err)
	}
}

// DoPoll runs a pollster operation with the pollster policy: constant
// waits, a hard attempt cap, and health degradation once failures pile up.
// onDegrade fires at most once per call.
func (a *Adapter) DoPoll(ctx context.Context, op func() error, onDegrade func()) error {
	attempts := 0
	degraded := false

	wrapped := func() error {
		attempts++
		err := op()
		if err != nil && attempts > a.cfg.PollDegradeAfter && !degraded && onDegrade != nil {
			degraded = true
			onDegrade()
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.cfg.PollInterval), a.cfg.PollMaxAttempts-1),
		ctx)
	return backoff.Retry(wrapped, b)
}
