package manager

import (
	"context"
	"time"

	"github.com/falconscript/proxyratemanager/pkg/circuit"
	"github.com/falconscript/proxyratemanager/pkg/logger"
)

// Poller periodically probes one circuit's exit IP and reports observed
// changes to the Coordinator. Pollers are strictly observers; they never
// rotate their own circuit.
type Poller struct {
	coord   *Coordinator
	circuit *circuit.Circuit
	// client is the hidden polling client: bound to this circuit for
	// life, never on the Coordinator's client list.
	client *Client
	logger *logger.Logger
}

func newPoller(co *Coordinator, c *circuit.Circuit) *Poller {
	return &Poller{
		coord:   co,
		circuit: c,
		client:  newClient(co, c, true),
		logger:  co.logger.Component("poller").CircuitID(c.DisplayName()),
	}
}

// run polls until the circuit becomes invalid or ctx is cancelled. While
// an IP change or daemon restart is in flight, the poller backs off for a
// short fixed interval instead of probing under the gate.
func (p *Poller) run(ctx context.Context) {
	p.logger.Debug("Poller started", "interval", p.circuit.PollInterval())
	defer p.logger.Debug("Poller stopped")

	for {
		if !p.circuit.Valid() || ctx.Err() != nil {
			return
		}

		if p.coord.Gated() {
			if !sleep(ctx, p.coord.gateWait) {
				return
			}
			continue
		}

		p.tick(ctx)

		if !sleep(ctx, p.circuit.PollInterval()) {
			return
		}
	}
}

// tick performs one probe and feeds any observed change to the
// Coordinator.
func (p *Poller) tick(ctx context.Context) {
	ip, err := p.coord.probeThrough(ctx, p.client)
	if err != nil {
		p.coord.metrics.Polls.WithLabelValues(p.circuit.Identifier(), "failure").Inc()
		p.logger.Warn("Poll failed", "error", err)
		p.circuit.SetLastPollTime(time.Now())
		return
	}

	health := p.circuit.AdjustHealth(circuit.PollSuccessHealing)
	p.coord.metrics.CircuitHealth.WithLabelValues(p.circuit.Identifier()).Set(float64(health))

	if current := p.circuit.ActiveExitIP(); ip != current {
		p.coord.metrics.Polls.WithLabelValues(p.circuit.Identifier(), "ip_changed").Inc()
		p.logger.Info("Observed unrequested IP change", "from", current, "to", ip)
		if err := p.coord.OnObservedIPChange(p.circuit, ip); err != nil {
			p.logger.Error("Failed to absorb observed IP change", "error", err)
		}
		return
	}

	p.coord.metrics.Polls.WithLabelValues(p.circuit.Identifier(), "success").Inc()
	p.circuit.SetLastPollTime(time.Now())
}

// sleep waits for d, returning false when ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
