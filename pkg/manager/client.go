package manager

import (
	"context"
	"net/http"
	"sync"

	"github.com/falconscript/proxyratemanager/pkg/circuit"
	"github.com/falconscript/proxyratemanager/pkg/errors"
	"github.com/falconscript/proxyratemanager/pkg/helpers"
)

// Client is the user-facing handle bound to one circuit. Clients on
// cycling circuits rebind when their circuit is removed or rotated;
// polling clients are bound to one circuit forever.
type Client struct {
	coord   *Coordinator
	polling bool

	mu   sync.RWMutex
	circ *circuit.Circuit
}

func newClient(co *Coordinator, c *circuit.Circuit, polling bool) *Client {
	return &Client{coord: co, circ: c, polling: polling}
}

// Circuit returns the currently bound circuit.
func (cl *Client) Circuit() *circuit.Circuit {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.circ
}

// rebind moves the client to a different circuit. Inert for polling
// clients.
func (cl *Client) rebind(c *circuit.Circuit) {
	if cl.polling {
		return
	}
	cl.mu.Lock()
	old := cl.circ
	cl.circ = c
	cl.mu.Unlock()
	cl.coord.logger.Info("Client rebound",
		"from", old.DisplayName(), "to", c.DisplayName())
}

// CurrentIP returns the bound circuit's active exit IP.
func (cl *Client) CurrentIP() string {
	return cl.Circuit().ActiveExitIP()
}

// Identifier returns the bound circuit's display identifier.
func (cl *Client) Identifier() string {
	return cl.Circuit().DisplayName()
}

// IsOnionRouted reports whether the bound circuit transits the supervised
// daemon.
func (cl *Client) IsOnionRouted() bool {
	return cl.Circuit().IsLocalDaemon()
}

// SocksAgentOptions passes through the bound circuit's connection
// parameters.
func (cl *Client) SocksAgentOptions() circuit.SocksAgentOptions {
	return cl.Circuit().SocksAgentOptions()
}

// HTTPClient builds an http.Client routed through the bound circuit.
func (cl *Client) HTTPClient(cfg *helpers.HTTPClientConfig) (*http.Client, error) {
	return helpers.NewHTTPClient(cl.Circuit(), cfg)
}

// Do sends the request through the bound circuit with the adapter's
// failure handling.
func (cl *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	httpClient, err := cl.HTTPClient(nil)
	if err != nil {
		return nil, err
	}
	return cl.coord.adapter.Do(ctx, httpClient, req, cl)
}

// ForceIPChange rotates the client's exit, dispatched by circuit kind:
// onion-routed circuits change their daemon exit, cycling circuits rebind
// to another pool member, rigid circuits log and stay put. Inert on
// polling clients.
func (cl *Client) ForceIPChange() error {
	if cl.polling {
		return nil
	}
	c := cl.Circuit()
	switch {
	case c.IsLocalDaemon():
		_, err := cl.coord.ForceChange(context.Background(), c)
		return err
	case c.IsRigid():
		cl.coord.logger.Info("Force change ignored for rigid circuit", "circuit", c.DisplayName())
		return nil
	default:
		next := cl.coord.pool.SelectRandom(c, true)
		if next == nil || next == c {
			cl.coord.logger.Warn("No alternative circuit to rotate to", "circuit", c.DisplayName())
			return nil
		}
		cl.rebind(next)
		return nil
	}
}

// ProbeOrChange reports whether the current exit can take another
// occurrence of action, rotating when it cannot. Returns whether a
// rotation happened. Misuse on a rigid or polling client is a
// configuration error.
func (cl *Client) ProbeOrChange(action string) (bool, error) {
	c := cl.Circuit()
	if cl.polling || c.IsRigid() {
		return false, errors.RigidCircuitMisuse(c.DisplayName())
	}

	if c.IsLocalDaemon() {
		return cl.coord.ProbeOrChange(context.Background(), c, action)
	}

	// Cycling circuit: a caller that finds a change in flight waits for it
	// and reports a change; otherwise check the current exit and rebind
	// when exhausted.
	cl.coord.mu.Lock()
	if cl.coord.changing || cl.coord.restarting {
		ch := make(chan bool, 1)
		cl.coord.waiters = append(cl.coord.waiters, ch)
		cl.coord.mu.Unlock()
		<-ch
		return true, nil
	}
	cl.coord.mu.Unlock()

	avail, err := cl.coord.store.IsAvailable(c.ActiveExitIP(), action)
	if err != nil {
		return false, err
	}
	cl.coord.metrics.AvailabilityDecisions.WithLabelValues(action, availabilityLabel(avail)).Inc()
	if avail {
		return false, nil
	}
	return true, cl.ForceIPChange()
}

// ReportAction records one occurrence of action against the current exit
// IP. Misuse on a rigid or polling client is a configuration error.
func (cl *Client) ReportAction(action string) error {
	c := cl.Circuit()
	if cl.polling || c.IsRigid() {
		return errors.RigidCircuitMisuse(c.DisplayName())
	}
	return cl.coord.ReportAction(action, c)
}
