// Package circuit models a single egress route: its connection coordinates,
// health score, validity, and the exit IP it is currently observed to present.
package circuit

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/falconscript/proxyratemanager/pkg/config"
	"github.com/falconscript/proxyratemanager/pkg/errors"
)

// Health bounds, the threshold at or below which a circuit is unhealthy,
// and the health gained per successful poll.
const (
	HealthMax          = 100
	HealthMin          = 0
	HealthyThreshold   = 20
	PollSuccessHealing = 10
)

// SocksAgentOptions carries the connection parameters a SOCKS transport needs.
type SocksAgentOptions struct {
	SocksHost     string
	SocksPort     int
	SocksUsername string
	SocksPassword string
}

// Circuit is one egress route. All mutable state is guarded by mu; identity
// fields are immutable after construction.
type Circuit struct {
	host     string
	port     int
	username string
	password string
	scheme   string
	name     string

	isLocalDaemon bool
	inCyclingPool bool

	pollInterval time.Duration
	healInterval time.Duration
	healAmount   int

	mu           sync.RWMutex
	activeExitIP string
	lastPollTime time.Time
	health       int
	valid        bool
	countryHint  string
}

// New creates a Circuit from a definition. The definition is defaulted and
// validated; invalid definitions are configuration errors.
func New(def *config.CircuitDefinition) (*Circuit, error) {
	if def == nil {
		def = config.DefaultCircuitDefinition()
	}
	def.ApplyDefaults()
	if !def.InCyclingPool && def.Name == "" {
		return nil, errors.UnnamedRigidCircuit(fmt.Sprintf("%s://%s:%d", def.Type, def.Host, def.Port))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &Circuit{
		host:          def.Host,
		port:          def.Port,
		username:      def.Username,
		password:      def.Password,
		scheme:        def.Type,
		name:          def.Name,
		isLocalDaemon: def.IsLocalDaemon,
		inCyclingPool: def.InCyclingPool,
		pollInterval:  def.PollInterval,
		healInterval:  def.HealInterval,
		healAmount:    def.HealAmount,
		health:        HealthMax,
		valid:         true,
	}, nil
}

// Identifier returns the canonical route identifier:
// scheme://[user[:pass]@]host:port
func (c *Circuit) Identifier() string {
	auth := ""
	if c.username != "" {
		auth = c.username
		if c.password != "" {
			auth += ":" + c.password
		}
		auth += "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", c.scheme, auth, c.host, c.port)
}

// DisplayName returns the identifier, prefixed by "(name) " when named.
func (c *Circuit) DisplayName() string {
	if c.name != "" {
		return fmt.Sprintf("(%s) %s", c.name, c.Identifier())
	}
	return c.Identifier()
}

// ProxyURL returns the identifier as a URL suitable for transport
// construction. Credentials are URL-escaped.
func (c *Circuit) ProxyURL() string {
	u := &url.URL{
		Scheme: c.scheme,
		Host:   fmt.Sprintf("%s:%d", c.host, c.port),
	}
	if c.username != "" {
		if c.password != "" {
			u.User = url.UserPassword(c.username, c.password)
		} else {
			u.User = url.User(c.username)
		}
	}
	return u.String()
}

// Name returns the circuit's optional name.
func (c *Circuit) Name() string { return c.name }

// Scheme returns the circuit's proxy scheme.
func (c *Circuit) Scheme() string { return c.scheme }

// IsLocalDaemon reports whether the circuit routes through the supervised
// onion-routing daemon.
func (c *Circuit) IsLocalDaemon() bool { return c.isLocalDaemon }

// InCyclingPool reports whether the circuit is eligible for random selection.
func (c *Circuit) InCyclingPool() bool { return c.inCyclingPool }

// IsRigid reports whether the circuit can never rotate: it is neither in the
// cycling pool nor routed through the daemon.
func (c *Circuit) IsRigid() bool { return !c.inCyclingPool && !c.isLocalDaemon }

// PollInterval returns the interval between exit-IP probes.
func (c *Circuit) PollInterval() time.Duration { return c.pollInterval }

// HealInterval returns the interval between periodic health increments.
func (c *Circuit) HealInterval() time.Duration { return c.healInterval }

// HealAmount returns the health increment applied per heal interval.
func (c *Circuit) HealAmount() int { return c.healAmount }

// SocksAgentOptions returns the circuit's connection parameters for a SOCKS
// transport.
func (c *Circuit) SocksAgentOptions() SocksAgentOptions {
	return SocksAgentOptions{
		SocksHost:     c.host,
		SocksPort:     c.port,
		SocksUsername: c.username,
		SocksPassword: c.password,
	}
}

// ActiveExitIP returns the exit IP the circuit was last observed to present,
// or empty when not yet known.
func (c *Circuit) ActiveExitIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeExitIP
}

// SetActiveExitIP records a newly observed exit IP.
func (c *Circuit) SetActiveExitIP(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeExitIP = ip
}

// LastPollTime returns the time of the most recent poll observation.
func (c *Circuit) LastPollTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPollTime
}

// SetLastPollTime stamps the most recent poll observation.
func (c *Circuit) SetLastPollTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPollTime = t
}

// Health returns the current health score in [0,100].
func (c *Circuit) Health() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Healthy reports whether the circuit's health is above the threshold.
func (c *Circuit) Healthy() bool {
	return c.Health() > HealthyThreshold
}

// AdjustHealth adds delta to the health score, clamped to [0,100], and
// returns the new value.
func (c *Circuit) AdjustHealth(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health += delta
	if c.health > HealthMax {
		c.health = HealthMax
	}
	if c.health < HealthMin {
		c.health = HealthMin
	}
	return c.health
}

// Valid reports whether the circuit is still live. Once invalid, a circuit
// is never revived.
func (c *Circuit) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

// Invalidate marks the circuit invalid. Pollers observe this and exit.
func (c *Circuit) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// CountryHint returns the best-effort country code for the current exit IP,
// or empty when unknown. Display only; never consulted for decisions.
func (c *Circuit) CountryHint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countryHint
}

// SetCountryHint records the country hint for the current exit IP.
func (c *Circuit) SetCountryHint(hint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countryHint = hint
}
