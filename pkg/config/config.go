// Package config provides configuration structures and validation for the
// egress manager. Circuit definitions and the action catalog are supplied
// programmatically; there is no configuration-file loader.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/falconscript/proxyratemanager/pkg/autoconfig"
)

// Version is the release version, embedded in the rate-cache file name so
// incompatible cache layouts from older releases are simply ignored.
const Version = "1.2.0"

// Circuit schemes accepted by CircuitDefinition.Type.
const (
	SchemeSOCKS5H = "socks5h"
	SchemeHTTP    = "http"
	SchemeHTTPS   = "https"
)

// Default timing values for circuits.
const (
	// DefaultPollIntervalDaemon is the poll interval for circuits routed
	// through the locally supervised daemon.
	DefaultPollIntervalDaemon = 5 * time.Second
	// DefaultPollInterval is the poll interval for ordinary proxy circuits.
	DefaultPollInterval = 2 * time.Minute
	// DefaultHealInterval is how often a circuit's health is incremented.
	DefaultHealInterval = 20 * time.Minute
	// DefaultHealAmount is the health increment applied per heal interval
	// and per successful poll.
	DefaultHealAmount = 10
)

// CircuitDefinition describes one egress route to register.
type CircuitDefinition struct {
	// Host of the proxy endpoint (default: 0.0.0.0)
	Host string

	// Port of the proxy endpoint (default: 9050)
	Port int

	// Username for proxy authentication (optional)
	Username string

	// Password for proxy authentication (optional)
	Password string

	// Type is one of socks5h, http, https (default: socks5h)
	Type string

	// Name is an optional label. Required when InCyclingPool is false.
	Name string

	// InCyclingPool makes the circuit eligible for random selection
	// (default: true). When false the circuit is reachable only by name.
	InCyclingPool bool

	// IsLocalDaemon marks the circuit as routed through the locally
	// supervised onion-routing daemon (default: false).
	IsLocalDaemon bool

	// PollInterval between exit-IP probes. Zero selects the default:
	// 5s for daemon circuits, 2m otherwise.
	PollInterval time.Duration

	// HealInterval between periodic health increments (default: 20m).
	HealInterval time.Duration

	// HealAmount added to health per interval (default: 10).
	HealAmount int
}

// DefaultCircuitDefinition returns a definition with all defaults applied.
// Callers should start from this and override fields as needed.
func DefaultCircuitDefinition() *CircuitDefinition {
	return &CircuitDefinition{
		Host:          "0.0.0.0",
		Port:          9050,
		Type:          SchemeSOCKS5H,
		InCyclingPool: true,
		HealInterval:  DefaultHealInterval,
		HealAmount:    DefaultHealAmount,
	}
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
// It does not touch InCyclingPool: the zero value of a bool cannot be
// distinguished from an explicit false, so callers wanting the default
// should start from DefaultCircuitDefinition.
func (d *CircuitDefinition) ApplyDefaults() {
	if d.Host == "" {
		d.Host = "0.0.0.0"
	}
	if d.Port == 0 {
		d.Port = 9050
	}
	if d.Type == "" {
		d.Type = SchemeSOCKS5H
	}
	if d.PollInterval == 0 {
		if d.IsLocalDaemon {
			d.PollInterval = DefaultPollIntervalDaemon
		} else {
			d.PollInterval = DefaultPollInterval
		}
	}
	if d.HealInterval == 0 {
		d.HealInterval = DefaultHealInterval
	}
	if d.HealAmount == 0 {
		d.HealAmount = DefaultHealAmount
	}
}

// Validate checks the definition for configuration errors.
func (d *CircuitDefinition) Validate() error {
	switch d.Type {
	case SchemeSOCKS5H, SchemeHTTP, SchemeHTTPS, "":
	default:
		return fmt.Errorf("invalid circuit type %q: must be socks5h, http, or https", d.Type)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", d.Port)
	}
	if !d.InCyclingPool && d.Name == "" {
		return fmt.Errorf("circuit outside the cycling pool must have a name")
	}
	if d.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	if d.HealInterval < 0 {
		return fmt.Errorf("heal interval must not be negative")
	}
	return nil
}

// Config holds process-wide settings for the egress manager.
type Config struct {
	// ProbeURL is the endpoint queried to discover a circuit's exit IP.
	// The response body must contain a dotted-quad IPv4 address.
	ProbeURL string

	// CachePath is the rate-cache persistence file. Empty selects the
	// platform cache directory and the versioned default file name.
	CachePath string

	// CompactThreshold is the tracked-IP count above which the rate
	// store is compacted (default: 500).
	CompactThreshold int

	// CompactSweepInterval is how often the store is compacted regardless
	// of the threshold, so long-idle processes still bound memory.
	CompactSweepInterval time.Duration

	// MaxChangeTries bounds the rotate-and-probe loop when changing an
	// onion-routed circuit's exit IP (default: 7).
	MaxChangeTries int

	// DaemonExecutable is the onion-routing daemon's command name.
	DaemonExecutable string

	// DaemonStartupDelay is the fixed grace period after spawning the
	// daemon. There is no readiness probe.
	DaemonStartupDelay time.Duration

	// SignalTimeout bounds waiting on the daemon after signal delivery.
	SignalTimeout time.Duration

	// Blacklist lists exit IPs that must never be used.
	Blacklist []string

	// GeoDBPath is an optional MaxMind database for country hints on
	// newly observed exit IPs. Empty disables the lookup.
	GeoDBPath string

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the metrics server.
	MetricsAddr string
}

// DefaultBlacklistIP is refused on sight regardless of recorded counts.
const DefaultBlacklistIP = "163.172.67.180"

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		ProbeURL:             "http://localhost/raw_external_ip",
		CompactThreshold:     500,
		CompactSweepInterval: 10 * time.Minute,
		MaxChangeTries:       7,
		DaemonExecutable:     "tor",
		DaemonStartupDelay:   5 * time.Second,
		SignalTimeout:        1 * time.Second,
		Blacklist:            []string{DefaultBlacklistIP},
	}
}

// CacheFileName returns the versioned rate-cache file name.
func CacheFileName() string {
	return fmt.Sprintf("proxyratecache-%s.json", Version)
}

// ResolveCachePath returns cfg.CachePath, or the platform default location
// when unset.
func (c *Config) ResolveCachePath() (string, error) {
	if c.CachePath != "" {
		return c.CachePath, nil
	}
	dir, err := autoconfig.GetDefaultDataDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve cache directory: %w", err)
	}
	return filepath.Join(dir, CacheFileName()), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ProbeURL == "" {
		return fmt.Errorf("probe URL must not be empty")
	}
	if c.CompactThreshold < 0 {
		return fmt.Errorf("compact threshold must not be negative")
	}
	if c.MaxChangeTries < 1 {
		return fmt.Errorf("max change tries must be at least 1")
	}
	if c.DaemonExecutable == "" {
		return fmt.Errorf("daemon executable must not be empty")
	}
	return nil
}
