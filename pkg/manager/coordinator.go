// Package manager coordinates circuits, rate accounting, and IP changes.
// The Coordinator is the single-flight arbiter owning the "IP is changing"
// gate, the waiter queue, and the decision logic tying action accounting,
// circuit health, and exit rotation together.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/falconscript/proxyratemanager/pkg/adapter"
	"github.com/falconscript/proxyratemanager/pkg/circuit"
	"github.com/falconscript/proxyratemanager/pkg/config"
	"github.com/falconscript/proxyratemanager/pkg/daemon"
	"github.com/falconscript/proxyratemanager/pkg/errors"
	"github.com/falconscript/proxyratemanager/pkg/geohint"
	"github.com/falconscript/proxyratemanager/pkg/helpers"
	"github.com/falconscript/proxyratemanager/pkg/logger"
	"github.com/falconscript/proxyratemanager/pkg/metrics"
	"github.com/falconscript/proxyratemanager/pkg/pool"
	"github.com/falconscript/proxyratemanager/pkg/probe"
	"github.com/falconscript/proxyratemanager/pkg/ratestore"
)

// pollHealthPenalty is applied when a pollster exhausts its attempts.
const pollHealthPenalty = -20

// Options injects collaborators. Nil fields select production defaults.
type Options struct {
	// ProcessControl substitutes daemon process supervision.
	ProcessControl daemon.ProcessControl

	// Prober substitutes exit-IP discovery.
	Prober probe.Prober

	// GeoReader substitutes the country-hint database.
	GeoReader geohint.Reader

	// HTTPClientFor builds the transport for one circuit.
	HTTPClientFor func(*circuit.Circuit) (*http.Client, error)

	// Metrics substitutes the collector set.
	Metrics *metrics.Metrics

	// AdapterConfig overrides request-adapter timings.
	AdapterConfig *adapter.Config

	// GateWait overrides the poller's sleep while a change is in flight.
	GateWait time.Duration
}

// Coordinator owns the circuit pool, the rate store, the daemon
// supervisor, and the IP-change protocol.
type Coordinator struct {
	cfg        *config.Config
	store      *ratestore.Store
	pool       *pool.Pool
	supervisor *daemon.Supervisor
	prober     probe.Prober
	geo        *geohint.Service
	adapter    *adapter.Adapter
	metrics    *metrics.Metrics
	logger     *logger.Logger

	httpFor  func(*circuit.Circuit) (*http.Client, error)
	gateWait time.Duration

	// mu guards the gates and the waiter queue.
	mu         sync.Mutex
	changing   bool
	restarting bool
	waiters    []chan bool

	clientsMu sync.Mutex
	clients   []*Client

	cron          *cron.Cron
	healIDs       map[*circuit.Circuit]cron.EntryID
	metricsServer *metrics.Server

	pollerCtx    context.Context
	pollerCancel context.CancelFunc
	pollerGroup  *errgroup.Group
	pollerStops  map[*circuit.Circuit]context.CancelFunc
}

// New creates a Coordinator, loads the persisted rate cache, and starts
// the periodic schedulers.
func New(cfg *config.Config, opts *Options, log *logger.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	if log == nil {
		log = logger.NewDefault()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	cachePath, err := cfg.ResolveCachePath()
	if err != nil {
		log.Warn("Rate cache disabled", "error", err)
		cachePath = ""
	}
	store := ratestore.New(cachePath, log)
	store.SetBlacklist(cfg.Blacklist)
	if err := store.Load(); err != nil {
		return nil, err
	}

	prober := opts.Prober
	if prober == nil {
		probeCfg := probe.DefaultHTTPProberConfig()
		probeCfg.URL = cfg.ProbeURL
		prober = probe.NewHTTPProber(probeCfg, log)
	}

	geoReader := opts.GeoReader
	if geoReader == nil {
		geoReader = geohint.Open(cfg.GeoDBPath)
	}

	httpFor := opts.HTTPClientFor
	if httpFor == nil {
		httpFor = func(c *circuit.Circuit) (*http.Client, error) {
			return helpers.NewHTTPClient(c, nil)
		}
	}

	supervisorCfg := &daemon.SupervisorConfig{
		Executable:    cfg.DaemonExecutable,
		StartupDelay:  cfg.DaemonStartupDelay,
		SignalTimeout: cfg.SignalTimeout,
	}

	gateWait := opts.GateWait
	if gateWait == 0 {
		gateWait = 1 * time.Second
	}

	pollerCtx, pollerCancel := context.WithCancel(context.Background())
	group, pollerCtx := errgroup.WithContext(pollerCtx)

	co := &Coordinator{
		cfg:          cfg,
		store:        store,
		pool:         pool.New(log),
		supervisor:   daemon.NewSupervisor(opts.ProcessControl, supervisorCfg, log),
		prober:       prober,
		geo:          geohint.NewService(geoReader),
		metrics:      m,
		logger:       log.Component("coordinator"),
		httpFor:      httpFor,
		gateWait:     gateWait,
		cron:         cron.New(),
		healIDs:      make(map[*circuit.Circuit]cron.EntryID),
		pollerCtx:    pollerCtx,
		pollerCancel: pollerCancel,
		pollerGroup:  group,
		pollerStops:  make(map[*circuit.Circuit]context.CancelFunc),
	}
	co.adapter = adapter.New(opts.AdapterConfig, co.ForceRestart, m, log)

	if cfg.CompactSweepInterval > 0 {
		_, err := co.cron.AddFunc(fmt.Sprintf("@every %s", cfg.CompactSweepInterval), co.sweepStore)
		if err != nil {
			return nil, err
		}
	}
	co.cron.Start()

	if cfg.MetricsAddr != "" {
		co.metricsServer = metrics.NewServer(cfg.MetricsAddr, m, log)
		co.metricsServer.Start()
	}

	return co, nil
}

// RegisterAction adds an action to the catalog. Idempotent on the name;
// later registrations overwrite the prior limit and window.
func (co *Coordinator) RegisterAction(name string, limit int, window time.Duration) {
	co.store.RegisterAction(name, limit, window)
	co.logger.Info("Action registered", "action", name, "limit", limit, "window", window)
}

// Pool exposes the circuit pool.
func (co *Coordinator) Pool() *pool.Pool { return co.pool }

// Store exposes the rate store.
func (co *Coordinator) Store() *ratestore.Store { return co.store }

// Adapter exposes the request adapter.
func (co *Coordinator) Adapter() *adapter.Adapter { return co.adapter }

// Gated reports whether an IP change or daemon restart is in flight.
func (co *Coordinator) Gated() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.changing || co.restarting
}

// acquireOrWait tries to take the changing gate. On success the caller
// drives the change; otherwise the returned channel delivers the change's
// outcome.
func (co *Coordinator) acquireOrWait() (bool, chan bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.changing || co.restarting {
		ch := make(chan bool, 1)
		co.waiters = append(co.waiters, ch)
		return false, ch
	}
	co.changing = true
	return true, nil
}

// releaseGate clears both gates and fans the waiter queue out in FIFO
// order, each waiter signaled exactly once.
func (co *Coordinator) releaseGate(changed bool) {
	co.mu.Lock()
	waiters := co.waiters
	co.waiters = nil
	co.changing = false
	co.restarting = false
	co.mu.Unlock()

	for _, ch := range waiters {
		ch <- changed
	}
}

// AddCircuit registers a new egress route: starts the daemon when needed,
// probes the exit IP, inserts into the pool, and launches the poller.
// Adds are serialized by the caller; the operation is not reentrant
// per-circuit.
func (co *Coordinator) AddCircuit(ctx context.Context, def *config.CircuitDefinition) (*circuit.Circuit, error) {
	c, err := circuit.New(def)
	if err != nil {
		return nil, err
	}
	if err := co.pool.Validate(c); err != nil {
		return nil, err
	}

	if c.IsLocalDaemon() {
		if _, err := co.supervisor.StartIfNotRunning(ctx); err != nil {
			return nil, err
		}
	}

	ip, err := co.probeCircuit(ctx, c)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryConfiguration, errors.SeverityCritical,
			"cannot determine exit IP for new circuit "+c.DisplayName(), err)
	}
	co.store.InitIP(ip)
	if err := co.OnChangedIP(c, ip); err != nil {
		return nil, err
	}

	if err := co.pool.Add(c); err != nil {
		return nil, err
	}
	co.startHealTicker(c)
	co.startPoller(c)
	co.updatePoolGauges()

	co.logger.Info("Circuit online", "circuit", c.DisplayName(), "exit_ip", ip)
	return c, nil
}

// RemoveCircuit invalidates the circuit, rebinds its clients, and tears
// the daemon down when the last onion-routed circuit goes away.
func (co *Coordinator) RemoveCircuit(ctx context.Context, c *circuit.Circuit) {
	co.pool.Remove(c)
	co.stopHealTicker(c)
	co.stopPoller(c)

	co.clientsMu.Lock()
	bound := make([]*Client, 0)
	for _, cl := range co.clients {
		if cl.Circuit() == c {
			bound = append(bound, cl)
		}
	}
	co.clientsMu.Unlock()

	for _, cl := range bound {
		next := co.pool.SelectRandom(c, true)
		if next == nil {
			co.logger.Warn("No circuit available to rebind client", "removed", c.DisplayName())
			continue
		}
		cl.rebind(next)
	}

	if c.IsLocalDaemon() && len(co.pool.OnionRouted()) == 0 {
		if err := co.supervisor.KillAll(ctx); err != nil {
			co.logger.Error("Failed to stop daemon after last onion circuit", "error", err)
		}
	}
	co.updatePoolGauges()
}

// CreateClient returns a client bound to a random cycling circuit.
func (co *Coordinator) CreateClient() (*Client, error) {
	c := co.pool.SelectRandom(nil, true)
	if c == nil {
		return nil, errors.NoCircuitFound("random")
	}
	return co.trackClient(c), nil
}

// CreateClientByIndex returns a client bound to the cycling circuit at
// index i.
func (co *Coordinator) CreateClientByIndex(i int) (*Client, error) {
	c := co.pool.ByIndex(i)
	if c == nil {
		return nil, errors.NoCircuitFound(i)
	}
	return co.trackClient(c), nil
}

// CreateClientByName returns a client bound to the named circuit.
func (co *Coordinator) CreateClientByName(name string) (*Client, error) {
	c := co.pool.ByName(name)
	if c == nil {
		return nil, errors.NoCircuitFound(name)
	}
	return co.trackClient(c), nil
}

func (co *Coordinator) trackClient(c *circuit.Circuit) *Client {
	cl := newClient(co, c, false)
	co.clientsMu.Lock()
	co.clients = append(co.clients, cl)
	co.clientsMu.Unlock()
	return cl
}

// ReportAction appends the current time to the circuit's exit-IP series.
// Not gated by an in-flight change: the action lands on whichever IP is
// current at record time, and the ambiguous-window copy compensates.
func (co *Coordinator) ReportAction(action string, c *circuit.Circuit) error {
	ip := c.ActiveExitIP()
	co.store.InitIP(ip)
	if err := co.store.RecordAction(ip, action); err != nil {
		return err
	}
	co.metrics.ActionsRecorded.WithLabelValues(action).Inc()
	return nil
}

// ProbeOrChange checks whether the circuit's current exit IP can take
// another occurrence of action, driving an exit change when it cannot.
// Returns whether an IP change occurred.
func (co *Coordinator) ProbeOrChange(ctx context.Context, c *circuit.Circuit, action string) (bool, error) {
	co.mu.Lock()
	if co.changing || co.restarting {
		ch := make(chan bool, 1)
		co.waiters = append(co.waiters, ch)
		co.mu.Unlock()
		<-ch
		return true, nil
	}
	co.mu.Unlock()

	avail, err := co.store.IsAvailable(c.ActiveExitIP(), action)
	if err != nil {
		return false, err
	}
	co.metrics.AvailabilityDecisions.WithLabelValues(action, availabilityLabel(avail)).Inc()
	if avail {
		return false, nil
	}
	return true, co.driveChange(ctx, c)
}

// ForceChange drives an exit change regardless of availability, or joins
// one in flight. Rigid circuits log and return; cycling non-onion circuits
// rotate by client rebinding, which only their Client can perform.
func (co *Coordinator) ForceChange(ctx context.Context, c *circuit.Circuit) (bool, error) {
	switch {
	case c.IsLocalDaemon():
		return true, co.driveChange(ctx, c)
	case c.IsRigid():
		co.logger.Info("Force change ignored for rigid circuit", "circuit", c.DisplayName())
		return false, nil
	default:
		co.logger.Debug("Force change on a cycling circuit rotates by client rebinding",
			"circuit", c.DisplayName())
		return false, nil
	}
}

// driveChange acquires the gate (or joins the in-flight change) and runs
// the rotate-and-probe loop.
func (co *Coordinator) driveChange(ctx context.Context, c *circuit.Circuit) error {
	acquired, wait := co.acquireOrWait()
	if !acquired {
		<-wait
		return nil
	}
	return co.definitivelyChangeToAvailableIP(ctx, c)
}

// definitivelyChangeToAvailableIP rotates the daemon's exit and probes
// until the observed IP differs from the pre-change IP, bounded by
// MaxChangeTries. Caller holds the changing gate. Whether the new IP is
// itself exhausted is deliberately not checked here; the next
// ProbeOrChange call triggers a further change if so.
func (co *Coordinator) definitivelyChangeToAvailableIP(ctx context.Context, c *circuit.Circuit) error {
	opID := uuid.New().String()
	preIP := c.ActiveExitIP()
	co.logger.Info("Driving exit change", "op", opID, "circuit", c.DisplayName(), "from", preIP)

	for i := 0; i < co.cfg.MaxChangeTries; i++ {
		if err := co.supervisor.RotateExit(ctx); err != nil {
			co.releaseGate(false)
			return err
		}
		ip, err := co.probeCircuit(ctx, c)
		if err != nil {
			co.logger.Warn("Probe failed after exit rotation", "op", opID, "try", i+1, "error", err)
			continue
		}
		if ip != preIP {
			co.store.InitIP(ip)
			co.metrics.IPChanges.WithLabelValues(metrics.ChangeRequested).Inc()
			co.logger.Info("Exit changed", "op", opID, "circuit", c.DisplayName(), "to", ip)
			return co.OnChangedIP(c, ip)
		}
		co.logger.Debug("Exit unchanged after rotation", "op", opID, "try", i+1, "ip", ip)
	}

	co.releaseGate(false)
	return errors.IPChangeExhausted(c.DisplayName(), co.cfg.MaxChangeTries)
}

// OnObservedIPChange absorbs an unrequested IP change reported by a
// poller. Observations wait out any in-flight change so they apply in
// the order observed.
func (co *Coordinator) OnObservedIPChange(c *circuit.Circuit, newIP string) error {
	for {
		acquired, wait := co.acquireOrWait()
		if acquired {
			break
		}
		<-wait
	}
	co.metrics.IPChanges.WithLabelValues(metrics.ChangeObserved).Inc()
	return co.absorbObservedIP(c, newIP, true)
}

// absorbObservedIP copies the ambiguous-window timestamps onto the new
// IP, persists the store, and commits the change. Caller holds the gate;
// release controls whether the commit fans the waiter queue out.
func (co *Coordinator) absorbObservedIP(c *circuit.Circuit, newIP string, release bool) error {
	opID := uuid.New().String()
	oldIP := c.ActiveExitIP()
	lastPoll := c.LastPollTime()

	co.store.InitIP(newIP)
	if oldIP != "" && oldIP != newIP {
		// Actions recorded after the last poll may have transited either
		// exit; double-count them on both rather than guess.
		copied := 0
		for _, act := range co.store.Actions() {
			ts := co.store.TimestampsAfter(oldIP, act.Name, lastPoll)
			co.store.AppendTimestamps(newIP, act.Name, ts)
			copied += len(ts)
		}
		if copied > 0 {
			co.logger.Info("Copied ambiguous-window actions to new exit IP",
				"op", opID, "from", oldIP, "to", newIP, "count", copied)
		}
	}

	if err := co.store.Save(); err != nil {
		co.logger.Warn("Failed to persist rate cache", "op", opID, "error", err)
	}

	co.logger.Info("Absorbed observed IP change",
		"op", opID, "circuit", c.DisplayName(), "from", oldIP, "to", newIP)
	return co.onChangedIPInner(c, newIP, release)
}

// OnChangedIP commits a completed IP change: assigns the circuit's exit
// IP, stamps the poll time, clears the gates, and fans out the waiters.
func (co *Coordinator) OnChangedIP(c *circuit.Circuit, newIP string) error {
	return co.onChangedIPInner(c, newIP, true)
}

func (co *Coordinator) onChangedIPInner(c *circuit.Circuit, newIP string, release bool) error {
	if newIP == "" {
		if release {
			co.releaseGate(false)
		}
		return errors.MissingIP(c.DisplayName())
	}

	c.SetActiveExitIP(newIP)
	c.SetLastPollTime(time.Now())
	if hint := co.geo.Hint(newIP); hint != "" {
		c.SetCountryHint(hint)
		co.logger.Debug("Exit IP located", "ip", newIP, "country", hint)
	}
	co.metrics.CircuitHealth.WithLabelValues(c.Identifier()).Set(float64(c.Health()))

	if release {
		co.releaseGate(true)
	}

	if co.store.Size() > co.cfg.CompactThreshold {
		co.sweepStore()
	}
	return nil
}

// ForceRestart kills and respawns the daemon outright, then absorbs every
// onion-routed circuit's new exit IP. Single-flight: a caller arriving
// while a restart is in flight joins the waiter queue.
func (co *Coordinator) ForceRestart(ctx context.Context) error {
	co.mu.Lock()
	if co.restarting {
		ch := make(chan bool, 1)
		co.waiters = append(co.waiters, ch)
		co.mu.Unlock()
		<-ch
		return nil
	}
	co.restarting = true
	co.changing = true
	co.mu.Unlock()

	opID := uuid.New().String()
	co.logger.Warn("Forcing daemon restart", "op", opID)
	co.metrics.DaemonRestarts.Inc()

	if err := co.supervisor.KillAll(ctx); err != nil {
		co.releaseGate(false)
		return err
	}
	if _, err := co.supervisor.StartIfNotRunning(ctx); err != nil {
		co.releaseGate(false)
		return err
	}

	for _, c := range co.pool.OnionRouted() {
		ip, err := co.probeCircuit(ctx, c)
		if err != nil {
			co.logger.Error("Failed to probe circuit after restart",
				"op", opID, "circuit", c.DisplayName(), "error", err)
			continue
		}
		co.metrics.IPChanges.WithLabelValues(metrics.ChangeRestart).Inc()
		if err := co.absorbObservedIP(c, ip, false); err != nil {
			co.logger.Error("Failed to absorb IP after restart",
				"op", opID, "circuit", c.DisplayName(), "error", err)
		}
	}

	co.releaseGate(true)
	co.logger.Info("Daemon restart complete", "op", opID)
	return nil
}

// probeCircuit discovers the exit IP through a fresh polling client bound
// to the circuit.
func (co *Coordinator) probeCircuit(ctx context.Context, c *circuit.Circuit) (string, error) {
	return co.probeThrough(ctx, newClient(co, c, true))
}

// probeThrough discovers the exit IP through the given polling client with
// the pollster retry policy.
func (co *Coordinator) probeThrough(ctx context.Context, cl *Client) (string, error) {
	c := cl.Circuit()
	httpClient, err := co.httpFor(c)
	if err != nil {
		return "", err
	}

	var ip string
	err = co.adapter.DoPoll(ctx, func() error {
		var perr error
		ip, perr = co.prober.ProbeIP(ctx, httpClient)
		return perr
	}, func() {
		health := c.AdjustHealth(pollHealthPenalty)
		co.metrics.CircuitHealth.WithLabelValues(c.Identifier()).Set(float64(health))
		co.logger.Warn("Circuit health degraded after failed polls",
			"circuit", c.DisplayName(), "health", health)
	})
	if err != nil {
		return "", err
	}
	return ip, nil
}

// sweepStore compacts the rate store, protecting active exit IPs.
func (co *Coordinator) sweepStore() {
	active := co.pool.ActiveExitIPs()
	co.store.Compact(func(ip string) bool {
		_, ok := active[ip]
		return ok
	})
	co.metrics.TrackedIPs.Set(float64(co.store.Size()))
}

func (co *Coordinator) startHealTicker(c *circuit.Circuit) {
	id, err := co.cron.AddFunc(fmt.Sprintf("@every %s", c.HealInterval()), func() {
		if !c.Valid() {
			return
		}
		health := c.AdjustHealth(c.HealAmount())
		co.metrics.CircuitHealth.WithLabelValues(c.Identifier()).Set(float64(health))
	})
	if err != nil {
		co.logger.Error("Failed to schedule heal ticker", "circuit", c.DisplayName(), "error", err)
		return
	}
	co.healIDs[c] = id
}

func (co *Coordinator) stopHealTicker(c *circuit.Circuit) {
	if id, ok := co.healIDs[c]; ok {
		co.cron.Remove(id)
		delete(co.healIDs, c)
	}
}

func (co *Coordinator) startPoller(c *circuit.Circuit) {
	ctx, cancel := context.WithCancel(co.pollerCtx)
	co.pollerStops[c] = cancel

	p := newPoller(co, c)
	co.pollerGroup.Go(func() error {
		p.run(ctx)
		return nil
	})
}

func (co *Coordinator) stopPoller(c *circuit.Circuit) {
	if cancel, ok := co.pollerStops[c]; ok {
		cancel()
		delete(co.pollerStops, c)
	}
}

func (co *Coordinator) updatePoolGauges() {
	stats := co.pool.GetStats()
	co.metrics.CyclingCircuits.Set(float64(stats.Cycling))
	co.metrics.NamedCircuits.Set(float64(stats.Named))
	co.metrics.HealthyCircuits.Set(float64(stats.Healthy))
	co.metrics.TrackedIPs.Set(float64(co.store.Size()))
}

// Close stops the pollers and schedulers and persists the rate cache one
// final time.
func (co *Coordinator) Close() error {
	co.cron.Stop()
	if co.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := co.metricsServer.Stop(ctx); err != nil {
			co.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	co.pollerCancel()
	if err := co.pollerGroup.Wait(); err != nil {
		co.logger.Warn("Poller group exited with error", "error", err)
	}
	if err := co.store.Save(); err != nil {
		return err
	}
	if err := co.geo.Close(); err != nil {
		co.logger.Warn("Failed to close geo database", "error", err)
	}
	return nil
}

func availabilityLabel(avail bool) string {
	if avail {
		return "available"
	}
	return "exhausted"
}
