// Package pool manages the set of live circuits: a cycling pool eligible
// for random selection and a named registry addressable only by name.
package pool

import (
	"math/rand"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/falconscript/proxyratemanager/pkg/circuit"
	"github.com/falconscript/proxyratemanager/pkg/errors"
	"github.com/falconscript/proxyratemanager/pkg/logger"
)

// AllUnhealthyHook is invoked when every cycling circuit is unhealthy.
// The default hook panics with AllCircuitsUnhealthy; operators may install
// an override.
type AllUnhealthyHook func()

// Pool holds the live circuits. The cycling list stays a mutex-guarded
// slice: SelectRandom needs index-based uniform selection. The named
// registry is a concurrent map since it is read per-request and written
// only on add/remove.
type Pool struct {
	mu      sync.RWMutex
	cycling []*circuit.Circuit

	named *xsync.Map[string, *circuit.Circuit]

	logger       *logger.Logger
	allUnhealthy AllUnhealthyHook
}

// New creates an empty pool.
func New(log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewDefault()
	}
	p := &Pool{
		named:  xsync.NewMap[string, *circuit.Circuit](),
		logger: log.Component("pool"),
	}
	p.allUnhealthy = func() {
		p.logger.Error("All circuits in the cycling pool are unhealthy")
		panic(errors.AllCircuitsUnhealthy())
	}
	return p
}

// SetAllUnhealthyHook replaces the hook invoked when no healthy cycling
// circuit exists.
func (p *Pool) SetAllUnhealthyHook(hook AllUnhealthyHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hook != nil {
		p.allUnhealthy = hook
	}
}

// Validate checks whether c could be added without mutating the pool.
func (p *Pool) Validate(c *circuit.Circuit) error {
	if !c.InCyclingPool() && c.Name() == "" {
		return errors.UnnamedRigidCircuit(c.Identifier())
	}
	id := c.Identifier()
	p.mu.RLock()
	for _, existing := range p.cycling {
		if existing.Identifier() == id {
			p.mu.RUnlock()
			return errors.DuplicateCircuit(id)
		}
	}
	p.mu.RUnlock()

	var dup bool
	p.named.Range(func(_ string, existing *circuit.Circuit) bool {
		if existing.Identifier() == id {
			dup = true
			return false
		}
		return true
	})
	if dup {
		return errors.DuplicateCircuit(id)
	}
	if c.Name() != "" {
		if _, exists := p.named.Load(c.Name()); exists {
			return errors.DuplicateCircuit(c.DisplayName())
		}
	}
	return nil
}

// Add inserts c into the cycling pool or the named registry per its flags.
func (p *Pool) Add(c *circuit.Circuit) error {
	if err := p.Validate(c); err != nil {
		return err
	}

	if c.InCyclingPool() {
		p.mu.Lock()
		p.cycling = append(p.cycling, c)
		p.mu.Unlock()
	} else {
		p.named.Store(c.Name(), c)
	}
	// Named cycling circuits are also reachable by name.
	if c.InCyclingPool() && c.Name() != "" {
		p.named.Store(c.Name(), c)
	}

	p.logger.Info("Circuit added", "circuit", c.DisplayName(), "cycling", c.InCyclingPool())
	return nil
}

// Remove marks c invalid and drops it from its collection. The circuit is
// never revived; callers wanting the route back must create a new one.
func (p *Pool) Remove(c *circuit.Circuit) {
	c.Invalidate()

	if c.InCyclingPool() {
		p.mu.Lock()
		for i, existing := range p.cycling {
			if existing == c {
				p.cycling = append(p.cycling[:i], p.cycling[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}
	if c.Name() != "" {
		p.named.Delete(c.Name())
	}

	p.logger.Info("Circuit removed", "circuit", c.DisplayName())
}

// SelectRandom chooses uniformly at random from the cycling pool, skipping
// exclude and, when skipUnhealthy is set, unhealthy circuits. With at most
// one entry the sole entry (or nil) is returned without filtering. When no
// healthy circuit exists at all the allUnhealthy hook fires; when only
// exclude is healthy, exclude is returned, since staying put beats moving
// to a known-bad route.
func (p *Pool) SelectRandom(exclude *circuit.Circuit, skipUnhealthy bool) *circuit.Circuit {
	p.mu.RLock()
	candidates := make([]*circuit.Circuit, len(p.cycling))
	copy(candidates, p.cycling)
	hook := p.allUnhealthy
	p.mu.RUnlock()

	if len(candidates) == 0 {
		p.logger.Warn("Cycling pool is empty, nothing to select")
		return nil
	}
	if len(candidates) == 1 {
		p.logger.Warn("Cycling pool has a single circuit, selection is degenerate",
			"circuit", candidates[0].DisplayName())
		return candidates[0]
	}

	eligible := make([]*circuit.Circuit, 0, len(candidates))
	anyHealthy := false
	for _, c := range candidates {
		if c.Healthy() {
			anyHealthy = true
		}
		if c == exclude {
			continue
		}
		if skipUnhealthy && !c.Healthy() {
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		if !anyHealthy && skipUnhealthy {
			hook()
			return nil
		}
		if exclude != nil && exclude.Healthy() {
			p.logger.Warn("Only the excluded circuit is healthy, staying put",
				"circuit", exclude.DisplayName())
			return exclude
		}
		p.logger.Warn("No eligible circuit to select")
		return nil
	}

	return eligible[rand.Intn(len(eligible))]
}

// ByName looks up a circuit by exact name, in either collection.
func (p *Pool) ByName(name string) *circuit.Circuit {
	c, ok := p.named.Load(name)
	if !ok {
		return nil
	}
	return c
}

// ByIndex returns the cycling-pool circuit at index i, or nil when out of
// range.
func (p *Pool) ByIndex(i int) *circuit.Circuit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.cycling) {
		return nil
	}
	return p.cycling[i]
}

// All returns every live circuit across both collections.
func (p *Pool) All() []*circuit.Circuit {
	p.mu.RLock()
	out := make([]*circuit.Circuit, len(p.cycling))
	copy(out, p.cycling)
	p.mu.RUnlock()

	seen := make(map[*circuit.Circuit]struct{}, len(out))
	for _, c := range out {
		seen[c] = struct{}{}
	}
	p.named.Range(func(_ string, c *circuit.Circuit) bool {
		if _, dup := seen[c]; !dup {
			out = append(out, c)
		}
		return true
	})
	return out
}

// OnionRouted returns every live circuit routed through the supervised
// daemon.
func (p *Pool) OnionRouted() []*circuit.Circuit {
	var out []*circuit.Circuit
	for _, c := range p.All() {
		if c.IsLocalDaemon() {
			out = append(out, c)
		}
	}
	return out
}

// ActiveExitIPs returns the set of exit IPs currently presented by live
// circuits. Used to protect active entries during rate-store compaction.
func (p *Pool) ActiveExitIPs() map[string]struct{} {
	out := make(map[string]struct{})
	for _, c := range p.All() {
		if ip := c.ActiveExitIP(); ip != "" {
			out[ip] = struct{}{}
		}
	}
	return out
}

// Stats holds pool counters for metrics export.
type Stats struct {
	Cycling int
	Named   int
	Healthy int
}

// GetStats returns current pool counters.
func (p *Pool) GetStats() Stats {
	all := p.All()
	stats := Stats{Named: p.named.Size()}
	p.mu.RLock()
	stats.Cycling = len(p.cycling)
	p.mu.RUnlock()
	for _, c := range all {
		if c.Healthy() {
			stats.Healthy++
		}
	}
	return stats
}
