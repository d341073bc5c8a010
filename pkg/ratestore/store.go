// Package ratestore tracks per-exit-IP action timestamps over rolling
// windows and persists them across restarts. It is the source of truth for
// how much use an exit IP has seen, regardless of which circuit presented it.
package ratestore

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/falconscript/proxyratemanager/pkg/errors"
	"github.com/falconscript/proxyratemanager/pkg/logger"
)

// Action is a registered, rate-limited user action.
type Action struct {
	Name   string
	Limit  int
	Window time.Duration
}

// DefaultWindow is the rolling window applied when a registration passes
// zero.
const DefaultWindow = 24 * time.Hour

// ipEntry holds one IP's per-action timestamp series. The map value is
// replaced atomically through xsync, but slice mutation needs the entry
// mutex: append-and-preen is not a single pointer swap.
type ipEntry struct {
	mu     sync.Mutex
	series map[string][]int64
}

// Store is the per-IP, per-action rolling-window accounting structure.
type Store struct {
	ips *xsync.Map[string, *ipEntry]

	actionsMu sync.RWMutex
	actions   map[string]Action

	blacklistMu sync.RWMutex
	blacklist   map[string]struct{}

	path   string
	logger *logger.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates an empty store persisting to path. An empty path disables
// persistence.
func New(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Store{
		ips:       xsync.NewMap[string, *ipEntry](),
		actions:   make(map[string]Action),
		blacklist: make(map[string]struct{}),
		path:      path,
		logger:    log.Component("ratestore"),
		now:       time.Now,
	}
}

// RegisterAction adds an action to the catalog. Registering an existing name
// overwrites its limit and window.
func (s *Store) RegisterAction(name string, limit int, window time.Duration) {
	if window == 0 {
		window = DefaultWindow
	}
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	s.actions[name] = Action{Name: name, Limit: limit, Window: window}
}

// Action looks up a registered action.
func (s *Store) Action(name string) (Action, bool) {
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	a, ok := s.actions[name]
	return a, ok
}

// Actions returns the registered actions in name order.
func (s *Store) Actions() []Action {
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	out := make([]Action, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetBlacklist replaces the set of refused exit IPs.
func (s *Store) SetBlacklist(ips []string) {
	bl := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		bl[ip] = struct{}{}
	}
	s.blacklistMu.Lock()
	defer s.blacklistMu.Unlock()
	s.blacklist = bl
}

// IsBlacklisted reports whether the IP must never be used.
func (s *Store) IsBlacklisted(ip string) bool {
	s.blacklistMu.RLock()
	defer s.blacklistMu.RUnlock()
	_, ok := s.blacklist[ip]
	return ok
}

// entry returns the ipEntry for ip, creating it if missing.
func (s *Store) entry(ip string) *ipEntry {
	var e *ipEntry
	s.ips.Compute(ip, func(old *ipEntry, loaded bool) (*ipEntry, xsync.ComputeOp) {
		if loaded {
			e = old
			return old, xsync.CancelOp
		}
		e = &ipEntry{series: make(map[string][]int64)}
		return e, xsync.UpdateOp
	})
	return e
}

// InitIP ensures an entry exists for ip with a series for every registered
// action. Called when an IP is first observed.
func (s *Store) InitIP(ip string) {
	e := s.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	for name := range s.actions {
		if _, ok := e.series[name]; !ok {
			e.series[name] = nil
		}
	}
}

// RecordAction appends the current time to the (ip, action) series. The
// entry is created if missing. Fails for unregistered actions.
func (s *Store) RecordAction(ip, action string) error {
	if _, ok := s.Action(action); !ok {
		return errors.UnknownAction(action)
	}
	e := s.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.series[action] = append(e.series[action], s.now().UnixMilli())
	return nil
}

// IsAvailable reports whether ip can take another occurrence of action.
// A blacklisted IP is never available; an unknown IP is always available
// (fresh); otherwise stale entries are preened and the series length is
// compared against the action's limit.
func (s *Store) IsAvailable(ip, action string) (bool, error) {
	act, ok := s.Action(action)
	if !ok {
		return false, errors.UnknownAction(action)
	}
	if s.IsBlacklisted(ip) {
		s.logger.Warn("Blacklisted exit IP refused", "ip", ip)
		return false, nil
	}
	e, ok := s.ips.Load(ip)
	if !ok {
		return true, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.preenLocked(e)
	return len(e.series[act.Name]) < act.Limit, nil
}

// Preen drops timestamps older than each action's window from ip's series.
func (s *Store) Preen(ip string) {
	e, ok := s.ips.Load(ip)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.preenLocked(e)
}

// preenLocked preens every series of e. Caller holds e.mu. The comparison
// is strict: a timestamp exactly at now-window survives.
func (s *Store) preenLocked(e *ipEntry) {
	nowMs := s.now().UnixMilli()
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	for name, act := range s.actions {
		series := e.series[name]
		windowMs := act.Window.Milliseconds()
		i := 0
		for i < len(series) && (nowMs-series[i]) > windowMs {
			i++
		}
		if i > 0 {
			e.series[name] = append([]int64(nil), series[i:]...)
		}
	}
}

// TimestampsAfter returns the (ip, action) timestamps strictly newer than
// after, oldest first. Used to size the ambiguous window when an IP change
// is observed.
func (s *Store) TimestampsAfter(ip, action string, after time.Time) []int64 {
	e, ok := s.ips.Load(ip)
	if !ok {
		return nil
	}
	afterMs := after.UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()
	series := e.series[action]
	// Timestamps are non-decreasing; scan back from the tail.
	i := len(series)
	for i > 0 && series[i-1] > afterMs {
		i--
	}
	return append([]int64(nil), series[i:]...)
}

// AppendTimestamps appends the given timestamps to the (ip, action) series.
// Used to copy ambiguous-window entries onto a newly observed IP.
func (s *Store) AppendTimestamps(ip, action string, ts []int64) {
	if len(ts) == 0 {
		return
	}
	e := s.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.series[action] = append(e.series[action], ts...)
}

// Size returns the number of tracked IPs.
func (s *Store) Size() int {
	return s.ips.Size()
}

// Compact preens every tracked IP and removes entries whose series are all
// empty, unless keep reports the IP as still active on a live circuit.
// Returns the number of entries removed.
func (s *Store) Compact(keep func(ip string) bool) int {
	removed := 0
	s.ips.Range(func(ip string, e *ipEntry) bool {
		e.mu.Lock()
		s.preenLocked(e)
		empty := true
		for _, series := range e.series {
			if len(series) > 0 {
				empty = false
				break
			}
		}
		e.mu.Unlock()

		if empty && (keep == nil || !keep(ip)) {
			s.ips.Delete(ip)
			removed++
		}
		return true
	})
	if removed > 0 {
		s.logger.Debug("Compacted rate store", "removed", removed, "remaining", s.ips.Size())
	}
	return removed
}

// Count returns the current length of the (ip, action) series without
// preening.
func (s *Store) Count(ip, action string) int {
	e, ok := s.ips.Load(ip)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.series[action])
}

// Snapshot returns a deep copy of the full map, keyed by IP then action.
func (s *Store) Snapshot() map[string]map[string][]int64 {
	out := make(map[string]map[string][]int64)
	s.ips.Range(func(ip string, e *ipEntry) bool {
		e.mu.Lock()
		m := make(map[string][]int64, len(e.series))
		for name, series := range e.series {
			m[name] = append([]int64(nil), series...)
		}
		e.mu.Unlock()
		out[ip] = m
		return true
	})
	return out
}
