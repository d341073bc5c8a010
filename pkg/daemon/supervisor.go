package daemon

import (
	"context"
	"errors"
	"syscall"
	"time"

	mgrerrors "github.com/falconscript/proxyratemanager/pkg/errors"
	"github.com/falconscript/proxyratemanager/pkg/logger"
)

// Signals the daemon understands.
const (
	// RotateSignal asks the daemon to reconfigure and pick a new exit.
	// The daemon is expected to stay up.
	RotateSignal = syscall.SIGHUP
	// TerminateSignal asks the daemon to shut down.
	TerminateSignal = syscall.SIGTERM
)

// runAsDaemonArgs is the argument sequence that detaches the daemon from
// its controlling terminal.
var runAsDaemonArgs = []string{"--RunAsDaemon", "1"}

// SupervisorConfig holds daemon supervision settings.
type SupervisorConfig struct {
	// Executable is the daemon's command name (default: tor).
	Executable string

	// StartupDelay is the fixed grace period after spawning. There is
	// no readiness probe.
	StartupDelay time.Duration

	// SignalTimeout bounds waiting on a process after signal delivery.
	SignalTimeout time.Duration
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		Executable:    "tor",
		StartupDelay:  5 * time.Second,
		SignalTimeout: 1 * time.Second,
	}
}

// Supervisor controls the lifecycle of the locally managed onion-routing
// daemon. The daemon is a process-wide singleton; serialization of start
// and kill is the Coordinator's responsibility.
type Supervisor struct {
	pc     ProcessControl
	cfg    *SupervisorConfig
	logger *logger.Logger
}

// NewSupervisor creates a Supervisor over the given process control.
func NewSupervisor(pc ProcessControl, cfg *SupervisorConfig, log *logger.Logger) *Supervisor {
	if cfg == nil {
		cfg = DefaultSupervisorConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if pc == nil {
		pc = NewUnixProcessControl()
	}
	return &Supervisor{
		pc:     pc,
		cfg:    cfg,
		logger: log.Component("daemon"),
	}
}

// StartIfNotRunning scans for the daemon and spawns it when absent,
// blocking for the startup grace period. Returns whether the daemon was
// already running.
func (s *Supervisor) StartIfNotRunning(ctx context.Context) (bool, error) {
	procs, err := s.pc.List(ctx, s.cfg.Executable)
	if err != nil {
		return false, mgrerrors.DaemonListFailed(err)
	}
	if len(procs) > 0 {
		s.logger.Debug("Daemon already running", "count", len(procs))
		return true, nil
	}

	s.logger.Info("Starting daemon", "executable", s.cfg.Executable)
	if _, err := s.pc.Start(ctx, s.cfg.Executable, runAsDaemonArgs); err != nil {
		return false, mgrerrors.Wrap(mgrerrors.CategoryDaemonIO, mgrerrors.SeverityCritical,
			"failed to start daemon", err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(s.cfg.StartupDelay):
	}
	return false, nil
}

// RotateExit signals every running daemon process to pick a new exit. A
// process that stays up (the wait times out) is the success path; one that
// terminates in response is an error.
func (s *Supervisor) RotateExit(ctx context.Context) error {
	procs, err := s.pc.List(ctx, s.cfg.Executable)
	if err != nil {
		return mgrerrors.DaemonListFailed(err)
	}
	if len(procs) == 0 {
		return mgrerrors.New(mgrerrors.CategoryDaemonIO, mgrerrors.SeverityCritical,
			"no daemon process to rotate")
	}

	for _, p := range procs {
		s.logger.Debug("Rotating daemon exit", "pid", p.PID)
		if err := s.pc.Signal(p, RotateSignal); err != nil {
			return mgrerrors.DaemonSignalFailed(p.PID, err)
		}
		err := s.pc.Wait(ctx, p, s.cfg.SignalTimeout)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			// Expected: the daemon absorbed the signal and stayed up.
		case err == nil:
			return mgrerrors.New(mgrerrors.CategoryDaemonIO, mgrerrors.SeverityCritical,
				"daemon terminated in response to rotate signal")
		default:
			return mgrerrors.DaemonSignalFailed(p.PID, err)
		}
	}
	return nil
}

// KillAll terminates every matching daemon process, awaiting each. Finding
// none is a benign warning.
func (s *Supervisor) KillAll(ctx context.Context) error {
	procs, err := s.pc.List(ctx, s.cfg.Executable)
	if err != nil {
		return mgrerrors.DaemonListFailed(err)
	}
	if len(procs) == 0 {
		s.logger.Warn("No daemon process to kill")
		return nil
	}

	for _, p := range procs {
		s.logger.Info("Terminating daemon", "pid", p.PID)
		if err := s.pc.Signal(p, TerminateSignal); err != nil {
			return mgrerrors.DaemonSignalFailed(p.PID, err)
		}
		if err := s.pc.Wait(ctx, p, s.cfg.SignalTimeout); err != nil &&
			!errors.Is(err, context.DeadlineExceeded) {
			return mgrerrors.DaemonSignalFailed(p.PID, err)
		}
	}
	return nil
}
