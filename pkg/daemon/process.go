// Package daemon supervises the locally managed onion-routing daemon:
// discovery, detached start, signal-based exit rotation, and teardown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Process identifies one running daemon process.
type Process struct {
	PID     int
	Command string
}

// ProcessControl abstracts OS-level process supervision so alternate
// daemons and test doubles can be substituted.
type ProcessControl interface {
	// List returns the running processes whose command matches name.
	List(ctx context.Context, name string) ([]Process, error)

	// Start spawns name with args as a detached child, so host
	// termination does not kill it.
	Start(ctx context.Context, name string, args []string) (Process, error)

	// Signal delivers sig to p.
	Signal(p Process, sig syscall.Signal) error

	// Wait blocks until p exits or timeout elapses. A still-running
	// process yields context.DeadlineExceeded; a vanished process yields
	// nil.
	Wait(ctx context.Context, p Process, timeout time.Duration) error
}

// unixProcessControl implements ProcessControl by scanning /proc and
// delivering signals through unix.Kill.
type unixProcessControl struct{}

// NewUnixProcessControl returns the production ProcessControl for Linux
// hosts.
func NewUnixProcessControl() ProcessControl {
	return &unixProcessControl{}
}

func (u *unixProcessControl) List(ctx context.Context, name string) ([]Process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to scan process list: %w", err)
	}

	var procs []Process
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue // process exited mid-scan
		}
		args := strings.Split(string(data), "\x00")
		if len(args) == 0 || args[0] == "" {
			continue
		}
		if filepath.Base(args[0]) == name {
			procs = append(procs, Process{PID: pid, Command: strings.Join(args, " ")})
		}
	}
	return procs, nil
}

func (u *unixProcessControl) Start(_ context.Context, name string, args []string) (Process, error) {
	// Deliberately not CommandContext: the daemon must outlive us.
	cmd := exec.Command(name, args...)
	// New session so the daemon survives our termination.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return Process{}, fmt.Errorf("failed to start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return Process{}, fmt.Errorf("failed to detach %s: %w", name, err)
	}
	return Process{PID: pid, Command: name + " " + strings.Join(args, " ")}, nil
}

func (u *unixProcessControl) Signal(p Process, sig syscall.Signal) error {
	return unix.Kill(p.PID, sig)
}

func (u *unixProcessControl) Wait(ctx context.Context, p Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		// Signal 0 probes existence without delivering anything.
		err := unix.Kill(p.PID, 0)
		if err == unix.ESRCH {
			return nil
		}
		if err != nil && err != unix.EPERM {
			return fmt.Errorf("failed to probe pid %d: %w", p.PID, err)
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
