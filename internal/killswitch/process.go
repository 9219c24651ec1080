package killswitch

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// ProcessController is the port the killswitch terminates OS processes
// through. The termination policy (grace period, escalation) stays in the
// killswitch; the controller only delivers signals and waits.
type ProcessController interface {
	// Terminate asks the process to exit (SIGTERM), waits up to grace for
	// it to disappear, and escalates to SIGKILL on timeout.
	Terminate(pid int, grace time.Duration) error
}

// OSProcessController terminates processes with raw signals.
type OSProcessController struct{}

func (OSProcessController) Terminate(pid int, grace time.Duration) error {
	if pid <= 0 {
		return errors.New("pid must be positive")
	}
	if !processExists(pid) {
		return fmt.Errorf("process %d not running", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to %d: %w", pid, err)
	}
	if err := waitForProcessExit(pid, grace); err == nil {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("send SIGKILL to %d: %w", pid, err)
	}
	if err := waitForProcessExit(pid, grace); err != nil {
		return fmt.Errorf("process %d did not exit after SIGKILL: %w", pid, err)
	}
	return nil
}

// processExists probes a pid with signal 0.
func processExists(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func waitForProcessExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for process %d to exit", pid)
}
