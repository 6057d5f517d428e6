package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/nimbusfs/sync/internal/lockfile"
)

// writePIDFile acquires an exclusive internal/lockfile lock on path and
// writes the current process ID into it. Returns a cleanup function that
// removes the file and releases the lock. If the lock cannot be acquired,
// another daemon is already running.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("PID file path is empty — cannot determine data directory")
	}

	lock, err := lockfile.New(path)
	if err != nil {
		return nil, err
	}

	if lockErr := lock.TryLock(); lockErr != nil {
		if errors.Is(lockErr, lockfile.ErrLocked) {
			return nil, fmt.Errorf("another sync --watch is already running (could not lock %s)", path)
		}

		return nil, lockErr
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		lock.Unlock()

		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	// Truncate and write current PID.
	if err := f.Truncate(0); err != nil {
		f.Close()
		lock.Unlock()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		lock.Unlock()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	// Sync to disk so readers see the PID immediately.
	if err := f.Sync(); err != nil {
		f.Close()
		lock.Unlock()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		f.Close()
		lock.Unlock()
		os.Remove(path)
	}, nil
}

// readPIDFile reads the PID from the given file path. Returns 0 and an error
// if the file does not exist or contains invalid content.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// sendSIGHUP reads the PID from the daemon PID file and sends SIGHUP to the
// running daemon. If the PID file does not exist or the process is not alive,
// returns a descriptive error. Stale PID files (process dead) are cleaned up.
func sendSIGHUP(pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no running daemon found (no PID file at %s)", pidPath)
		}

		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Check if the process is alive with signal 0.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// Process is dead — clean up stale PID file.
		os.Remove(pidPath)

		return fmt.Errorf("daemon (PID %d) is not running (stale PID file removed)", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sending SIGHUP to daemon (PID %d): %w", pid, err)
	}

	return nil
}
