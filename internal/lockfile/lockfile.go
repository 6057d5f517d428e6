// Package lockfile provides a single-instance file lock backed by
// gofrs/flock, used to guard the daemon's PID file against concurrent
// "sync --watch" invocations for the same drive.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// dirPermissions matches the standard directory permissions used elsewhere
// for data/config directories (owner rwx, group/other rx).
const dirPermissions = 0o755

// ErrLocked is returned by TryLock when another process already holds the
// lock.
var ErrLocked = fmt.Errorf("lock already held by another process")

// Lock wraps a gofrs/flock.Flock bound to a single path on disk.
type Lock struct {
	fl *flock.Flock
}

// New creates a Lock for path, ensuring its parent directory exists.
func New(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating lock file directory: %w", err)
	}

	return &Lock{fl: flock.New(path)}, nil
}

// TryLock attempts to acquire the lock without blocking. Returns ErrLocked
// if another process already holds it.
func (l *Lock) TryLock() error {
	locked, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", l.fl.Path(), err)
	}

	if !locked {
		return ErrLocked
	}

	return nil
}

// Unlock releases the lock if this process holds it. Safe to call even if
// TryLock was never successfully called.
func (l *Lock) Unlock() error {
	if !l.fl.Locked() {
		return nil
	}

	return l.fl.Unlock()
}

// Path returns the underlying lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}
