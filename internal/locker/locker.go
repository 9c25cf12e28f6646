// Package locker provides blocking advisory file locks. Locks are keyed by
// lock-file path, work across processes, and have no timeout: a caller
// blocks until the current holder releases. A stuck holder stalls the
// phase it guards; detecting that is an operator concern.
package locker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock. Release it exactly once.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive lock on path, creating the lock file if
// needed, and blocks until the lock is available.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// Release drops the lock. Safe against double release.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return f.Close()
}

// With runs fn while holding the lock at path, releasing on every exit
// path including panics.
func With(path string, fn func() error) error {
	l, err := Acquire(path)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
