// Package lock guards an output directory against concurrent sync runs.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileName is the lock file created inside the output directory.
const FileName = ".jobboard-sync.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("output directory is locked by another run")

// Lock is a held advisory lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on dir/FileName.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, FileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", fl.Path(), ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock. The file is left in place; removing it would let
// a waiting process lock a different inode.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
