//go:build !windows

package pidstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const lockFile = ".lock"

// Lock blocks until it holds an exclusive advisory lock on the store
// directory. The returned func releases it.
func (s *Store) Lock() (func(), error) {
	return s.lock(unix.LOCK_EX)
}

// TryLock is like Lock but returns ErrLocked instead of waiting.
func (s *Store) TryLock() (func(), error) {
	return s.lock(unix.LOCK_EX | unix.LOCK_NB)
}

func (s *Store) lock(how int) (func(), error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
