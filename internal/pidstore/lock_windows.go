//go:build windows

package pidstore

// Lock is a no-op on Windows.
func (s *Store) Lock() (func(), error) { return func() {}, nil }

// TryLock is a no-op on Windows.
func (s *Store) TryLock() (func(), error) { return func() {}, nil }
