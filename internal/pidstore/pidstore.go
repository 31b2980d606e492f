package pidstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const pidExt = ".pid"

// ErrLocked is returned by TryLock when another supervisor holds the store lock.
var ErrLocked = errors.New("pid store is locked by another supervisor")

// Store keeps one PID record per service under a directory. The existence of
// a record means the service was started and not yet confirmed stopped.
type Store struct {
	dir string
}

// New returns a store rooted at dir. The directory is created lazily.
func New(dir string) *Store { return &Store{dir: filepath.Clean(dir)} }

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record path for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+pidExt)
}

// Load reads every record in the directory. Malformed records are removed
// and omitted. A missing directory yields an empty map.
func (s *Store) Load() (map[string]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("read pid dir %s: %w", s.dir, err)
	}
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pidExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), pidExt)
		pid, err := ReadPIDFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				_ = os.Remove(filepath.Join(s.dir, e.Name()))
			}
			continue
		}
		out[name] = pid
	}
	return out, nil
}

// Get reads the record for a single service. ok is false when absent.
func (s *Store) Get(name string) (pid int, ok bool, err error) {
	pid, err = ReadPIDFile(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pid, true, nil
}

// Save writes the record for name atomically.
func (s *Store) Save(name string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d for %s", pid, name)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	path := s.Path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write pid record %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid record %s: %w", name, err)
	}
	return nil
}

// Clear removes the record for name. Clearing an absent record is not an error.
func (s *Store) Clear(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove pid record %s: %w", name, err)
	}
	return nil
}

// ReadPIDFile parses a record: a single decimal PID, surrounding whitespace ignored.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("malformed pid record %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("malformed pid record %s: non-positive pid %d", path, pid)
	}
	return pid, nil
}
