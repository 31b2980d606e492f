// Package inspector answers OS-level questions about processes and sockets:
// whether a PID is alive, what it runs, how much it uses and whether a TCP
// port is being listened on.
package inspector

import (
	"errors"
	"io/fs"
	"syscall"
	"time"
)

var (
	// ErrNoProcess means the PID does not exist.
	ErrNoProcess = errors.New("no such process")
	// ErrAccessDenied means the OS refused to disclose process information.
	ErrAccessDenied = errors.New("access denied")
)

// Usage is a resource usage sample for one process.
type Usage struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Inspector abstracts process introspection so the supervisor can be tested
// without the host OS and ported per platform.
type Inspector interface {
	// Alive reports whether pid exists and is not a zombie.
	Alive(pid int) (bool, error)
	// Cmdline returns the argv of pid.
	Cmdline(pid int) ([]string, error)
	// Environ returns the environment of pid as KEY=VALUE entries.
	Environ(pid int) ([]string, error)
	// CreateTime returns when pid was created according to the OS.
	CreateTime(pid int) (time.Time, error)
	// Usage samples CPU and resident memory of pid.
	Usage(pid int) (Usage, error)
	// Listening reports whether any socket is in LISTEN state on the TCP port.
	Listening(port int) (bool, error)
}

// classify maps OS and gopsutil errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNoProcess), errors.Is(err, ErrAccessDenied):
		return err
	case errors.Is(err, syscall.ESRCH), errors.Is(err, fs.ErrNotExist), isNotRunning(err):
		return errors.Join(ErrNoProcess, err)
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrAccessDenied, err)
	}
	return err
}
