package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

var (
	// ErrGone is returned when signalling a process that no longer exists.
	ErrGone = errors.New("process already gone")
	// ErrDenied is returned when the OS refuses to signal the process.
	ErrDenied = errors.New("permission denied signalling process")
)

// Options describes one launch.
type Options struct {
	Command  string   // command line, shell syntax allowed
	Dir      string   // working directory
	Env      []string // full child environment; nil inherits ours
	LogPath  string   // stdout and stderr are appended here; empty discards output
	Detached bool     // new session, survives loss of our terminal
}

// Handle tracks a child spawned by Spawn. The child is reaped in the
// background so it never lingers as a zombie.
type Handle struct {
	PID  int
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Spawn starts the command described by opts.
func Spawn(opts Options) (*Handle, error) {
	cmd := BuildCommand(opts.Command)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	configureSysProcAttr(cmd, opts.Detached)

	out, err := openLog(opts.LogPath)
	if err != nil {
		return nil, err
	}
	// An *os.File is handed to the child directly; no copy goroutine or pipe
	// ties the child's output to our lifetime.
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("start %q: %w", opts.Command, err)
	}
	_ = out.Close()

	h := &Handle{PID: cmd.Process.Pid, done: make(chan struct{})}
	go h.reap(cmd)
	return h, nil
}

func (h *Handle) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the child has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error of an exited child (nil for exit status 0).
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// #nosec G304 -- path comes from supervisor configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}
