package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/mailsvc/internal/history"
	"github.com/loykin/mailsvc/internal/metrics"
	"github.com/loykin/mailsvc/internal/process"
	"github.com/loykin/mailsvc/internal/service"
)

// Start launches name unless it is already running. With foreground false the
// child gets its own session and outlives the supervisor and its terminal.
func (s *Supervisor) Start(name string, foreground bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.start(name, foreground)
}

func (s *Supervisor) start(name string, foreground bool) error {
	d, err := s.descriptor(name)
	if err != nil {
		return err
	}
	log := s.log.With("service", name)

	st := s.state(name)
	if !st.Status.HasPID() {
		s.adopt(name)
		st = s.state(name)
	}
	if st.Status.HasPID() {
		alive, err := s.insp.Alive(st.PID)
		if err == nil && alive {
			log.Info("service already running", "pid", st.PID)
			return nil
		}
		s.markDead(name, st, err)
		// markDead adopts a newer instance recorded by another invocation.
		if st = s.state(name); st.Status.HasPID() {
			log.Info("service already running", "pid", st.PID)
			return nil
		}
	}

	if d.Port > 0 {
		busy, err := s.insp.Listening(d.Port)
		switch {
		case err != nil:
			log.Warn("port check failed", "port", d.Port, "err", err)
		case busy:
			cause := fmt.Errorf("service %s: port %d: %w", name, d.Port, ErrPortInUse)
			s.fail(name, "port_in_use", cause)
			return cause
		}
	}

	dir := d.WorkDir
	if dir == "" {
		dir = s.opts.BaseDir
	}
	log.Info("starting service", "command", d.Command, "foreground", foreground)
	h, err := process.Spawn(process.Options{
		Command:  d.Command,
		Dir:      dir,
		Env:      s.env.Merge(d.Name, d.Env),
		LogPath:  d.LogPath,
		Detached: !foreground,
	})
	if err != nil {
		cause := fmt.Errorf("service %s: %w: %w", name, ErrLaunch, err)
		s.fail(name, "spawn", cause)
		return cause
	}
	s.setHandle(name, h)
	s.update(name, func(st *service.RuntimeState) {
		st.Status = service.StatusStarting
		st.PID = h.PID
		st.Crashed = false
		st.LastError = ""
	})

	// The record must exist before success is confirmed so a supervisor
	// crash during the grace period leaves the child traceable.
	if err := s.pids.Save(name, h.PID); err != nil {
		_ = process.Kill(h.PID)
		s.waitExit(h, s.opts.KillWait)
		s.setHandle(name, nil)
		cause := fmt.Errorf("service %s: %w: %w", name, ErrLaunch, err)
		s.fail(name, "pid_record", cause)
		return cause
	}

	if s.waitExit(h, s.opts.GracePeriod) {
		if err := s.pids.Clear(name); err != nil {
			log.Error("clear pid record", "err", err)
		}
		s.setHandle(name, nil)
		cause := fmt.Errorf("service %s: %w: %s", name, ErrExitedEarly, describeExit(h.ExitErr()))
		s.fail(name, "exited_early", cause)
		return cause
	}

	now := time.Now()
	out := s.update(name, func(st *service.RuntimeState) {
		st.Status = service.StatusRunning
		st.StartTime = now
	})
	metrics.IncStart(name)
	s.emit(history.EventStart, out, h.PID, nil)
	log.Info("service started", "pid", h.PID, "log_file", d.LogPath)
	return nil
}

// fail moves name to the error state after a launch failure.
func (s *Supervisor) fail(name, reason string, cause error) {
	out := s.update(name, func(st *service.RuntimeState) {
		st.Reset(service.StatusErrored)
		st.Crashed = false
		st.LastError = cause.Error()
	})
	metrics.IncLaunchFailure(name, reason)
	s.emit(history.EventError, out, 0, cause)
	s.log.Error("service failed to start", "service", name, "reason", reason, "err", cause)
}

// waitExit waits up to d for h to exit and reports whether it did.
func (s *Supervisor) waitExit(h *process.Handle, d time.Duration) bool {
	if d <= 0 {
		return h.Exited()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.Done():
		return true
	case <-t.C:
		return h.Exited()
	}
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var ee interface{ ExitCode() int }
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return fmt.Sprintf("exit status %d", ee.ExitCode())
	}
	return err.Error()
}
