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

// Stop ends name. Without force the process group gets SIGTERM and, after
// StopTimeout, SIGKILL. Stopping a service that is not running succeeds.
func (s *Supervisor) Stop(name string, force bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.stop(name, force)
}

func (s *Supervisor) stop(name string, force bool) error {
	if _, err := s.descriptor(name); err != nil {
		return err
	}
	log := s.log.With("service", name)

	st := s.state(name)
	if !st.Status.HasPID() {
		s.adopt(name)
		st = s.state(name)
	}
	if !st.Status.HasPID() {
		s.finishStop(name, 0, "")
		log.Info("service already stopped")
		return nil
	}
	pid := st.PID
	if alive, err := s.insp.Alive(pid); err == nil && !alive {
		recorded, ok, _ := s.pids.Get(name)
		if !ok || recorded == pid {
			s.finishStop(name, pid, "gone")
			return nil
		}
		// Replaced by another invocation: stop the instance the record names.
		s.markDead(name, st, nil)
		st = s.state(name)
		if !st.Status.HasPID() {
			s.finishStop(name, 0, "")
			log.Info("service already stopped")
			return nil
		}
		pid = st.PID
	}

	s.update(name, func(st *service.RuntimeState) { st.Status = service.StatusStopping })
	log.Info("stopping service", "pid", pid, "force", force)

	mode := "graceful"
	if !force {
		if err := process.Terminate(pid); err != nil {
			if gone(err) {
				s.finishStop(name, pid, "gone")
				return nil
			}
			log.Warn("graceful signal failed", "pid", pid, "err", err)
		}
		if s.waitGone(name, pid, s.opts.StopTimeout) {
			s.finishStop(name, pid, mode)
			return nil
		}
		log.Warn("service ignored graceful shutdown, killing", "pid", pid, "timeout", s.opts.StopTimeout)
	}

	mode = "killed"
	if err := process.Kill(pid); err != nil {
		if gone(err) {
			s.finishStop(name, pid, "gone")
			return nil
		}
		log.Error("kill failed", "pid", pid, "err", err)
	}
	if s.waitGone(name, pid, s.opts.KillWait) {
		s.finishStop(name, pid, mode)
		return nil
	}

	s.update(name, func(st *service.RuntimeState) { st.Status = service.StatusRunning })
	cause := fmt.Errorf("service %s: pid %d: %w", name, pid, ErrStopFailed)
	log.Error("service could not be stopped", "pid", pid)
	return cause
}

// gone reports whether a signal error means the process is out of reach.
func gone(err error) bool {
	return errors.Is(err, process.ErrGone) || errors.Is(err, process.ErrDenied)
}

// finishStop resets name to stopped and clears its record. mode is empty
// when nothing was running.
func (s *Supervisor) finishStop(name string, pid int, mode string) {
	out := s.update(name, func(st *service.RuntimeState) {
		st.Reset(service.StatusStopped)
		st.Crashed = false
		st.LastError = ""
	})
	// A record naming another PID belongs to a newer instance.
	if rec, ok, _ := s.pids.Get(name); pid == 0 || !ok || rec == pid {
		if err := s.pids.Clear(name); err != nil {
			s.log.Error("clear pid record", "service", name, "err", err)
		}
	}
	s.setHandle(name, nil)
	if mode == "" {
		return
	}
	metrics.IncStop(name, mode)
	s.emit(history.EventStop, out, pid, nil)
	s.log.Info("service stopped", "service", name, "pid", pid, "mode", mode)
}

// waitGone polls until pid is no longer alive or d elapses.
func (s *Supervisor) waitGone(name string, pid int, d time.Duration) bool {
	h := s.handle(name, pid)
	deadline := time.Now().Add(d)
	for {
		if h != nil && h.Exited() {
			return true
		}
		if alive, err := s.insp.Alive(pid); err == nil && !alive {
			return true
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		step := min(s.opts.PollInterval, left)
		if h != nil {
			t := time.NewTimer(step)
			select {
			case <-h.Done():
				t.Stop()
				return true
			case <-t.C:
			}
		} else {
			time.Sleep(step)
		}
	}
}

// markDead handles a tracked PID that is no longer alive, or that cannot be
// inspected (cause non-nil). If the record still names that PID nobody asked
// for the stop, so a dead process counts as a crash; a missing or different
// record means another invocation stopped or replaced the service, and a
// newer record is adopted. An uninspectable process is assumed stopped but
// never counted as a crash, so auto-restart leaves it alone.
func (s *Supervisor) markDead(name string, st service.RuntimeState, cause error) {
	recorded, ok, _ := s.pids.Get(name)
	stale := ok && recorded == st.PID
	if stale {
		if err := s.pids.Clear(name); err != nil {
			s.log.Error("clear pid record", "service", name, "err", err)
		}
	}
	crashed := stale && cause == nil

	reason := "process vanished"
	if h := s.handle(name, st.PID); h != nil && h.Exited() {
		reason = describeExit(h.ExitErr())
	}
	if cause != nil {
		reason = "cannot inspect process: " + cause.Error()
	}
	s.setHandle(name, nil)

	out := s.update(name, func(rs *service.RuntimeState) {
		rs.Reset(service.StatusStopped)
		rs.Crashed = crashed
		rs.LastError = ""
		if stale {
			rs.LastError = reason
		}
	})
	switch {
	case crashed:
		metrics.IncCrash(name)
		s.emit(history.EventCrash, out, st.PID, errors.New(reason))
		s.log.Warn("service died unexpectedly", "service", name, "pid", st.PID, "reason", reason)
	case cause != nil:
		s.log.Warn("service process cannot be inspected, assuming stopped", "service", name, "pid", st.PID, "err", cause)
	default:
		s.log.Info("service stopped outside this supervisor", "service", name, "pid", st.PID)
	}
	if ok && recorded != st.PID {
		s.adoptPID(name, recorded)
	}
}
