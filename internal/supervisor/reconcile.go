package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/mailsvc/internal/history"
	"github.com/loykin/mailsvc/internal/inspector"
	"github.com/loykin/mailsvc/internal/metrics"
	"github.com/loykin/mailsvc/internal/service"
)

// reconcile rebuilds runtime state from the PID store. A record is kept only
// when its PID is alive and owned by the service; everything else is cleared.
func (s *Supervisor) reconcile() error {
	recs, err := s.pids.Load()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, name := range s.reg.Names() {
		pid, ok := recs[name]
		if !ok {
			continue
		}
		s.adoptPID(name, pid)
	}
	return nil
}

// adopt picks up a record written by another supervisor invocation for a
// service that this one believes is not running.
func (s *Supervisor) adopt(name string) {
	pid, ok, err := s.pids.Get(name)
	if err != nil {
		s.log.Warn("unreadable pid record removed", "service", name, "err", err)
		_ = s.pids.Clear(name)
		return
	}
	if ok {
		s.adoptPID(name, pid)
	}
}

// adoptPID applies the ownership rules to a recorded PID and updates state.
// A record left behind by a process that died unsupervised counts as a crash.
func (s *Supervisor) adoptPID(name string, pid int) {
	log := s.log.With("service", name, "pid", pid)
	d, _ := s.reg.Get(name)

	alive, err := s.insp.Alive(pid)
	if errors.Is(err, inspector.ErrNoProcess) {
		alive, err = false, nil
	}
	if err == nil && !alive {
		if cerr := s.pids.Clear(name); cerr != nil {
			log.Error("clear stale pid record", "err", cerr)
		}
		reason := "process exited while unsupervised"
		out := s.update(name, func(st *service.RuntimeState) {
			st.Reset(service.StatusStopped)
			st.Crashed = true
			st.LastError = reason
		})
		metrics.IncCrash(name)
		s.emit(history.EventCrash, out, pid, errors.New(reason))
		log.Warn("recorded process is gone, stale pid record cleared")
		return
	}

	owned := false
	if err == nil {
		owned, err = s.owns(d, pid)
	}
	if err != nil {
		log.Warn("cannot inspect recorded process, assuming stopped", "err", err)
	}
	if !owned {
		if cerr := s.pids.Clear(name); cerr != nil {
			log.Error("clear stale pid record", "err", cerr)
		} else if err == nil {
			log.Info("pid record of a foreign process cleared")
		}
		return
	}

	started, err := s.insp.CreateTime(pid)
	if err != nil || started.IsZero() {
		log.Debug("process creation time unavailable", "err", err)
		started = time.Now()
	}
	s.update(name, func(st *service.RuntimeState) {
		st.Status = service.StatusRunning
		st.PID = pid
		st.StartTime = started
		st.Crashed = false
		st.LastError = ""
	})
	log.Info("recovered running service", "started", started.Format(time.RFC3339))
}

// owns runs the ownership check on a live pid. A process that vanished
// meanwhile is reported as not owned.
func (s *Supervisor) owns(d service.Descriptor, pid int) (bool, error) {
	ok, err := s.match.Owns(d, pid)
	if errors.Is(err, inspector.ErrNoProcess) {
		return false, nil
	}
	return ok, err
}
