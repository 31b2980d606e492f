package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/loykin/mailsvc/internal/history"
	"github.com/loykin/mailsvc/internal/metrics"
	"github.com/loykin/mailsvc/internal/pidstore"
	"github.com/loykin/mailsvc/internal/service"
)

// Monitor refreshes every service immediately and then every interval,
// restarting crashed services that have AutoRestart set. It returns nil once
// ctx is cancelled. An iteration that finds another operation in progress is
// skipped.
func (s *Supervisor) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %v", interval)
	}
	s.log.Info("monitor started", "interval", interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		s.MonitorOnce()
		select {
		case <-ctx.Done():
			s.log.Info("monitor stopped")
			return nil
		case <-t.C:
		}
	}
}

// MonitorOnce runs a single monitor iteration and reports its outcome
// ("ok", "skipped" or "failed").
func (s *Supervisor) MonitorOnce() (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("monitor iteration panicked", "panic", r, "stack", string(debug.Stack()))
			outcome = "failed"
		}
		metrics.IncMonitorIteration(outcome)
	}()

	if !s.op.TryLock() {
		s.log.Debug("monitor iteration skipped, operation in progress")
		return "skipped"
	}
	defer s.op.Unlock()

	unlock, err := s.pids.TryLock()
	if err != nil {
		if errors.Is(err, pidstore.ErrLocked) {
			s.log.Debug("monitor iteration skipped, pid store locked")
			return "skipped"
		}
		s.log.Error("monitor lock failed", "err", err)
		return "failed"
	}
	defer unlock()

	outcome = "ok"
	for _, name := range s.reg.Names() {
		st := s.refresh(name)
		d, _ := s.reg.Get(name)
		if !d.AutoRestart || st.Status != service.StatusStopped || !st.Crashed {
			continue
		}
		s.log.Warn("service crashed, restarting", "service", name, "reason", st.LastError)
		if err := s.start(name, false); err != nil {
			s.log.Error("auto restart failed", "service", name, "err", err)
			outcome = "failed"
			continue
		}
		out := s.update(name, func(rs *service.RuntimeState) { rs.Restarts = st.Restarts + 1 })
		metrics.IncRestart(name)
		s.emit(history.EventRestart, out, out.PID, nil)
	}
	metrics.SetPortConflicts(len(s.PortConflicts()))
	return outcome
}
