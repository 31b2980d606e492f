// Package supervisor owns the lifecycle of the configured services: it
// reconciles PID records on open, launches and terminates processes, keeps
// runtime state and the PID store consistent, and runs the monitor loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/mailsvc/internal/env"
	"github.com/loykin/mailsvc/internal/history"
	"github.com/loykin/mailsvc/internal/inspector"
	"github.com/loykin/mailsvc/internal/logger"
	"github.com/loykin/mailsvc/internal/metrics"
	"github.com/loykin/mailsvc/internal/pidstore"
	"github.com/loykin/mailsvc/internal/process"
	"github.com/loykin/mailsvc/internal/service"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrLaunch         = errors.New("launch failed")
	ErrExitedEarly    = errors.New("process exited during grace period")
	ErrPortInUse      = errors.New("port already in use")
	ErrStopFailed     = errors.New("process survived kill")
)

// Default timings.
const (
	DefaultGracePeriod  = 2 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultKillWait     = 2 * time.Second
	DefaultSettleDelay  = 3 * time.Second
	DefaultRestartDelay = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

var allStatuses = []string{
	string(service.StatusStopped),
	string(service.StatusStarting),
	string(service.StatusRunning),
	string(service.StatusStopping),
	string(service.StatusErrored),
}

// Options tunes a Supervisor. Zero durations take the defaults; use a
// negative value for "no wait".
type Options struct {
	BaseDir      string // working directory for services without WorkDir
	GracePeriod  time.Duration
	StopTimeout  time.Duration
	KillWait     time.Duration
	SettleDelay  time.Duration
	RestartDelay time.Duration
	PollInterval time.Duration

	Env       *env.Env            // global environment; nil means the OS environment
	Inspector inspector.Inspector // nil means the host inspector
	Matcher   Matcher             // nil means MarkerMatcher
	History   history.Sink        // optional lifecycle event sink
	Logger    *slog.Logger
}

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}

// Supervisor manages one registry of services. Public operations are
// serialized; Snapshot and PortConflicts never wait for them.
type Supervisor struct {
	reg   *service.Registry
	pids  *pidstore.Store
	insp  inspector.Inspector
	match Matcher
	env   *env.Env
	hist  history.Sink
	log   *slog.Logger
	opts  Options

	op sync.Mutex // one operation at a time

	mu      sync.RWMutex // guards states and handles
	states  map[string]*service.RuntimeState
	handles map[string]*process.Handle
}

// New builds a supervisor and reconciles its state with the PID store.
func New(reg *service.Registry, pids *pidstore.Store, opts Options) (*Supervisor, error) {
	if reg == nil || pids == nil {
		return nil, errors.New("supervisor requires a registry and a pid store")
	}
	opts.GracePeriod = orDefault(opts.GracePeriod, DefaultGracePeriod)
	opts.StopTimeout = orDefault(opts.StopTimeout, DefaultStopTimeout)
	opts.KillWait = orDefault(opts.KillWait, DefaultKillWait)
	opts.SettleDelay = orDefault(opts.SettleDelay, DefaultSettleDelay)
	opts.RestartDelay = orDefault(opts.RestartDelay, DefaultRestartDelay)
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	s := &Supervisor{
		reg:     reg,
		pids:    pids,
		insp:    opts.Inspector,
		match:   opts.Matcher,
		env:     opts.Env,
		hist:    opts.History,
		log:     opts.Logger,
		opts:    opts,
		states:  make(map[string]*service.RuntimeState, reg.Len()),
		handles: make(map[string]*process.Handle),
	}
	if s.insp == nil {
		s.insp = inspector.New()
	}
	if s.match == nil {
		s.match = MarkerMatcher{Inspector: s.insp}
	}
	if s.env == nil {
		s.env = env.New().FromOS()
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	for _, name := range reg.Names() {
		st := service.NewRuntimeState(name)
		s.states[name] = &st
		metrics.SetCurrentState(name, string(st.Status), allStatuses)
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Registry returns the services managed by s.
func (s *Supervisor) Registry() *service.Registry { return s.reg }

// PIDStore returns the store backing s.
func (s *Supervisor) PIDStore() *pidstore.Store { return s.pids }

// Snapshot returns the last known state of every service in start order
// without querying the OS.
func (s *Supervisor) Snapshot() []service.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]service.RuntimeState, 0, len(s.states))
	for _, name := range s.reg.Names() {
		out = append(out, *s.states[name])
	}
	return out
}

// state returns a copy of the state of name.
func (s *Supervisor) state(name string) service.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.states[name]
}

// update mutates the state of name and records the transition.
func (s *Supervisor) update(name string, fn func(st *service.RuntimeState)) service.RuntimeState {
	s.mu.Lock()
	st := s.states[name]
	from := st.Status
	fn(st)
	out := *st
	s.mu.Unlock()

	if from != out.Status {
		metrics.RecordStateTransition(name, string(from), string(out.Status))
		metrics.SetCurrentState(name, string(out.Status), allStatuses)
		s.log.Debug("state transition", "service", name, "from", from, "to", out.Status)
	}
	return out
}

func (s *Supervisor) handle(name string, pid int) *process.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.handles[name]; h != nil && h.PID == pid {
		return h
	}
	return nil
}

func (s *Supervisor) setHandle(name string, h *process.Handle) {
	s.mu.Lock()
	if h == nil {
		delete(s.handles, name)
	} else {
		s.handles[name] = h
	}
	s.mu.Unlock()
}

func (s *Supervisor) descriptor(name string) (service.Descriptor, error) {
	d, ok := s.reg.Get(name)
	if !ok {
		return service.Descriptor{}, fmt.Errorf("service %s: %w", name, ErrUnknownService)
	}
	return d, nil
}

// emit sends a lifecycle event to the history sink, if any.
func (s *Supervisor) emit(t history.EventType, st service.RuntimeState, pid int, cause error) {
	if s.hist == nil {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Service:    st.Name,
		PID:        pid,
		Status:     string(st.Status),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hist.Send(ctx, e); err != nil {
		s.log.Warn("history sink failed", "service", st.Name, "event", t, "err", err)
	}
}

// sleep pauses for d. Public operations are not cancellable once issued.
func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
