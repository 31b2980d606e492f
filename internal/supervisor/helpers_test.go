package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/mailsvc/internal/env"
	"github.com/loykin/mailsvc/internal/history"
	"github.com/loykin/mailsvc/internal/inspector"
	"github.com/loykin/mailsvc/internal/pidstore"
	"github.com/loykin/mailsvc/internal/service"
)

type fakeProc struct {
	alive    bool
	aliveErr error
	cmdline  []string
	environ  []string
	created  time.Time
	usage    inspector.Usage
}

// fakeInspector is an in-memory process table.
type fakeInspector struct {
	mu        sync.Mutex
	procs     map[int]*fakeProc
	listening map[int]bool
	panics    bool
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{procs: map[int]*fakeProc{}, listening: map[int]bool{}}
}

func (f *fakeInspector) add(pid int, p fakeProc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[pid] = &p
}

func (f *fakeInspector) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.procs[pid]; p != nil {
		p.alive = false
	}
}

func (f *fakeInspector) listen(port int, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening[port] = on
}

func (f *fakeInspector) get(pid int) (*fakeProc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("inspector exploded")
	}
	p := f.procs[pid]
	if p == nil || !p.alive {
		return nil, inspector.ErrNoProcess
	}
	return p, nil
}

func (f *fakeInspector) Alive(pid int) (bool, error) {
	f.mu.Lock()
	p := f.procs[pid]
	panics := f.panics
	f.mu.Unlock()
	if panics {
		panic("inspector exploded")
	}
	if p == nil {
		return false, nil
	}
	if p.aliveErr != nil {
		return false, p.aliveErr
	}
	return p.alive, nil
}

func (f *fakeInspector) Cmdline(pid int) ([]string, error) {
	p, err := f.get(pid)
	if err != nil {
		return nil, err
	}
	return p.cmdline, nil
}

func (f *fakeInspector) Environ(pid int) ([]string, error) {
	p, err := f.get(pid)
	if err != nil {
		return nil, err
	}
	return p.environ, nil
}

func (f *fakeInspector) CreateTime(pid int) (time.Time, error) {
	p, err := f.get(pid)
	if err != nil {
		return time.Time{}, err
	}
	return p.created, nil
}

func (f *fakeInspector) Usage(pid int) (inspector.Usage, error) {
	p, err := f.get(pid)
	if err != nil {
		return inspector.Usage{}, err
	}
	return p.usage, nil
}

func (f *fakeInspector) Listening(port int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening[port], nil
}

// recordSink collects history events.
type recordSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordSink) types(service string) []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.EventType
	for _, e := range r.events {
		if e.Service == service {
			out = append(out, e.Type)
		}
	}
	return out
}

func newRegistry(t *testing.T, descs ...service.Descriptor) *service.Registry {
	t.Helper()
	reg, err := service.NewRegistry(descs)
	require.NoError(t, err)
	return reg
}

// fastOptions keeps lifecycle tests short.
func fastOptions() Options {
	return Options{
		GracePeriod:  200 * time.Millisecond,
		StopTimeout:  2 * time.Second,
		KillWait:     2 * time.Second,
		SettleDelay:  -1,
		RestartDelay: -1,
		PollInterval: 20 * time.Millisecond,
		Env:          env.New().FromOS(),
	}
}

func newSupervisor(t *testing.T, store *pidstore.Store, opts Options, descs ...service.Descriptor) *Supervisor {
	t.Helper()
	if store == nil {
		store = pidstore.New(t.TempDir())
	}
	s, err := New(newRegistry(t, descs...), store, opts)
	require.NoError(t, err)
	return s
}

func stateOf(t *testing.T, s *Supervisor, name string) service.RuntimeState {
	t.Helper()
	for _, st := range s.Snapshot() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no state for %s", name)
	return service.RuntimeState{}
}
