//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mailsvc/internal/history"
	"github.com/loykin/mailsvc/internal/inspector"
	"github.com/loykin/mailsvc/internal/pidstore"
	"github.com/loykin/mailsvc/internal/process"
	"github.com/loykin/mailsvc/internal/service"
)

func sleeper(name string, prio int) service.Descriptor {
	return service.Descriptor{Name: name, Command: "sleep 30", Marker: "sleep", Priority: prio, AutoRestart: true}
}

// liveSupervisor runs real processes and stops them when the test ends.
func liveSupervisor(t *testing.T, store *pidstore.Store, opts Options, descs ...service.Descriptor) *Supervisor {
	t.Helper()
	s := newSupervisor(t, store, opts, descs...)
	t.Cleanup(func() { _ = s.StopAll(true) })
	return s
}

func processGone(t *testing.T, pid int) {
	t.Helper()
	insp := inspector.New()
	require.Eventually(t, func() bool {
		alive, err := insp.Alive(pid)
		return err == nil && !alive
	}, 5*time.Second, 20*time.Millisecond, "pid %d still alive", pid)
}

func TestStartStop(t *testing.T) {
	store := pidstore.New(t.TempDir())
	sink := &recordSink{}
	opts := fastOptions()
	opts.History = sink
	s := liveSupervisor(t, store, opts, sleeper("smtp_server", 10))

	require.NoError(t, s.Start("smtp_server", false))
	st := stateOf(t, s, "smtp_server")
	require.Equal(t, service.StatusRunning, st.Status)
	require.NotZero(t, st.PID)
	assert.False(t, st.StartTime.IsZero())
	pid, ok, err := store.Get("smtp_server")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.PID, pid)

	// A second start leaves the running instance alone.
	require.NoError(t, s.Start("smtp_server", false))
	assert.Equal(t, st.PID, stateOf(t, s, "smtp_server").PID)

	require.NoError(t, s.Stop("smtp_server", false))
	stopped := stateOf(t, s, "smtp_server")
	assert.Equal(t, service.StatusStopped, stopped.Status)
	assert.True(t, stopped.Consistent())
	assert.NoFileExists(t, store.Path("smtp_server"))
	processGone(t, st.PID)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, sink.types("smtp_server"))
}

func TestStartExitedEarly(t *testing.T) {
	store := pidstore.New(t.TempDir())
	s := liveSupervisor(t, store, fastOptions(), service.Descriptor{Name: "smtp_server", Command: "sh -c 'exit 3'"})

	err := s.Start("smtp_server", false)
	require.ErrorIs(t, err, ErrExitedEarly)
	assert.Contains(t, err.Error(), "exit status 3")
	st := stateOf(t, s, "smtp_server")
	assert.Equal(t, service.StatusErrored, st.Status)
	assert.Zero(t, st.PID)
	assert.Contains(t, st.LastError, "exit status 3")
	assert.NoFileExists(t, store.Path("smtp_server"))
}

func TestStartMissingBinary(t *testing.T) {
	store := pidstore.New(t.TempDir())
	s := liveSupervisor(t, store, fastOptions(), service.Descriptor{Name: "smtp_server", Command: "definitely-not-a-real-binary-xyz"})

	require.ErrorIs(t, s.Start("smtp_server", false), ErrLaunch)
	assert.Equal(t, service.StatusErrored, stateOf(t, s, "smtp_server").Status)
	assert.NoFileExists(t, store.Path("smtp_server"))
}

func TestStopEscalatesToKill(t *testing.T) {
	opts := fastOptions()
	opts.StopTimeout = 300 * time.Millisecond
	desc := service.Descriptor{Name: "web_interface", Command: `sh -c 'trap "" TERM; sleep 30'`, Marker: "sleep"}
	s := liveSupervisor(t, nil, opts, desc)

	require.NoError(t, s.Start("web_interface", false))
	pid := stateOf(t, s, "web_interface").PID

	begin := time.Now()
	require.NoError(t, s.Stop("web_interface", false))
	assert.GreaterOrEqual(t, time.Since(begin), opts.StopTimeout)
	assert.Equal(t, service.StatusStopped, stateOf(t, s, "web_interface").Status)
	processGone(t, pid)
}

func TestForceStop(t *testing.T) {
	opts := fastOptions()
	opts.StopTimeout = 10 * time.Second
	desc := service.Descriptor{Name: "web_interface", Command: `sh -c 'trap "" TERM; sleep 30'`, Marker: "sleep"}
	s := liveSupervisor(t, nil, opts, desc)

	require.NoError(t, s.Start("web_interface", false))
	pid := stateOf(t, s, "web_interface").PID

	begin := time.Now()
	require.NoError(t, s.Stop("web_interface", true))
	assert.Less(t, time.Since(begin), opts.StopTimeout)
	processGone(t, pid)
}

func TestStartAllStopAll(t *testing.T) {
	store := pidstore.New(t.TempDir())
	opts := fastOptions()
	opts.SettleDelay = 300 * time.Millisecond
	s := liveSupervisor(t, store, opts, sleeper("web_interface", 20), sleeper("smtp_server", 10))

	require.NoError(t, s.StartAll(false))
	smtp := stateOf(t, s, "smtp_server")
	web := stateOf(t, s, "web_interface")
	require.Equal(t, service.StatusRunning, smtp.Status)
	require.Equal(t, service.StatusRunning, web.Status)
	assert.GreaterOrEqual(t, web.StartTime.Sub(smtp.StartTime), opts.SettleDelay)

	require.NoError(t, s.StopAll(false))
	for _, st := range s.Snapshot() {
		assert.Equal(t, service.StatusStopped, st.Status, st.Name)
		assert.NoFileExists(t, store.Path(st.Name))
	}
	processGone(t, smtp.PID)
	processGone(t, web.PID)
}

func TestRestart(t *testing.T) {
	s := liveSupervisor(t, nil, fastOptions(), sleeper("smtp_server", 10))

	require.NoError(t, s.Start("smtp_server", false))
	before := stateOf(t, s, "smtp_server").PID
	require.NoError(t, s.Restart("smtp_server"))
	after := stateOf(t, s, "smtp_server")
	assert.Equal(t, service.StatusRunning, after.Status)
	assert.NotEqual(t, before, after.PID)
	processGone(t, before)
}

func TestRestartAll(t *testing.T) {
	s := liveSupervisor(t, nil, fastOptions(), sleeper("smtp_server", 10), sleeper("web_interface", 20))

	require.NoError(t, s.StartAll(false))
	before := s.Snapshot()
	require.NoError(t, s.RestartAll())
	for i, st := range s.Snapshot() {
		assert.Equal(t, service.StatusRunning, st.Status, st.Name)
		assert.NotEqual(t, before[i].PID, st.PID, st.Name)
	}
}

func TestSecondSupervisorAdoptsAndStops(t *testing.T) {
	store := pidstore.New(t.TempDir())
	first := liveSupervisor(t, store, fastOptions(), sleeper("smtp_server", 10))
	require.NoError(t, first.Start("smtp_server", false))
	pid := stateOf(t, first, "smtp_server").PID

	second := newSupervisor(t, store, fastOptions(), sleeper("smtp_server", 10))
	st := stateOf(t, second, "smtp_server")
	assert.Equal(t, service.StatusRunning, st.Status)
	assert.Equal(t, pid, st.PID)

	require.NoError(t, second.Stop("smtp_server", false))
	processGone(t, pid)

	// The first supervisor sees the stop but does not treat it as a crash.
	got, err := first.Status("smtp_server")
	require.NoError(t, err)
	assert.Equal(t, service.StatusStopped, got.Status)
	assert.False(t, got.Crashed)
}

// restartedElsewhere starts smtp_server in first, then lets a second
// supervisor on the same store restart it. It returns both PIDs.
func restartedElsewhere(t *testing.T, store *pidstore.Store, first *Supervisor) (old, current int) {
	t.Helper()
	require.NoError(t, first.Start("smtp_server", false))
	old = stateOf(t, first, "smtp_server").PID

	second := liveSupervisor(t, store, fastOptions(), sleeper("smtp_server", 10))
	require.NoError(t, second.Restart("smtp_server"))
	processGone(t, old)
	current = stateOf(t, second, "smtp_server").PID
	require.NotEqual(t, old, current)
	return old, current
}

func TestStartAfterRestartElsewhereAdoptsNewInstance(t *testing.T) {
	store := pidstore.New(t.TempDir())
	first := liveSupervisor(t, store, fastOptions(), sleeper("smtp_server", 10))
	_, current := restartedElsewhere(t, store, first)

	require.NoError(t, first.Start("smtp_server", false))
	st := stateOf(t, first, "smtp_server")
	assert.Equal(t, service.StatusRunning, st.Status)
	assert.Equal(t, current, st.PID, "no second instance is launched")
	assert.False(t, st.Crashed)
	pid, ok, err := store.Get("smtp_server")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, current, pid)

	alive, err := inspector.New().Alive(current)
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestStopAfterRestartElsewhereStopsNewInstance(t *testing.T) {
	store := pidstore.New(t.TempDir())
	first := liveSupervisor(t, store, fastOptions(), sleeper("smtp_server", 10))
	_, current := restartedElsewhere(t, store, first)

	require.NoError(t, first.Stop("smtp_server", false))
	processGone(t, current)
	st := stateOf(t, first, "smtp_server")
	assert.Equal(t, service.StatusStopped, st.Status)
	assert.Zero(t, st.PID)
	assert.NoFileExists(t, store.Path("smtp_server"))
}

func TestMonitorRestartsServiceThatDiedUnsupervised(t *testing.T) {
	store := pidstore.New(t.TempDir())
	h, err := process.Spawn(process.Options{Command: "sleep 30", Detached: true})
	require.NoError(t, err)
	require.NoError(t, process.Kill(h.PID))
	<-h.Done()
	require.NoError(t, store.Save("smtp_server", h.PID))

	s := liveSupervisor(t, store, fastOptions(), sleeper("smtp_server", 10))
	st := stateOf(t, s, "smtp_server")
	require.Equal(t, service.StatusStopped, st.Status)
	require.True(t, st.Crashed)

	assert.Equal(t, "ok", s.MonitorOnce())
	st = stateOf(t, s, "smtp_server")
	assert.Equal(t, service.StatusRunning, st.Status)
	assert.NotEqual(t, h.PID, st.PID)
	assert.Equal(t, 1, st.Restarts)
}

func TestMonitorRestartsCrashedService(t *testing.T) {
	store := pidstore.New(t.TempDir())
	sink := &recordSink{}
	opts := fastOptions()
	opts.History = sink
	s := liveSupervisor(t, store, opts, sleeper("smtp_server", 10), sleeper("web_interface", 20))

	require.NoError(t, s.StartAll(false))
	require.NoError(t, s.Stop("web_interface", false))
	crashed := stateOf(t, s, "smtp_server").PID

	require.NoError(t, process.Kill(crashed))
	processGone(t, crashed)

	assert.Equal(t, "ok", s.MonitorOnce())
	st := stateOf(t, s, "smtp_server")
	assert.Equal(t, service.StatusRunning, st.Status)
	assert.NotEqual(t, crashed, st.PID)
	assert.Equal(t, 1, st.Restarts)
	assert.False(t, st.Crashed)
	pid, ok, err := store.Get("smtp_server")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.PID, pid)
	assert.Equal(t,
		[]history.EventType{history.EventStart, history.EventCrash, history.EventStart, history.EventRestart},
		sink.types("smtp_server"))

	// An explicitly stopped service is left alone.
	assert.Equal(t, service.StatusStopped, stateOf(t, s, "web_interface").Status)
}

func TestMonitorLoopStopsOnCancel(t *testing.T) {
	s := liveSupervisor(t, nil, fastOptions(), sleeper("smtp_server", 10))
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx, 20*time.Millisecond) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not return after cancel")
	}
}

func TestServiceOutputAndEnvironment(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "smtp_server.log")
	desc := service.Descriptor{
		Name:    "smtp_server",
		Command: `sh -c 'echo "service=$MAILSVC_SERVICE greeting=$GREETING"; sleep 30'`,
		Marker:  "sleep",
		LogPath: logPath,
		Env:     []string{"GREETING=hello"},
	}
	s := liveSupervisor(t, nil, fastOptions(), desc)
	require.NoError(t, s.Start("smtp_server", false))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(logPath)
		return err == nil && string(b) == "service=smtp_server greeting=hello\n"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkDir(t *testing.T) {
	dir := t.TempDir()
	desc := service.Descriptor{Name: "smtp_server", Command: "sh -c 'touch started; sleep 30'", Marker: "sleep", WorkDir: dir}
	s := liveSupervisor(t, nil, fastOptions(), desc)
	require.NoError(t, s.Start("smtp_server", false))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "started"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
