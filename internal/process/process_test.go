//go:build !windows

package process

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// waitDone fails the test if h has not exited within d.
func waitDone(t *testing.T, h *Handle, d time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(d):
		t.Fatalf("pid %d did not exit within %v", h.PID, d)
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"python3 smtp_server.py", []string{"python3", "smtp_server.py"}},
		{"  sleep   5 ", []string{"sleep", "5"}},
		{"echo hi | wc -c", []string{"/bin/sh", "-c", "echo hi | wc -c"}},
		{"sh -c 'echo hi'", []string{"/bin/sh", "-c", "echo hi"}},
		{"/bin/sh -c \"trap '' TERM; sleep 5\"", []string{"/bin/sh", "-c", "trap '' TERM; sleep 5"}},
		{"", []string{"/bin/true"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildCommand(tt.in).Args)
		})
	}
}

func TestSpawnAppendsOutputToLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "svc.log")
	for i := 0; i < 2; i++ {
		h, err := Spawn(Options{Command: "sh -c 'echo line; echo err >&2'", LogPath: logPath, Detached: true})
		require.NoError(t, err)
		waitDone(t, h, 5*time.Second)
		assert.NoError(t, h.ExitErr())
	}
	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "line\n"))
	assert.Equal(t, 2, strings.Count(string(b), "err\n"))
}

func TestSpawnReportsExitStatus(t *testing.T) {
	h, err := Spawn(Options{Command: "sh -c 'exit 3'"})
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)
	assert.True(t, h.Exited())
	require.Error(t, h.ExitErr())
	assert.Contains(t, h.ExitErr().Error(), "exit status 3")
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(Options{Command: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)
}

func TestSpawnDetachedGetsOwnSession(t *testing.T) {
	h, err := Spawn(Options{Command: "sleep 30", Detached: true})
	require.NoError(t, err)
	defer func() { _ = Kill(h.PID); waitDone(t, h, 5*time.Second) }()

	sid, err := unix.Getsid(h.PID)
	require.NoError(t, err)
	assert.Equal(t, h.PID, sid)
	assert.NotEqual(t, unix.Getpid(), sid)
}

func TestSpawnForegroundStaysInSession(t *testing.T) {
	h, err := Spawn(Options{Command: "sleep 30"})
	require.NoError(t, err)
	defer func() { _ = Kill(h.PID); waitDone(t, h, 5*time.Second) }()

	own, err := unix.Getsid(0)
	require.NoError(t, err)
	sid, err := unix.Getsid(h.PID)
	require.NoError(t, err)
	assert.Equal(t, own, sid)
	pgid, err := unix.Getpgid(h.PID)
	require.NoError(t, err)
	assert.Equal(t, h.PID, pgid)
}

func TestTerminateAndKill(t *testing.T) {
	h, err := Spawn(Options{Command: "sleep 30", Detached: true})
	require.NoError(t, err)
	require.NoError(t, Terminate(h.PID))
	waitDone(t, h, 5*time.Second)

	assert.ErrorIs(t, Terminate(h.PID), ErrGone)
	assert.ErrorIs(t, Kill(h.PID), ErrGone)
	assert.ErrorIs(t, Kill(0), ErrGone)
}

func TestKillReachesWholeGroup(t *testing.T) {
	h, err := Spawn(Options{Command: "sh -c 'trap \"\" TERM; sleep 30'", Detached: true})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, Terminate(h.PID))
	select {
	case <-h.Done():
		t.Fatalf("process ignoring SIGTERM exited early")
	case <-time.After(300 * time.Millisecond):
	}
	require.NoError(t, Kill(h.PID))
	waitDone(t, h, 5*time.Second)
}
