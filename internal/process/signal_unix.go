//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// Terminate asks pid and its process group to exit (SIGTERM).
func Terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// Kill forcefully ends pid and its process group (SIGKILL).
func Kill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrGone
	}
	// Children are launched as group leaders; fall back to the single PID
	// when the group is gone or not ours.
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return mapErr(syscall.Kill(pid, sig))
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return errors.Join(ErrGone, err)
	case errors.Is(err, syscall.EPERM):
		return errors.Join(ErrDenied, err)
	}
	return err
}
