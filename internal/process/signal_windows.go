//go:build windows

package process

import (
	"errors"
	"os"
	"strings"
)

// Terminate ends pid. Windows has no cooperative signal for console-less
// children, so this is the same as Kill.
func Terminate(pid int) error { return Kill(pid) }

// Kill forcefully ends pid.
func Kill(pid int) error {
	if pid <= 0 {
		return ErrGone
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return errors.Join(ErrGone, err)
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) || strings.Contains(err.Error(), "not found") {
			return errors.Join(ErrGone, err)
		}
		if errors.Is(err, os.ErrPermission) {
			return errors.Join(ErrDenied, err)
		}
		return err
	}
	return nil
}
