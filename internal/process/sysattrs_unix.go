//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr makes the child a group leader so signals reach its
// whole tree. Detached children get their own session (setsid) so they are
// not hung up together with our controlling terminal.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
