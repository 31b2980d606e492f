//go:build !windows

package process

import "os/exec"

func getShellCommand(script string) *exec.Cmd {
	// Absolute path so an overridden PATH in the child env does not matter.
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

func getTrueCommand() *exec.Cmd {
	return exec.Command("/bin/true")
}
