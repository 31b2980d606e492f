//go:build windows

package process

import "os/exec"

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}

func getTrueCommand() *exec.Cmd {
	return exec.Command("cmd", "/C", "exit 0")
}
