package process

import (
	"os/exec"
	"strings"
)

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand constructs an *exec.Cmd for a command string.
// It avoids invoking a shell when not necessary, and it respects an explicit
// shell invocation already present in the string (e.g. "sh -c 'echo hi'")
// without double-wrapping it.
func BuildCommand(command string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c with one pair of enclosing quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(trim, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
