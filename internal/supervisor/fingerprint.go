package supervisor

import (
	"strings"

	"github.com/loykin/mailsvc/internal/env"
	"github.com/loykin/mailsvc/internal/inspector"
	"github.com/loykin/mailsvc/internal/service"
)

// Matcher decides whether a live PID is an instance of a service.
type Matcher interface {
	Owns(d service.Descriptor, pid int) (bool, error)
}

// MarkerMatcher accepts a PID whose command line contains the service's
// fingerprint token, case-insensitively. A foreign process whose command
// line happens to contain the token is misidentified as ours.
type MarkerMatcher struct {
	Inspector inspector.Inspector
}

func (m MarkerMatcher) Owns(d service.Descriptor, pid int) (bool, error) {
	argv, err := m.Inspector.Cmdline(pid)
	if err != nil {
		return false, err
	}
	line := strings.ToLower(strings.Join(argv, " "))
	return strings.Contains(line, strings.ToLower(d.FingerprintToken())), nil
}

// EnvMatcher accepts a PID whose environment carries the service key the
// launcher injects into every child.
type EnvMatcher struct {
	Inspector inspector.Inspector
}

func (m EnvMatcher) Owns(d service.Descriptor, pid int) (bool, error) {
	environ, err := m.Inspector.Environ(pid)
	if err != nil {
		return false, err
	}
	v, ok := env.Lookup(environ, env.ServiceKey)
	return ok && v == d.Name, nil
}
