package env

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ServiceKey is injected into every child so ownership can be proven later
// from the process environment alone.
const ServiceKey = "MAILSVC_SERVICE"

type Var map[string]string

// Env composes child environments: OS base, then global overrides, then
// per-service overrides.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.base = Parse(os.Environ())
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) *Env {
	if k == "" {
		return e
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
	return e
}

// SetAll applies a list of "K=V" pairs as globals.
func (e *Env) SetAll(pairs []string) *Env {
	for k, v := range Parse(pairs) {
		e.Set(k, v)
	}
	return e
}

// Merge returns the sorted "K=V" environment for one service. ${VAR}
// references are expanded against the composed map (one level, no recursion).
// ServiceKey is always set to service when service is non-empty.
func (e *Env) Merge(service string, perService []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perService)+1)
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(perService) {
		m[k] = v
	}
	if service != "" {
		m[ServiceKey] = service
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse turns "K=V" pairs into a map. Entries without '=' or with an empty
// key are dropped; later entries win.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// Lookup returns the value of key in a "K=V" list.
func Lookup(pairs []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range pairs {
		if v, ok := strings.CutPrefix(kv, prefix); ok {
			return v, true
		}
	}
	return "", false
}

// LoadFile parses a simple .env file with KEY=VALUE lines. Blank lines and
// lines starting with # are ignored; an optional "export " prefix is allowed.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out = append(out, k+"="+strings.Trim(strings.TrimSpace(v), `"`))
	}
	return out, sc.Err()
}

func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
