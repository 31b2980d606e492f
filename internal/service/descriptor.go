package service

import (
	"fmt"
	"sort"
	"strings"
)

// Descriptor describes a supervised service. Descriptors are built once from
// configuration and never mutated afterwards.
type Descriptor struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`      // executable + arguments (shell syntax allowed)
	Port        int      `json:"port"`         // TCP port the service listens on; 0 when none
	LogPath     string   `json:"log_file"`     // stdout/stderr are appended here
	Marker      string   `json:"marker"`       // ownership fingerprint; defaults to Name
	WorkDir     string   `json:"work_dir"`     // optional working directory
	Env         []string `json:"env"`          // extra KEY=VALUE entries
	AutoRestart bool     `json:"auto_restart"` // restarted by the monitor after a crash
	Priority    int      `json:"priority"`     // start order, lower first
}

// FingerprintToken returns the token expected in the command line of a
// process launched for this service.
func (d Descriptor) FingerprintToken() string {
	if m := strings.TrimSpace(d.Marker); m != "" {
		return m
	}
	return d.Name
}

// Validate checks the fields required to launch the service.
func (d Descriptor) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") {
		return fmt.Errorf("service %q: name contains whitespace or path separators", name)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("service %q requires command", name)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("service %q: port %d out of range", name, d.Port)
	}
	for i, kv := range d.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("service %q: env[%d] %q must be KEY=VALUE", name, i, kv)
		}
	}
	return nil
}

// Registry is the ordered set of services known to one supervisor.
// Order is the dependency order: Priority ascending, ties by declaration.
type Registry struct {
	order  []string
	byName map[string]Descriptor
}

// NewRegistry validates descs and builds a registry.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(descs))}
	sorted := make([]Descriptor, len(descs))
	copy(sorted, descs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for _, d := range sorted {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", d.Name)
		}
		r.byName[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names returns service names in start order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// ReverseNames returns service names in stop order.
func (r *Registry) ReverseNames() []string {
	out := make([]string, len(r.order))
	for i, n := range r.order {
		out[len(r.order)-1-i] = n
	}
	return out
}

// Len returns the number of services.
func (r *Registry) Len() int { return len(r.order) }
