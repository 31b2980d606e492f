package supervisor

import "github.com/loykin/mailsvc/internal/service"

// Conflict is a service port held by a listener while the service itself is
// not running.
type Conflict struct {
	Service string `json:"service"`
	Port    int    `json:"port"`
}

// PortConflicts checks the listening socket table for every service that has
// a port. It uses the last known state and does not wait for operations in
// progress.
func (s *Supervisor) PortConflicts() []Conflict {
	var out []Conflict
	for _, name := range s.reg.Names() {
		d, _ := s.reg.Get(name)
		if d.Port == 0 {
			continue
		}
		busy, err := s.insp.Listening(d.Port)
		if err != nil {
			s.log.Warn("port check failed", "service", name, "port", d.Port, "err", err)
			continue
		}
		if busy && s.state(name).Status != service.StatusRunning {
			out = append(out, Conflict{Service: name, Port: d.Port})
		}
	}
	return out
}
