package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/mailsvc/internal/metrics"
	"github.com/loykin/mailsvc/internal/service"
)

// Status refreshes and returns the state of name. A running service gets
// fresh CPU and memory figures; a vanished one is moved to stopped.
func (s *Supervisor) Status(name string) (service.RuntimeState, error) {
	if _, err := s.descriptor(name); err != nil {
		return service.RuntimeState{}, err
	}
	s.op.Lock()
	defer s.op.Unlock()
	return s.refresh(name), nil
}

// StatusAll refreshes every service and returns the states in start order.
func (s *Supervisor) StatusAll() []service.RuntimeState {
	s.op.Lock()
	defer s.op.Unlock()
	return s.refreshAll()
}

func (s *Supervisor) refreshAll() []service.RuntimeState {
	out := make([]service.RuntimeState, 0, s.reg.Len())
	for _, name := range s.reg.Names() {
		out = append(out, s.refresh(name))
	}
	return out
}

func (s *Supervisor) refresh(name string) service.RuntimeState {
	st := s.state(name)
	if !st.Status.HasPID() {
		s.adopt(name)
		return s.state(name)
	}

	alive, err := s.insp.Alive(st.PID)
	if err != nil || !alive {
		s.markDead(name, st, err)
		return s.state(name)
	}
	if st.Status != service.StatusRunning {
		return st
	}

	u, err := s.insp.Usage(st.PID)
	if err != nil {
		s.log.Debug("usage sample failed", "service", name, "pid", st.PID, "err", err)
		return st
	}
	metrics.SetUsage(name, u.CPUPercent, u.MemoryBytes)
	return s.update(name, func(rs *service.RuntimeState) {
		rs.CPUPercent = u.CPUPercent
		rs.MemoryBytes = u.MemoryBytes
	})
}

// ExportEntry is the machine-readable form of one service's state.
type ExportEntry struct {
	Name       string         `json:"name"`
	PID        *int           `json:"pid"`
	Status     service.Status `json:"status"`
	Port       *int           `json:"port"`
	StartTime  *string        `json:"start_time"`
	CPUPercent float64        `json:"cpu_percent"`
	MemoryMB   float64        `json:"memory_mb"`
	Command    string         `json:"command"`
	LogFile    string         `json:"log_file"`
	Restarts   int            `json:"restarts"`
	LastError  string         `json:"last_error,omitempty"`
}

// NewExportEntry combines a descriptor and its state.
func NewExportEntry(d service.Descriptor, st service.RuntimeState) ExportEntry {
	e := ExportEntry{
		Name:       d.Name,
		Status:     st.Status,
		CPUPercent: st.CPUPercent,
		MemoryMB:   st.MemoryMB(),
		Command:    d.Command,
		LogFile:    d.LogPath,
		Restarts:   st.Restarts,
		LastError:  st.LastError,
	}
	if st.PID != 0 {
		pid := st.PID
		e.PID = &pid
	}
	if d.Port != 0 {
		port := d.Port
		e.Port = &port
	}
	if !st.StartTime.IsZero() {
		ts := st.StartTime.Format(time.RFC3339)
		e.StartTime = &ts
	}
	return e
}

// Report refreshes every service and returns the export document: one entry
// per service keyed by name plus a "timestamp".
func (s *Supervisor) Report() map[string]any {
	states := s.StatusAll()
	doc := make(map[string]any, len(states)+1)
	for _, st := range states {
		d, _ := s.reg.Get(st.Name)
		doc[st.Name] = NewExportEntry(d, st)
	}
	doc["timestamp"] = time.Now().Format(time.RFC3339)
	return doc
}

// Export writes Report to path atomically.
func (s *Supervisor) Export(path string) error {
	b, err := json.MarshalIndent(s.Report(), "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("export: %w", err)
	}
	return nil
}
