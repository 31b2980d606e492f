package service

import "time"

// Status is the lifecycle state of a service as tracked by the supervisor.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusErrored  Status = "error"
)

// HasPID reports whether a state in this status carries a PID.
func (s Status) HasPID() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// RuntimeState is the mutable state of one service. PID is non-zero iff
// Status.HasPID().
type RuntimeState struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	PID         int       `json:"pid"`
	StartTime   time.Time `json:"start_time"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	Crashed     bool      `json:"crashed"`
	Restarts    int       `json:"restarts"`
	LastError   string    `json:"last_error,omitempty"`
}

// NewRuntimeState returns the initial stopped state for name.
func NewRuntimeState(name string) RuntimeState {
	return RuntimeState{Name: name, Status: StatusStopped}
}

// MemoryMB returns resident memory in megabytes.
func (s RuntimeState) MemoryMB() float64 {
	return float64(s.MemoryBytes) / 1024 / 1024
}

// Reset clears the process-bound fields and moves to status, which must be
// stopped or error.
func (s *RuntimeState) Reset(status Status) {
	s.Status = status
	s.PID = 0
	s.StartTime = time.Time{}
	s.CPUPercent = 0
	s.MemoryBytes = 0
}

// Consistent reports whether the PID/status invariant holds.
func (s RuntimeState) Consistent() bool {
	return s.Status.HasPID() == (s.PID != 0)
}
