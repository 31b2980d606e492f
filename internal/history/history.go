package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventCrash   EventType = "crash"
	EventRestart EventType = "restart"
	EventError   EventType = "error"
)

// Event is one lifecycle transition of a supervised service.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans one event out to several sinks. Every sink is attempted.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Nullable returns nil for an empty string so SQL sinks store NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
