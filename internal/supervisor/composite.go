package supervisor

import (
	"errors"
	"fmt"
)

// Restart stops name, waits RestartDelay and starts it in the background.
// Nothing is started when the stop fails.
func (s *Supervisor) Restart(name string) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.restart(name)
}

func (s *Supervisor) restart(name string) error {
	if err := s.stop(name, false); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	sleep(s.opts.RestartDelay)
	if err := s.start(name, false); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// StartAll starts every service in priority order with SettleDelay between
// consecutive starts. Every service is attempted; failures are joined.
func (s *Supervisor) StartAll(foreground bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.startAll(foreground)
}

func (s *Supervisor) startAll(foreground bool) error {
	var errs []error
	for i, name := range s.reg.Names() {
		if i > 0 {
			sleep(s.opts.SettleDelay)
		}
		if err := s.start(name, foreground); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every service in reverse priority order. Every service is
// attempted; failures are joined.
func (s *Supervisor) StopAll(force bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.stopAll(force)
}

func (s *Supervisor) stopAll(force bool) error {
	var errs []error
	for _, name := range s.reg.ReverseNames() {
		if err := s.stop(name, force); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartAll stops everything, waits SettleDelay and starts everything. A
// service that could not be stopped is still running, so its start is a no-op.
func (s *Supervisor) RestartAll() error {
	s.op.Lock()
	defer s.op.Unlock()
	stopErr := s.stopAll(false)
	sleep(s.opts.SettleDelay)
	return errors.Join(stopErr, s.startAll(false))
}
