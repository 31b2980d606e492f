package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/mailsvc"
	"github.com/loykin/mailsvc/internal/logger"
)

const allTarget = "all"

var errPortConflicts = errors.New("port conflicts detected")

// command runs CLI operations against a freshly opened manager.
type command struct {
	globals *GlobalFlags
	out     io.Writer
	errOut  io.Writer // console log output
}

func newCommand(out, errOut io.Writer) *command {
	return &command{globals: &GlobalFlags{}, out: out, errOut: errOut}
}

// session is one opened manager with its logger.
type session struct {
	cfg       *mailsvc.Config
	log       *slog.Logger
	mgr       *mailsvc.Manager
	logCloser io.Closer
}

func (s *session) Close() {
	if err := s.mgr.Close(); err != nil {
		s.log.Warn("close history sinks", "err", err)
	}
	_ = s.logCloser.Close()
}

func (c *command) overrides() map[string]any {
	o := map[string]any{}
	if c.globals.BaseDir != "" {
		o["base_dir"] = c.globals.BaseDir
	}
	if c.globals.LogLevel != "" {
		o["log.level"] = c.globals.LogLevel
	}
	return o
}

func (c *command) loadConfig() (*mailsvc.Config, error) {
	cfg, err := mailsvc.LoadConfig(c.globals.ConfigPath, c.overrides())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func (c *command) open() (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	log, closer, err := logger.New(cfg.LoggerConfig(), c.errOut)
	if err != nil {
		return nil, err
	}
	mgr, err := mailsvc.Open(cfg, log)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, mgr: mgr, logCloser: closer}, nil
}

// locked opens a session and runs fn while holding the PID store lock.
func (c *command) locked(fn func(s *session) error) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()
	unlock, err := s.mgr.Lock()
	if err != nil {
		return err
	}
	defer unlock()
	return fn(s)
}

func (c *command) Start(f StartFlags) error {
	return c.locked(func(s *session) error {
		var err error
		if f.Target == allTarget {
			err = s.mgr.StartAll(!f.Background)
		} else {
			err = s.mgr.Start(f.Target, !f.Background)
		}
		renderStates(c.out, s.mgr.Registry(), s.mgr.Snapshot())
		return err
	})
}

func (c *command) Stop(f StopFlags) error {
	return c.locked(func(s *session) error {
		var err error
		if f.Target == allTarget {
			err = s.mgr.StopAll(f.Force)
		} else {
			err = s.mgr.Stop(f.Target, f.Force)
		}
		renderStates(c.out, s.mgr.Registry(), s.mgr.Snapshot())
		return err
	})
}

func (c *command) Restart(f RestartFlags) error {
	return c.locked(func(s *session) error {
		var err error
		if f.Target == allTarget {
			err = s.mgr.RestartAll()
		} else {
			err = s.mgr.Restart(f.Target)
		}
		renderStates(c.out, s.mgr.Registry(), s.mgr.Snapshot())
		return err
	})
}

func (c *command) Status(f StatusFlags) error {
	return c.locked(func(s *session) error {
		if f.Export != "" {
			if err := s.mgr.Export(f.Export); err != nil {
				return err
			}
			s.log.Info("status exported", "path", f.Export)
		}
		if f.JSON {
			if f.Target == allTarget {
				printJSON(c.out, s.mgr.Report())
				return nil
			}
			st, err := s.mgr.Status(f.Target)
			if err != nil {
				return err
			}
			d, _ := s.mgr.Registry().Get(f.Target)
			printJSON(c.out, mailsvc.NewExportEntry(d, st))
			return nil
		}

		var states []mailsvc.RuntimeState
		if f.Target == allTarget {
			states = s.mgr.StatusAll()
		} else {
			st, err := s.mgr.Status(f.Target)
			if err != nil {
				return err
			}
			states = []mailsvc.RuntimeState{st}
		}
		renderStates(c.out, s.mgr.Registry(), states)
		renderConflicts(c.out, s.mgr.PortConflicts())
		return nil
	})
}

func (c *command) Ports() error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()
	conflicts := s.mgr.PortConflicts()
	if len(conflicts) == 0 {
		_, _ = fmt.Fprintln(c.out, "No port conflicts")
		return nil
	}
	renderConflicts(c.out, conflicts)
	return errPortConflicts
}

func (c *command) Monitor(ctx context.Context, f MonitorFlags) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	interval := f.Interval
	if interval <= 0 {
		interval = s.cfg.MonitorInterval
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mailsvc.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if f.Listen != "" {
		applyTLSFlags(s.cfg, f)
		srv, err := mailsvc.NewHTTPServer(f.Listen, "", s.mgr)
		if err != nil {
			return err
		}
		s.log.Info("status endpoint listening", "addr", srv.Addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}
	return s.mgr.Monitor(ctx, interval)
}

func (c *command) Cleanup(f CleanupFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	removed, err := logger.Cleanup(cfg.LogsDir, f.Days, time.Now())
	for _, p := range removed {
		_, _ = fmt.Fprintln(c.out, "removed", p)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%d log file(s) older than %d day(s) removed\n", len(removed), f.Days)
	return nil
}

// applyTLSFlags lets monitor flags take precedence over the status_tls section.
func applyTLSFlags(cfg *mailsvc.Config, f MonitorFlags) {
	abs := func(p string) string {
		if p == "" {
			return ""
		}
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	if f.TLSCert != "" || f.TLSKey != "" {
		cfg.StatusTLS.CertFile = abs(f.TLSCert)
		cfg.StatusTLS.KeyFile = abs(f.TLSKey)
	}
	if f.TLSDir != "" {
		cfg.StatusTLS.Dir = abs(f.TLSDir)
		cfg.StatusTLS.AutoGenerate = true
	}
}
