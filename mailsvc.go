// Package mailsvc supervises the local mail stack: an SMTP daemon and its web
// front end, run as detached OS processes with PID records, reconciliation,
// escalating shutdown, port-conflict detection and an auto-restart monitor.
package mailsvc

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/mailsvc/internal/config"
	"github.com/loykin/mailsvc/internal/history"
	"github.com/loykin/mailsvc/internal/history/factory"
	"github.com/loykin/mailsvc/internal/inspector"
	"github.com/loykin/mailsvc/internal/logger"
	"github.com/loykin/mailsvc/internal/metrics"
	"github.com/loykin/mailsvc/internal/pidstore"
	iapi "github.com/loykin/mailsvc/internal/server"
	"github.com/loykin/mailsvc/internal/service"
	"github.com/loykin/mailsvc/internal/supervisor"
	itls "github.com/loykin/mailsvc/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ServiceConfig = cfg.ServiceConfig

type Descriptor = service.Descriptor

type RuntimeState = service.RuntimeState

type Status = service.Status

type Conflict = supervisor.Conflict

type ExportEntry = supervisor.ExportEntry

type HistorySink = history.Sink

const (
	StatusStopped  = service.StatusStopped
	StatusStarting = service.StatusStarting
	StatusRunning  = service.StatusRunning
	StatusStopping = service.StatusStopping
	StatusErrored  = service.StatusErrored
)

var (
	ErrUnknownService = supervisor.ErrUnknownService
	ErrLaunch         = supervisor.ErrLaunch
	ErrExitedEarly    = supervisor.ErrExitedEarly
	ErrPortInUse      = supervisor.ErrPortInUse
	ErrStopFailed     = supervisor.ErrStopFailed
	ErrLocked         = pidstore.ErrLocked
)

// Manager is a supervisor built from a Config, together with the history
// sinks it owns.
type Manager struct {
	*supervisor.Supervisor
	cfg   *Config
	sinks history.Multi
}

// LoadConfig reads a config file (optional) with MAILSVC_* overrides.
func LoadConfig(path string, overrides map[string]any) (*Config, error) {
	return cfg.Load(path, overrides)
}

// Open builds the registry, PID store, environment, ownership matcher and
// history sinks described by c and reconciles existing PID records. log may
// be nil.
func Open(c *Config, log *slog.Logger) (*Manager, error) {
	if c == nil {
		return nil, errors.New("mailsvc: nil config")
	}
	if log == nil {
		log = logger.Discard()
	}
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	genv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	sinks, err := factory.NewSinks(c.HistoryDSN)
	if err != nil {
		return nil, err
	}

	insp := inspector.New()
	var match supervisor.Matcher = supervisor.MarkerMatcher{Inspector: insp}
	if c.Ownership == cfg.OwnershipEnv {
		match = supervisor.EnvMatcher{Inspector: insp}
	}
	opts := supervisor.Options{
		BaseDir:      c.BaseDir,
		GracePeriod:  configured(c.GracePeriod),
		StopTimeout:  configured(c.StopTimeout),
		KillWait:     configured(c.KillWait),
		SettleDelay:  configured(c.SettleDelay),
		RestartDelay: configured(c.RestartDelay),
		Env:          genv,
		Inspector:    insp,
		Matcher:      match,
		Logger:       log,
	}
	if len(sinks) > 0 {
		opts.History = sinks
	}

	sup, err := supervisor.New(reg, pidstore.New(c.PIDDir), opts)
	if err != nil {
		_ = sinks.Close()
		return nil, err
	}
	return &Manager{Supervisor: sup, cfg: c, sinks: sinks}, nil
}

// configured maps an explicit zero from the config file to "no wait"; the
// config layer has already applied defaults.
func configured(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// NewExportEntry combines a descriptor and its state into the export form.
func NewExportEntry(d Descriptor, st RuntimeState) ExportEntry {
	return supervisor.NewExportEntry(d, st)
}

// Config returns the configuration m was opened with.
func (m *Manager) Config() *Config { return m.cfg }

// Lock takes the cross-process lock on the PID store for the duration of a
// mutating command.
func (m *Manager) Lock() (func(), error) { return m.PIDStore().Lock() }

var _ io.Closer = (*Manager)(nil)

// Close releases the history sinks. Services keep running.
func (m *Manager) Close() error { return m.sinks.Close() }

// NewHTTPServer serves the read-only status endpoint for m on addr, over TLS
// when the status_tls section names a certificate source.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	tlsCfg, err := itls.Setup(m.cfg.ServerTLS())
	if err != nil {
		return nil, err
	}
	return iapi.NewServer(addr, basePath, m.Supervisor, tlsCfg)
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
