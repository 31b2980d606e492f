package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mailsvc/internal/env"
	"github.com/loykin/mailsvc/internal/logger"
	"github.com/loykin/mailsvc/internal/service"
	itls "github.com/loykin/mailsvc/internal/tls"
)

// EnvPrefix is the prefix of environment variables that override file keys,
// e.g. MAILSVC_STOP_TIMEOUT=20s or MAILSVC_LOG_LEVEL=debug.
const EnvPrefix = "MAILSVC"

// Ownership modes.
const (
	OwnershipMarker = "marker"
	OwnershipEnv    = "env"
)

// Config is the decoded supervisor configuration.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
	LogsDir string `mapstructure:"logs_dir"`
	PIDDir  string `mapstructure:"pid_dir"`
	Python  string `mapstructure:"python"`

	GracePeriod     time.Duration `mapstructure:"grace_period"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	KillWait        time.Duration `mapstructure:"kill_wait"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	RestartDelay    time.Duration `mapstructure:"restart_delay"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`

	Ownership  string   `mapstructure:"ownership"`
	HistoryDSN []string `mapstructure:"history_dsn"`
	Env        []string `mapstructure:"env"`
	EnvFiles   []string `mapstructure:"env_files"`

	Log       LogConfig       `mapstructure:"log"`
	StatusTLS TLSConfig       `mapstructure:"status_tls"`
	Services  []ServiceConfig `mapstructure:"services"`
}

// TLSConfig secures the monitor's status endpoint.
type TLSConfig struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Color      string `mapstructure:"color"`
}

type ServiceConfig struct {
	Name        string   `mapstructure:"name"`
	Command     string   `mapstructure:"command"`
	Port        int      `mapstructure:"port"`
	LogFile     string   `mapstructure:"log_file"`
	Marker      string   `mapstructure:"marker"`
	WorkDir     string   `mapstructure:"work_dir"`
	Env         []string `mapstructure:"env"`
	AutoRestart *bool    `mapstructure:"auto_restart"`
	Priority    int      `mapstructure:"priority"`
}

// DefaultServices reproduces the stock deployment: the mail daemon and the
// web front end, both python scripts in the base directory.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{Name: "smtp_server", Port: 1025, Priority: 10},
		{Name: "web_interface", Port: 5000, Priority: 20},
	}
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so that
	// AutomaticEnv overrides reach Unmarshal.
	for _, k := range []string{
		"base_dir", "logs_dir", "pid_dir", "log.file",
		"status_tls.cert_file", "status_tls.key_file", "status_tls.dir", "status_tls.min_version",
	} {
		v.SetDefault(k, "")
	}
	v.SetDefault("history_dsn", []string{})
	v.SetDefault("env", []string{})
	v.SetDefault("log.compress", false)
	v.SetDefault("status_tls.auto_generate", false)
	v.SetDefault("python", "python3")
	v.SetDefault("grace_period", 2*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("kill_wait", 2*time.Second)
	v.SetDefault("settle_delay", 3*time.Second)
	v.SetDefault("restart_delay", 2*time.Second)
	v.SetDefault("monitor_interval", 30*time.Second)
	v.SetDefault("ownership", OwnershipMarker)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", "auto")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
}

// Load reads path (optional; TOML, YAML or JSON by extension), applies
// MAILSVC_* environment overrides, then overrides (typically CLI flags, keyed
// like the file), fills defaults and validates.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" && c.BaseDir == "" {
		c.BaseDir = filepath.Dir(path)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// normalize resolves directories against BaseDir and fills per-service
// defaults.
func (c *Config) normalize() error {
	if c.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		c.BaseDir = wd
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return err
	}
	c.BaseDir = abs
	if c.LogsDir == "" {
		c.LogsDir = "logs"
	}
	c.LogsDir = c.resolve(c.LogsDir)
	if c.PIDDir == "" {
		c.PIDDir = filepath.Join(c.LogsDir, "pids")
	}
	c.PIDDir = c.resolve(c.PIDDir)
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.LogsDir, "service_manager.log")
	}
	c.Log.File = c.resolve(c.Log.File)
	c.Ownership = strings.ToLower(strings.TrimSpace(c.Ownership))
	for _, p := range []*string{&c.StatusTLS.CertFile, &c.StatusTLS.KeyFile, &c.StatusTLS.Dir} {
		if *p != "" {
			*p = c.resolve(*p)
		}
	}

	if len(c.Services) == 0 {
		c.Services = DefaultServices()
	}
	for i := range c.Services {
		s := &c.Services[i]
		if s.Command == "" && s.Name != "" {
			s.Command = fmt.Sprintf("%s %s.py", c.Python, s.Name)
		}
		if s.LogFile == "" && s.Name != "" {
			s.LogFile = s.Name + ".log"
		}
		if s.LogFile != "" && !filepath.IsAbs(s.LogFile) {
			s.LogFile = filepath.Join(c.LogsDir, s.LogFile)
		}
		if s.WorkDir != "" {
			s.WorkDir = c.resolve(s.WorkDir)
		}
	}
	return nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.BaseDir, p)
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"grace_period", c.GracePeriod},
		{"stop_timeout", c.StopTimeout},
		{"kill_wait", c.KillWait},
		{"settle_delay", c.SettleDelay},
		{"restart_delay", c.RestartDelay},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.key))
		}
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, errors.New("monitor_interval must be positive"))
	}
	switch c.Ownership {
	case OwnershipMarker, OwnershipEnv:
	default:
		errs = append(errs, fmt.Errorf("ownership must be %q or %q, got %q", OwnershipMarker, OwnershipEnv, c.Ownership))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if (c.StatusTLS.CertFile == "") != (c.StatusTLS.KeyFile == "") {
		errs = append(errs, errors.New("status_tls: cert_file and key_file must be set together"))
	}
	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Registry builds the service registry from the configured services.
func (c *Config) Registry() (*service.Registry, error) {
	descs := make([]service.Descriptor, 0, len(c.Services))
	for _, s := range c.Services {
		autoRestart := true
		if s.AutoRestart != nil {
			autoRestart = *s.AutoRestart
		}
		descs = append(descs, service.Descriptor{
			Name:        s.Name,
			Command:     s.Command,
			Port:        s.Port,
			LogPath:     s.LogFile,
			Marker:      s.Marker,
			WorkDir:     s.WorkDir,
			Env:         s.Env,
			AutoRestart: autoRestart,
			Priority:    s.Priority,
		})
	}
	return service.NewRegistry(descs)
}

// GlobalEnv returns the environment shared by every service: the python
// search path, the contents of env files, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New().FromOS()
	e.Set("PYTHONPATH", c.BaseDir)
	for _, f := range c.EnvFiles {
		pairs, err := env.LoadFile(c.resolve(f))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		e.SetAll(pairs)
	}
	e.SetAll(c.Env)
	return e, nil
}

// ServerTLS maps the status_tls section to the tls package.
func (c *Config) ServerTLS() itls.Config {
	return itls.Config{
		CertFile:     c.StatusTLS.CertFile,
		KeyFile:      c.StatusTLS.KeyFile,
		Dir:          c.StatusTLS.Dir,
		AutoGenerate: c.StatusTLS.AutoGenerate,
		MinVersion:   c.StatusTLS.MinVersion,
	}
}

// LoggerConfig maps the log section to the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Color:      c.Log.Color,
	}
}
