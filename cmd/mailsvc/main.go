package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand to c.
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.globals)
	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createPortsCommand(c),
		createMonitorCommand(c),
		createCleanupCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mailsvc",
		Short: "Supervise the local SMTP server and web interface",
		Long: `mailsvc starts, stops and monitors the mail stack: the SMTP daemon
(smtp_server) and its web front end (web_interface).

Examples:
  mailsvc start                 # start everything in the background
  mailsvc stop web_interface
  mailsvc status --json
  mailsvc monitor --interval 10s --listen 127.0.0.1:9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.BaseDir, "base-dir", "", "directory holding the service scripts (default: config dir or cwd)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	return root
}

func target(args []string) string {
	if len(args) == 0 {
		return allTarget
	}
	return args[0]
}

func createStartCommand(c *command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [service|all]",
		Short: "Start one service or all of them in priority order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Target = target(args)
			return c.Start(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Background, "background", true, "detach services from this terminal's session")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [service|all]",
		Short: "Stop one service or all of them in reverse priority order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Target = target(args)
			return c.Stop(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "kill immediately instead of asking the service to exit")
	return cmd
}

func createRestartCommand(c *command) *cobra.Command {
	flags := &RestartFlags{}
	return &cobra.Command{
		Use:   "restart [service|all]",
		Short: "Restart one service or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Target = target(args)
			return c.Restart(*flags)
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [service|all]",
		Short: "Show service status, resource usage and port conflicts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Target = target(args)
			return c.Status(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the status report as JSON")
	cmd.Flags().StringVar(&flags.Export, "export", "", "also write the status report to this file")
	return cmd
}

func createPortsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List service ports held by other processes (exit 1 when any)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ports()
		},
	}
}

func createMonitorCommand(c *command) *cobra.Command {
	flags := &MonitorFlags{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch services and restart crashed ones until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Monitor(cmd.Context(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Interval, "interval", 0, "check interval (default: monitor_interval from config)")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "serve /status, /conflicts and /metrics on this address")
	cmd.Flags().StringVar(&flags.TLSCert, "tls-cert", "", "TLS certificate for --listen")
	cmd.Flags().StringVar(&flags.TLSKey, "tls-key", "", "TLS private key for --listen")
	cmd.Flags().StringVar(&flags.TLSDir, "tls-dir", "", "directory with tls.crt/tls.key for --listen, generated when missing")
	return cmd
}

func createCleanupCommand(c *command) *cobra.Command {
	flags := &CleanupFlags{}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete log files older than the given number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Cleanup(*flags)
		},
	}
	cmd.Flags().IntVar(&flags.Days, "days", 7, "age threshold in days")
	return cmd
}
