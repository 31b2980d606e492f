package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	BaseDir    string
	LogLevel   string
}

// Flag structs decouple cobra from the command logic for testing.
type StartFlags struct {
	Target     string
	Background bool
}

type StopFlags struct {
	Target string
	Force  bool
}

type RestartFlags struct {
	Target string
}

type StatusFlags struct {
	Target string
	JSON   bool
	Export string
}

type MonitorFlags struct {
	Interval time.Duration // zero means the configured monitor_interval
	Listen   string
	TLSCert  string
	TLSKey   string
	TLSDir   string // self-signed pair generated here when missing
}

type CleanupFlags struct {
	Days int
}
