package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote monitor connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
}

type ServeFlags struct {
	ConfigPath string
	Listen     string // overrides [server].listen
}

type AggregatorFlags struct {
	Listen   string
	Capacity int
}

type RegisterFlags struct {
	ID          string
	Name        string
	Endpoint    string
	Environment string
	Location    string
	Version     string
	ProbeType   string
	Labels      []string // key=value
}

type AlertsFlags struct {
	Severity       string
	Unacknowledged bool
	ServiceID      string
	Limit          int
}

type RaiseFlags struct {
	ServiceID string
	Severity  string
	Message   string
}

type TokenFlags struct {
	Secret  string
	Subject string
	TTL     time.Duration
}

type InitFlags struct {
	Type   string
	ID     string
	Output string
	Force  bool
}
