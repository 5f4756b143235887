package main

import "time"

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// ClientFlags holds the connection flags shared by commands that talk to a
// running host.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

type RunFlags struct {
	Binary string
	Port   uint16
}
