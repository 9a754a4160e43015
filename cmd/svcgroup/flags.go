package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type RunFlags struct {
	ConfigPath string
}

type ValidateFlags struct {
	ConfigPath string
}

// APIFlags locate the control API of a running group.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Token      string
}

type StatusFlags struct {
	APIFlags
	Service string
}

type StopFlags struct {
	APIFlags
	// Wait polls for the outcome after the stop request; zero returns immediately.
	Wait time.Duration
}

type OutcomeFlags struct {
	APIFlags
}
