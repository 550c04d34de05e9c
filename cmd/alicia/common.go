package main

import "github.com/alicia-home/alicia/internal/config"

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Shared state loaded by the root command
var (
	cfg *config.Config

	flagConfig   string
	flagBroker   string
	flagHTTPPort int
	flagLogLevel string
)

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// orNotSet substitutes a placeholder for empty optional values
func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
