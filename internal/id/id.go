// Package id provides ID generation helpers used across services.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 12

const (
	PrefixClient  = "cli"
	PrefixSession = "ses"
	PrefixCommand = "cmd"
	PrefixMonitor = "mon"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewWithLength(prefix string, length int) string {
	id, err := nanoid.New(length)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

// ClientID builds a broker-unique MQTT client id for a service instance.
// Client ids must differ across restarts or the broker kicks the old
// session, so a random suffix is appended on every call.
func ClientID(service string) string {
	return "alicia-" + service + "-" + New(PrefixClient)
}

func NewSession() string { return New(PrefixSession) }

func NewCommand() string { return New(PrefixCommand) }
