package voice

import "errors"

var (
	ErrSessionNotFound = errors.New("voice: session not found")
	ErrSessionExists   = errors.New("voice: session already exists")
	ErrBusy            = errors.New("voice: max concurrent sessions reached")
	ErrTerminal        = errors.New("voice: session already terminal")
)
