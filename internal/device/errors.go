package device

import "errors"

var (
	ErrNotFound          = errors.New("device: not found")
	ErrCommandNotFound   = errors.New("device: command not found")
	ErrTypeConflict      = errors.New("device: device_type conflict for existing id")
	ErrDeviceOffline     = errors.New("device: device is offline")
	ErrUnknownCapability = errors.New("device: capability not supported")
)
