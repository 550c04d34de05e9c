package protocol

import (
	"encoding/json"
	"fmt"
)

// RPC operation names for the alicia/<service>/request inboxes.
const (
	OpDeviceRegister   = "device.register"
	OpDeviceUnregister = "device.unregister"
	OpDeviceGet        = "device.get"
	OpDeviceList       = "device.list"
	OpDeviceTouch      = "device.touch"

	OpCommandSubmit = "command.submit"
	OpCommandGet    = "command.get"
	OpCommandCancel = "command.cancel"

	OpSessionGet    = "session.get"
	OpSessionList   = "session.list"
	OpSessionCancel = "session.cancel"

	OpTranscribe = "stt.transcribe"
	OpGenerate   = "ai.generate"
	OpSynthesize = "tts.synthesize"
)

// RPCRequest is the payload of every request envelope: an operation name
// plus operation-specific arguments.
type RPCRequest struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

func NewRPCRequest(op string, args any) (*RPCRequest, error) {
	r := &RPCRequest{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal rpc args: %w", err)
		}
		r.Args = raw
	}
	return r, nil
}

// DecodeArgs unmarshals the request arguments into T.
func DecodeArgs[T any](r *RPCRequest) (*T, error) {
	var result T
	if len(r.Args) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(r.Args, &result); err != nil {
		return nil, fmt.Errorf("decode %s args to %T: %w", r.Op, result, err)
	}
	return &result, nil
}

// Argument payloads for ops that take bare ids.

type DeviceRef struct {
	DeviceID string `json:"device_id"`
}

type CommandRef struct {
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
}

type SessionRef struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}
