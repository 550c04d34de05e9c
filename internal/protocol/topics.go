package protocol

import "strings"

// Topic namespace. Everything Alicia publishes lives under alicia/.
const (
	TopicVoiceCommand  = "alicia/voice/command"
	TopicVoiceResponse = "alicia/voice/response"
	TopicVoiceCancel   = "alicia/voice/cancel"
	TopicVoiceSession  = "alicia/voice/session"

	TopicDeviceRegister      = "alicia/devices/register"
	TopicDeviceUnregister    = "alicia/devices/unregister"
	TopicDeviceRegistered    = "alicia/devices/registered"
	TopicDeviceStatusChanged = "alicia/devices/status_changed"

	TopicHealthFleet = "alicia/health/fleet"

	FilterAll             = "alicia/#"
	FilterHealth          = "alicia/health/+"
	FilterDeviceState     = "alicia/devices/+/state"
	FilterDeviceHeartbeat = "alicia/devices/+/heartbeat"
	FilterDeviceAck       = "alicia/devices/+/ack"
	FilterCommandStatus   = "alicia/commands/+/status"
)

func HealthTopic(service string) string {
	return "alicia/health/" + service
}

// RequestTopic is the point-to-point RPC inbox of a service.
func RequestTopic(service string) string {
	return "alicia/" + service + "/request"
}

// ResponseTopic is where a service receives replies to its own requests.
func ResponseTopic(service string) string {
	return "alicia/" + service + "/response"
}

func DeviceStateTopic(deviceID string) string {
	return "alicia/devices/" + deviceID + "/state"
}

func DeviceHeartbeatTopic(deviceID string) string {
	return "alicia/devices/" + deviceID + "/heartbeat"
}

func DeviceCommandTopic(deviceID string) string {
	return "alicia/devices/" + deviceID + "/command"
}

func DeviceAckTopic(deviceID string) string {
	return "alicia/devices/" + deviceID + "/ack"
}

func CommandStatusTopic(commandID string) string {
	return "alicia/commands/" + commandID + "/status"
}

// DeviceIDFromTopic extracts <id> from alicia/devices/<id>/..., or "" when
// the topic has a different shape.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 4 && parts[0] == "alicia" && parts[1] == "devices" {
		return parts[2]
	}
	return ""
}

// CommandIDFromTopic extracts <id> from alicia/commands/<id>/status.
func CommandIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 4 && parts[0] == "alicia" && parts[1] == "commands" {
		return parts[2]
	}
	return ""
}

// ServiceFromHealthTopic extracts <service> from alicia/health/<service>.
func ServiceFromHealthTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "alicia" && parts[1] == "health" {
		return parts[2]
	}
	return ""
}
