package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every Twinline topic.
const TopicPrefix = "twinline"

// Topic hierarchy:
//
//	twinline/command/{deviceId}/{method}     command requests to a device
//	twinline/response/{requestId}            command responses
//	twinline/telemetry/{deviceId}            production telemetry records
//	twinline/events/{deviceId}/{event}       device events (error_state)
//	twinline/logs/{deviceId}                 device log entries
//	twinline/c2d/{deviceId}                  cloud-to-device messages
//	twinline/system/status                   retained online/offline status
//
// Device ids and methods must not contain '/', '+' or '#'.
type Topics struct{}

// Command returns the request topic for a device method.
//
// Example: twinline/command/line-1/EmergencyStop
func (Topics) Command(deviceID, method string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, deviceID, method)
}

// Response returns the topic a command response is published on.
//
// Example: twinline/response/7d0c...
func (Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefix, requestID)
}

// Telemetry returns the telemetry topic for a device.
//
// Example: twinline/telemetry/line-1
func (Topics) Telemetry(deviceID string) string {
	return fmt.Sprintf("%s/telemetry/%s", TopicPrefix, deviceID)
}

// Event returns the topic for a named device event.
//
// Example: twinline/events/line-1/error_state
func (Topics) Event(deviceID, event string) string {
	return fmt.Sprintf("%s/events/%s/%s", TopicPrefix, deviceID, event)
}

// Logs returns the device log topic.
//
// Example: twinline/logs/line-1
func (Topics) Logs(deviceID string) string {
	return fmt.Sprintf("%s/logs/%s", TopicPrefix, deviceID)
}

// CloudToDevice returns the topic carrying free-form messages to a device.
//
// Example: twinline/c2d/line-1
func (Topics) CloudToDevice(deviceID string) string {
	return fmt.Sprintf("%s/c2d/%s", TopicPrefix, deviceID)
}

// SystemStatus returns the retained system status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllCommands matches every command request.
//
// Pattern: twinline/command/+/+
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+/+"
}

// AllResponses matches every command response.
//
// Pattern: twinline/response/+
func (Topics) AllResponses() string {
	return TopicPrefix + "/response/+"
}

// AllCloudToDevice matches cloud-to-device messages for every device.
//
// Pattern: twinline/c2d/+
func (Topics) AllCloudToDevice() string {
	return TopicPrefix + "/c2d/+"
}

// ParseCommandTopic extracts the device id and method from a command topic.
func ParseCommandTopic(topic string) (deviceID, method string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "command" {
		return "", "", false
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}

// ParseDeviceTopic extracts the device id from a twinline/{category}/{deviceId} topic.
func ParseDeviceTopic(topic, category string) (deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] != category || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// ValidSegment reports whether s can be used as a single topic level.
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}
