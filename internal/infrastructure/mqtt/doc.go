// Package mqtt connects the fleet host to the MQTT broker.
//
// The broker carries the device command channel and the outbound sinks:
//
//	twinline/command/{deviceId}/{method}   command requests
//	twinline/response/{requestId}          command responses
//	twinline/telemetry/{deviceId}          telemetry records
//	twinline/events/{deviceId}/{event}     error-state changes
//	twinline/logs/{deviceId}               device log entries
//	twinline/c2d/{deviceId}                cloud-to-device messages
//	twinline/system/status                 retained host status
//
// The host status topic holds "online" while connected. The broker
// replaces it with the last will ("offline", unexpected_disconnect) when
// the host vanishes; Close writes a graceful "offline" itself.
//
// Subscriptions are remembered and replayed after every reconnect.
package mqtt
