// Package command carries direct-method invocations to device reconcilers.
//
// A method call names a device, a method and an optional JSON payload, and
// yields an integer status: 0 for success, 404 when no running reconciler
// owns the device, 500 when the handler failed.
//
// # Transports
//
// Router delivers calls to reconcilers registered in this process. Server
// exposes a Router over MQTT:
//
//	twinline/command/{deviceId}/{method}   Request
//	twinline/response/{requestId}          Response
//
// MQTTInvoker is the calling side: it publishes a Request and waits for the
// Response with the same request id. Router and MQTTInvoker both satisfy
// Invoker, which is what the alert processor and the admin API depend on.
//
// # Handler tables
//
// A reconciler describes its methods with a Table. Dispatch through a Table
// never panics: a handler panic becomes StatusFailed.
package command
