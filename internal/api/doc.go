// Package api implements the admin HTTP API and WebSocket server.
//
// This package provides:
//   - Fleet endpoints: list devices by view, start and stop reconcilers
//   - Twin endpoints: read a twin, patch desired properties with If-Match
//   - Command endpoint: invoke a device method over the command channel
//   - Dead-letter listing for alerts that exhausted their deliveries
//   - WebSocket hub relaying fleet state transitions
//   - JWT authentication with ticket-based WebSocket auth
//   - Prometheus exposition on /metrics
//
// # Security
//
// Operators log in with a configured username and Argon2id-hashed
// password and receive a bearer token. Each route requires a permission
// from the operator's role. WebSocket connections use single-use tickets
// so tokens never appear in URLs.
//
// # Graceful Degradation
//
// The command invoker and dead-letter store are optional. Without them the
// matching endpoints answer 503 and everything else keeps working.
package api
