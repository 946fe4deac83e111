// Package logging builds the slog logger shared by every twinline component.
//
// Entries are JSON by default and always carry the service name and build
// version. Components derive scoped loggers instead of adding the same
// attributes at each call site:
//
//	log := logging.New(cfg.Logging, version)
//	alertsLog := log.ForComponent("alerts")
//	devLog := log.ForDevice(id.Name, id.RemoteID)
//
// Credentials from the security and broker sections must never be passed
// as attributes.
package logging
