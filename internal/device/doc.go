// Package device holds the identities of the production-line devices a
// Twinline deployment manages.
//
// Identities are built once from configuration and never change while the
// process runs. The reconcilers, the fleet manager, the alert processor and
// the admin API all share the same read-only Registry.
//
// # Key Types
//
//   - Identity: local name, remote twin id, equipment endpoint, node name,
//     per-device credential and default production rate
//   - Registry: lookup by local name or remote id, in configuration order
//
// # Usage
//
//	reg, err := device.NewRegistry(cfg.Devices, cfg.DefaultDevice)
//	if err != nil {
//	    return err
//	}
//	id, err := reg.Get("Device 1")
package device
