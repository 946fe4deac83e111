// Package influxdb writes fleet telemetry history to InfluxDB 2.x.
//
// Two measurements are kept, both tagged with device_id:
//   - production: status, temperature and good/bad counters
//   - error_state: one point per change of a device's error mask
//
// Writes go through the batched non-blocking write API of
// influxdb-client-go; failures surface through SetOnError rather than as
// return values.
package influxdb
