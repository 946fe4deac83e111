// Package natsjs provides NATS JetStream connectivity for Twinline Core.
//
// JetStream backs two components:
//   - the alert queue: stream ALERTS, subject alerts.emergency, durable
//     consumer with explicit acknowledgement
//   - the twin store (twin.backend: nats): one key-value bucket holding a
//     JSON document per device, the entry revision serving as etag
//
// # Usage
//
//	client, err := natsjs.Connect(ctx, cfg.NATS)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	kv, err := client.KeyValue(ctx, cfg.Twin.Bucket)
package natsjs
