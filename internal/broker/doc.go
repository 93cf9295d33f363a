// Package broker implements the embedded message broker used by reactor.
//
// Queues are stored in Pebble with a priority-ordered ready index, a delay
// index for scheduled delivery and a lease index. A delivery stays leased
// until it is acknowledged or released; leases that outlive the configured
// timeout are returned to the ready index by a background sweeper. Every
// delivery bumps a per-message counter that survives redelivery.
//
// Topics are append-only logs. Readers keep their own sequence position and
// may block in Wait for new entries.
//
// Records share one framing: headerLen(4B BE) | msgpack header | body | crc32c.
package broker
