// Package client provides the queue and topic commands of the `reactor` CLI.
//
// The commands talk to a broker started with `reactor broker start` over
// gRPC. The address and credentials come from --addr, --username and
// --password, defaulting to REACTOR_GRPC (127.0.0.1:7070),
// REACTOR_USERNAME and REACTOR_PASSWORD.
//
// Usage
//
//	reactor queue send --name orders --data '{"type":"order","id":1}'
//	reactor queue send --name orders --data hello --property region=eu --delay 30s
//
//	reactor queue depth --name orders
//
//	# Inspect the head of a queue without consuming it
//	reactor queue receive --name orders
//	# Consume one message
//	reactor queue receive --name orders --ack
//	# Only messages matching a CEL selector
//	reactor queue receive --name orders --selector 'properties["region"] == "eu"'
//
//	# Read converted error records
//	reactor topic read --name orders-errors --from 1 --limit 10
package client
