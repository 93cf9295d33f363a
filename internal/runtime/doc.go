// Package runtime wires Pebble storage and the embedded broker into a
// single-node reactor instance. It exposes Open/Close and a health check
// used by the gRPC and HTTP servers.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	m := message.New("hello")
//	m.Destination = message.Queue("orders")
//	_, _ = rt.Broker().Send(context.Background(), m)
package runtime
