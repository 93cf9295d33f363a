// Package grpcserver exposes the embedded broker over gRPC as the
// reactor.v1.Broker service. Every call except Health must carry credentials
// in metadata; they are checked against the broker's users.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways})
//	s := grpcserver.New(rt)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7070")
package grpcserver
