// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// the embedded reactor broker with its gRPC and HTTP servers, handling
// lifecycle and shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Server.Users = map[string]string{"app": "secret"}
//	cfg.HTTP.Addr = ":8080"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
