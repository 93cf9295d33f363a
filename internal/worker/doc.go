// Package worker drains one queue a message at a time and applies the
// failure protocol to whatever the handler returns.
//
// A Worker owns its connection, session and consumer. Every message is
// processed in its own transaction: success and Drop commit, Retry resends a
// delayed copy and commits, Error forwards to the error destination and
// commits, or rolls back when no error destination is configured.
//
// Lifecycle:
//
//	w, err := worker.New(opts)
//	if err := w.Start(ctx); err != nil { ... } // connection failures surface here
//	go w.Run(ctx)
//	...
//	w.Stop() // cooperative; the in-flight message finishes
package worker
