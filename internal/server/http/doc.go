// Package httpserver exposes health, Prometheus metrics and, depending on
// the process, the consumer pool status or the embedded broker's queues and
// topics as JSON.
//
// Example:
//
//	s := httpserver.New(httpserver.Options{Health: rt, Metrics: m, Broker: rt.Broker()})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
