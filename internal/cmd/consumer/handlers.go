package consumer

import (
	"context"
	"time"

	"github.com/rzbill/reactor/internal/dispatch"
	"github.com/rzbill/reactor/internal/failure"
	"github.com/rzbill/reactor/internal/worker"
	"github.com/rzbill/reactor/pkg/log"
)

// Built-in message types served by `reactor consume`.
const (
	TypeLog   = "log"
	TypeDrop  = "drop"
	TypeFail  = "fail"
	TypeRetry = "retry"
)

// command is the JSON body understood by the built-in handlers. Only type is
// required; the other fields tune the failure a handler returns.
type command struct {
	Type       string         `json:"type"`
	Reason     string         `json:"reason,omitempty"`
	WaitMs     int64          `json:"wait_ms,omitempty"`
	Backoff    float64        `json:"backoff,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func (c command) reason(def string) string {
	if c.Reason != "" {
		return c.Reason
	}
	return def
}

// NewHandler returns a registry with the built-in handlers. log records the
// payload and succeeds; drop, fail and retry return the matching failure so
// every disposition can be driven from the queue. Any other type is routed
// as unclassified.
func NewHandler(logger log.Logger) *dispatch.Registry {
	r := dispatch.NewRegistry(logger)
	hlog := logger.WithComponent("handler")

	dispatch.RegisterFunc(r, TypeLog, dispatch.JSON[command], func(_ context.Context, c command) error {
		hlog.Info("message processed", log.F("data", c.Data))
		return nil
	})
	dispatch.RegisterFunc(r, TypeDrop, dispatch.JSON[command], func(_ context.Context, c command) error {
		return failure.Drop(c.reason("dropped on request"))
	})
	dispatch.RegisterFunc(r, TypeFail, dispatch.JSON[command], func(_ context.Context, c command) error {
		return failure.Error(c.reason("failed on request"),
			failure.WithShortDescription("requested failure"),
			failure.WithSourceSystem("reactor consume"))
	})
	dispatch.RegisterFunc(r, TypeRetry, dispatch.JSON[command], func(_ context.Context, c command) error {
		opts := []failure.Option{failure.WithMaxRetries(c.MaxRetries)}
		if c.WaitMs > 0 {
			opts = append(opts, failure.WithWait(time.Duration(c.WaitMs)*time.Millisecond))
		}
		if c.Backoff > 0 {
			opts = append(opts, failure.WithExponentialBackoff(c.Backoff))
		}
		return failure.Retry(c.reason("retry requested"), opts...)
	})
	return r
}

var _ worker.Handler = (*dispatch.Registry)(nil)
