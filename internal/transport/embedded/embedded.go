// Package embedded connects the consumer runtime to a broker running in the
// same process.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/selector"
	"github.com/rzbill/reactor/internal/transport"
)

// Scheme prefixes endpoint URLs naming an embedded broker data directory,
// as in embedded:///var/lib/reactor.
const Scheme = "embedded://"

// PollInterval caps a single wait on the queue's change notification. A
// message that becomes due through the delay index does not notify, so
// receivers re-check at least this often.
const PollInterval = 250 * time.Millisecond

// ErrInvalidSelector is returned when a consumer selector does not compile.
var ErrInvalidSelector = errors.New("invalid selector")

// Transport hands out connections to one in-process broker.
type Transport struct {
	b *broker.Broker
}

// New returns a transport over b.
func New(b *broker.Broker) *Transport {
	return &Transport{b: b}
}

// Connect authenticates and returns a connection. The endpoint URL is ignored.
func (t *Transport) Connect(_ context.Context, ep transport.Endpoint) (transport.Connection, error) {
	if err := t.b.Authenticate(ep.Username, ep.Password); err != nil {
		return nil, err
	}
	return transport.NewConnection(NewBackend(t.b)), nil
}

// Backend implements transport.Backend directly on a broker. It is shared by
// the embedded transport and the gRPC server.
type Backend struct {
	b *broker.Broker

	mu        sync.Mutex
	selectors map[string]selector.Selector
}

// NewBackend returns a backend over b.
func NewBackend(b *broker.Broker) *Backend {
	return &Backend{b: b, selectors: map[string]selector.Selector{}}
}

func (e *Backend) compile(expr string) (selector.Selector, error) {
	if expr == "" {
		return selector.Selector{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.selectors[expr]; ok {
		return s, nil
	}
	s, err := selector.Compile(expr)
	if err != nil {
		return selector.Selector{}, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	e.selectors[expr] = s
	return s, nil
}

// Receive long-polls queue until a message matching sel arrives or wait
// elapses.
func (e *Backend) Receive(ctx context.Context, queue, consumer, sel string, wait time.Duration) (*message.Message, uint64, error) {
	s, err := e.compile(sel)
	if err != nil {
		return nil, 0, err
	}
	q, err := e.b.Queue(queue)
	if err != nil {
		return nil, 0, err
	}
	deadline := time.Now().Add(wait)
	for {
		m, seq, err := e.b.Receive(ctx, queue, consumer, s.Filter())
		if err != nil || m != nil {
			return m, seq, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, 0, nil
		}
		q.Wait(ctx, min(remaining, PollInterval))
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
	}
}

func (e *Backend) Ack(ctx context.Context, queue string, seq uint64) error {
	q, err := e.b.Queue(queue)
	if err != nil {
		return err
	}
	return q.Ack(ctx, seq)
}

func (e *Backend) Release(ctx context.Context, queue string, seq uint64) error {
	q, err := e.b.Queue(queue)
	if err != nil {
		return err
	}
	return q.Release(ctx, seq)
}

func (e *Backend) Send(ctx context.Context, m *message.Message) (string, error) {
	return e.b.Send(ctx, m)
}

func (e *Backend) Depth(ctx context.Context, queue string) (int, error) {
	q, err := e.b.Queue(queue)
	if err != nil {
		return 0, err
	}
	return q.Depth(ctx)
}

// Close is a no-op; the broker outlives its connections.
func (e *Backend) Close() error { return nil }
