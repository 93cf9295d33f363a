// Package transport defines the boundary between the consumer runtime and a
// message broker, plus a transacted session implementation shared by every
// broker backend.
//
// A Session is transacted: messages received through its consumers and
// messages sent through it take effect together on Commit. Rollback returns
// received messages to their queue and discards pending sends.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/reactor/internal/message"
)

var (
	// ErrClosed is returned by operations on a closed connection or session.
	ErrClosed = errors.New("transport: closed")
	// ErrNoDestination is returned when sending a message without a destination.
	ErrNoDestination = errors.New("transport: message has no destination")
)

// Endpoint says how to reach a broker.
type Endpoint struct {
	URL      string
	Username string
	Password string
}

// Transport opens connections to a broker.
type Transport interface {
	Connect(ctx context.Context, ep Endpoint) (Connection, error)
}

// Connection is an authenticated link to a broker.
type Connection interface {
	Session(ctx context.Context) (Session, error)
	// Depth returns the number of messages waiting in queue.
	Depth(ctx context.Context, queue string) (int, error)
	Close() error
}

// Session groups receives and sends into transactions.
type Session interface {
	// Consumer subscribes to queue. selector is an optional CEL expression.
	Consumer(ctx context.Context, queue, selector string) (Consumer, error)
	// Send buffers m for delivery to m.Destination on Commit. A positive
	// x-scheduled-delay property defers availability by that many ms.
	Send(ctx context.Context, m *message.Message) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// Consumer receives messages from one queue.
type Consumer interface {
	// Receive waits up to timeout for a message. It returns (nil, nil) when
	// the timeout elapses, and ctx.Err() when ctx is cancelled.
	Receive(ctx context.Context, timeout time.Duration) (*message.Message, error)
	Close() error
}

// Backend is the set of primitive broker operations a transacted session is
// built from.
type Backend interface {
	// Receive leases one message, waiting up to wait. A nil message means none
	// arrived in time.
	Receive(ctx context.Context, queue, consumer, selector string, wait time.Duration) (*message.Message, uint64, error)
	Ack(ctx context.Context, queue string, seq uint64) error
	Release(ctx context.Context, queue string, seq uint64) error
	Send(ctx context.Context, m *message.Message) (string, error)
	Depth(ctx context.Context, queue string) (int, error)
	Close() error
}
