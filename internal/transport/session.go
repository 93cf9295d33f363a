package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/reactor/internal/message"
)

// NewConnection wraps a backend as a Connection.
func NewConnection(b Backend) Connection {
	return &conn{b: b}
}

type conn struct {
	b      Backend
	closed atomic.Bool
}

func (c *conn) Session(context.Context) (Session, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return &session{c: c}, nil
}

func (c *conn) Depth(ctx context.Context, queue string) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.b.Depth(ctx, queue)
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.b.Close()
}

type receipt struct {
	queue string
	seq   uint64
}

type session struct {
	c *conn

	mu       sync.Mutex
	received []receipt
	pending  []*message.Message
	closed   bool
}

func (s *session) Consumer(_ context.Context, queue, selector string) (Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.c.closed.Load() {
		return nil, ErrClosed
	}
	if queue == "" {
		return nil, errors.New("transport: empty queue name")
	}
	return &consumer{s: s, queue: queue, selector: selector, id: uuid.NewString()}, nil
}

func (s *session) Send(_ context.Context, m *message.Message) error {
	if m == nil || m.Destination.IsZero() {
		return ErrNoDestination
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending = append(s.pending, m.Clone())
	return nil
}

// Commit delivers pending sends, then acknowledges received messages.
func (s *session) Commit(ctx context.Context) error {
	s.mu.Lock()
	pending, received := s.pending, s.received
	s.pending, s.received = nil, nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for i, m := range pending {
		if _, err := s.c.b.Send(ctx, m); err != nil {
			// received messages stay leased and come back on rollback
			s.mu.Lock()
			s.received = append(received, s.received...)
			s.mu.Unlock()
			return fmt.Errorf("commit send %d/%d to %s: %w", i+1, len(pending), m.Destination, err)
		}
	}
	var errs []error
	for _, r := range received {
		if err := s.c.b.Ack(ctx, r.queue, r.seq); err != nil {
			errs = append(errs, fmt.Errorf("ack %s/%d: %w", r.queue, r.seq, err))
		}
	}
	return errors.Join(errs...)
}

// Rollback discards pending sends and releases received messages.
func (s *session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	received := s.received
	s.pending, s.received = nil, nil
	s.mu.Unlock()

	var errs []error
	for _, r := range received {
		if err := s.c.b.Release(ctx, r.queue, r.seq); err != nil {
			errs = append(errs, fmt.Errorf("release %s/%d: %w", r.queue, r.seq, err))
		}
	}
	return errors.Join(errs...)
}

func (s *session) Close() error {
	err := s.Rollback(context.Background())
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

type consumer struct {
	s        *session
	queue    string
	selector string
	id       string
	closed   atomic.Bool
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	if c.closed.Load() || c.s.c.closed.Load() {
		return nil, ErrClosed
	}
	m, seq, err := c.s.c.b.Receive(ctx, c.queue, c.id, c.selector, timeout)
	if err != nil || m == nil {
		return nil, err
	}
	c.s.mu.Lock()
	c.s.received = append(c.s.received, receipt{queue: c.queue, seq: seq})
	c.s.mu.Unlock()
	return m, nil
}

func (c *consumer) Close() error {
	c.closed.Store(true)
	return nil
}
