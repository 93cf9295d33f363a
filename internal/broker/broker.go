package broker

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/reactor/internal/message"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
	"github.com/rzbill/reactor/pkg/log"
)

var (
	// ErrUnauthorized is returned for unknown users or wrong passwords.
	ErrUnauthorized = errors.New("broker: invalid credentials")
	// ErrInvalidName is returned for empty destination names or names with '/'.
	ErrInvalidName = errors.New("broker: invalid destination name")
	// ErrInvalidProperty is returned for a malformed x-scheduled-delay.
	ErrInvalidProperty = errors.New("broker: invalid property")
)

// Options configures a Broker.
type Options struct {
	// Users maps user names to passwords. Empty allows anonymous access.
	Users map[string]string
	// LeaseTimeout bounds how long a delivery may stay unacknowledged before
	// the sweeper makes it available again.
	LeaseTimeout time.Duration
	// SweepInterval is how often expired leases and due messages are processed.
	SweepInterval time.Duration
	Logger        log.Logger
}

// Broker owns every queue and topic stored in one Pebble database.
type Broker struct {
	db     *pebblestore.DB
	opts   Options
	logger log.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	topics map[string]*Topic
	closed bool
}

// New creates a broker over db. Queues and topics are opened lazily.
func New(db *pebblestore.DB, opts Options) *Broker {
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	return &Broker{
		db:     db,
		opts:   opts,
		logger: logger.WithComponent("broker"),
		queues: map[string]*Queue{},
		topics: map[string]*Topic{},
	}
}

// Authenticate checks credentials against the configured users.
func (b *Broker) Authenticate(user, password string) error {
	if len(b.opts.Users) == 0 {
		return nil
	}
	want, ok := b.opts.Users[user]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// LeaseTimeout returns the configured lease duration.
func (b *Broker) LeaseTimeout() time.Duration { return b.opts.LeaseTimeout }

func validName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Queue opens (or returns the already open) queue with the given name.
func (b *Broker) Queue(name string) (*Queue, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker: closed")
	}
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q, err := openQueue(b.db, name)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", name, err)
	}
	q.StartSweeper(b.opts.SweepInterval, 0)
	b.queues[name] = q
	b.logger.Debug("queue opened", log.Str(log.QueueKey, name))
	return q, nil
}

// Topic opens (or returns the already open) topic with the given name.
func (b *Broker) Topic(name string) (*Topic, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker: closed")
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := openTopic(b.db, name)
	if err != nil {
		return nil, fmt.Errorf("open topic %s: %w", name, err)
	}
	b.topics[name] = t
	return t, nil
}

// Send stores msg at msg.Destination and returns the broker-assigned id.
// A positive x-scheduled-delay property on a queue message defers delivery
// and stamps an x-scheduled-job-id.
func (b *Broker) Send(ctx context.Context, msg *message.Message) (string, error) {
	h := Header{
		ID:         "ID:" + uuid.NewString(),
		Properties: make(map[string]string, len(msg.Properties)+1),
	}
	for k, v := range msg.Properties {
		h.Properties[k] = v
	}

	switch msg.Destination.Kind {
	case message.KindTopic:
		t, err := b.Topic(msg.Destination.Name)
		if err != nil {
			return "", err
		}
		if _, err := t.Append(ctx, h, []byte(msg.Body)); err != nil {
			return "", err
		}
	default:
		q, err := b.Queue(msg.Destination.Name)
		if err != nil {
			return "", err
		}
		var delay int64
		if raw, ok := msg.Properties[message.PropScheduledDelay]; ok {
			d, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return "", fmt.Errorf("%w: %s %q: %v", ErrInvalidProperty, message.PropScheduledDelay, raw, err)
			}
			delay = d
		}
		if delay > 0 {
			h.Properties[message.PropScheduledJobID] = uuid.NewString()
		}
		if _, err := q.Enqueue(ctx, h, []byte(msg.Body), EnqueueOptions{Priority: msg.Priority, DelayMs: delay}); err != nil {
			return "", err
		}
	}
	return h.ID, nil
}

// Receive leases the next message from queue accepted by filter and converts
// it to a read-only message. It returns nil when nothing is available.
func (b *Broker) Receive(ctx context.Context, queue, consumer string, filter Filter) (*message.Message, uint64, error) {
	q, err := b.Queue(queue)
	if err != nil {
		return nil, 0, err
	}
	d, err := q.Dequeue(ctx, consumer, b.opts.LeaseTimeout.Milliseconds(), 0, filter)
	if err != nil || d == nil {
		return nil, 0, err
	}
	return d.Message(queue), d.Seq, nil
}

// Message converts a delivery into a read-only message.
func (d *Delivery) Message(queue string) *message.Message {
	return toMessage(d.Header, d.Body, message.Queue(queue), int(d.Deliveries))
}

// Message converts a topic entry into a read-only message.
func (e Entry) Message(topic string) *message.Message {
	return toMessage(e.Header, e.Body, message.Topic(topic), 1)
}

func toMessage(h Header, body []byte, dest message.Destination, deliveries int) *message.Message {
	props := make(map[string]string, len(h.Properties))
	for k, v := range h.Properties {
		props[k] = v
	}
	m := &message.Message{
		ID:          h.ID,
		Destination: dest,
		Body:        string(body),
		Properties:  props,
		Priority:    h.Priority,
		Deliveries:  deliveries,
		Timestamp:   time.UnixMilli(h.EnqueuedMs),
	}
	m.MarkReadOnly()
	return m
}

// Close stops every sweeper. The database is owned by the caller.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()
	for _, q := range queues {
		q.StopSweeper()
	}
}
