package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/failure"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/metrics"
	"github.com/rzbill/reactor/internal/pool"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
	"github.com/rzbill/reactor/internal/transport"
	"github.com/rzbill/reactor/internal/transport/embedded"
)

const waitFor = 5 * time.Second

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: "/reactor", InMemory: true})
	require.NoError(t, err)
	b := broker.New(db, broker.Options{Users: map[string]string{"app": "pw"}})
	t.Cleanup(func() {
		b.Close()
		_ = db.Close()
	})
	return b
}

func enqueue(t *testing.T, b *broker.Broker, body string) {
	t.Helper()
	m := message.New(body)
	m.Destination = message.Queue("orders")
	_, err := b.Send(context.Background(), m)
	require.NoError(t, err)
}

func baseOptions(b *broker.Broker, h Handler) Options {
	return Options{
		Transport:      embedded.New(b),
		Endpoint:       transport.Endpoint{Username: "app", Password: "pw"},
		Queue:          "orders",
		Handler:        h,
		ReceiveTimeout: 100 * time.Millisecond,
	}
}

// start runs a worker until the test ends.
func start(t *testing.T, opts Options) *Worker {
	t.Helper()
	w, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		w.Stop()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("worker did not stop")
		}
	})
	return w
}

func stats(t *testing.T, b *broker.Broker, queue string) broker.Stats {
	t.Helper()
	q, err := b.Queue(queue)
	require.NoError(t, err)
	s, err := q.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func drained(t *testing.T, b *broker.Broker, queue string) func() bool {
	return func() bool {
		s := stats(t, b, queue)
		return s.Ready == 0 && s.Leased == 0
	}
}

func receiveOne(t *testing.T, b *broker.Broker, queue string) *message.Message {
	t.Helper()
	var got *message.Message
	require.Eventually(t, func() bool {
		m, _, err := b.Receive(context.Background(), queue, "test", nil)
		require.NoError(t, err)
		got = m
		return m != nil
	}, waitFor, 20*time.Millisecond)
	return got
}

func TestNewRequiresOptions(t *testing.T) {
	_, err := New(Options{Queue: "orders"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestSuccessCommits(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "hello")
	m := metrics.New("test", nil)

	var seen atomic.Value
	opts := baseOptions(b, HandlerFunc(func(_ context.Context, msg *message.Message) error {
		seen.Store(msg.Body)
		return nil
	}))
	opts.Metrics = m
	w := start(t, opts)
	assert.Equal(t, Running, w.State())

	require.Eventually(t, drained(t, b, "orders"), waitFor, 20*time.Millisecond)
	assert.Equal(t, "hello", seen.Load())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Messages.WithLabelValues(metrics.OutcomeAck)) == 1
	}, waitFor, 20*time.Millisecond)
}

func TestRetrySchedulesDelayedCopy(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "later")
	var calls atomic.Int32
	start(t, baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		calls.Add(1)
		return failure.Retry("busy", failure.WithWait(time.Minute))
	})))

	require.Eventually(t, func() bool {
		s := stats(t, b, "orders")
		return s.Scheduled == 1 && s.Ready == 0 && s.Leased == 0
	}, waitFor, 20*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryExhaustionRoutesToError(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "flaky")
	var calls atomic.Int32
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		calls.Add(1)
		return failure.Retry("busy", failure.WithWait(0))
	}))
	opts.ErrorDestination = message.Queue("orders-errors")
	start(t, opts)

	got := receiveOne(t, b, "orders-errors")
	assert.Equal(t, "flaky", got.Body)
	// deliveries 1..3 are retried, the fourth exceeds the threshold
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, "4", got.Properties[message.PropDeliveryCount])
	assert.Contains(t, got.Properties[message.PropError], "busy")
	assert.NotContains(t, got.Properties, message.PropScheduledDelay)
}

func TestFailureOverridesRetryThreshold(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "once")
	var calls atomic.Int32
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		calls.Add(1)
		return failure.Retry("busy", failure.WithWait(0), failure.WithMaxRetries(1))
	}))
	opts.ErrorDestination = message.Queue("orders-errors")
	start(t, opts)

	receiveOne(t, b, "orders-errors")
	assert.Equal(t, int32(2), calls.Load())
}

func TestDropCommits(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "stale")
	m := metrics.New("test", nil)
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		return failure.Drop("stale")
	}))
	opts.ErrorDestination = message.Queue("orders-errors")
	opts.Metrics = m
	start(t, opts)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Messages.WithLabelValues(metrics.OutcomeDrop)) == 1
	}, waitFor, 20*time.Millisecond)
	assert.True(t, drained(t, b, "orders")())
	assert.Zero(t, stats(t, b, "orders-errors").Ready)
}

func TestUnrecognizedErrorForwardsAnnotatedMessage(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "payload")
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		return errors.New("boom")
	}))
	opts.ErrorDestination = message.Queue("orders-errors")
	start(t, opts)

	got := receiveOne(t, b, "orders-errors")
	assert.Equal(t, "payload", got.Body)
	assert.Equal(t, "boom", got.Properties[message.PropError])
	assert.NotEmpty(t, got.Properties[message.PropErrorStackTrace])
	require.Eventually(t, drained(t, b, "orders"), waitFor, 20*time.Millisecond)
}

func TestConvertSendsRecordToTopic(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "payload")
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		return failure.Error("bad payload",
			failure.WithShortDescription("invalid order"),
			failure.WithSourceSystem("billing"))
	}))
	opts.ErrorDestination = message.Topic("errors")
	opts.Convert = true
	start(t, opts)

	topic, err := b.Topic("errors")
	require.NoError(t, err)
	var entries []broker.Entry
	require.Eventually(t, func() bool {
		entries, _, err = topic.Read(0, 10)
		require.NoError(t, err)
		return len(entries) == 1
	}, waitFor, 20*time.Millisecond)

	got := entries[0].Message("errors")
	assert.Equal(t, ContentTypeJSON, got.Properties[message.PropContentType])
	assert.NotEmpty(t, got.Properties[message.PropOriginalID])
	var rec failure.Record
	require.NoError(t, json.Unmarshal([]byte(got.Body), &rec))
	assert.Equal(t, "invalid order", rec.ShortDescription)
	assert.Equal(t, "billing", rec.SourceSystem)
	assert.Equal(t, "bad payload", rec.Description)
	assert.NotEmpty(t, rec.Stack)
}

func TestNoErrorDestinationRollsBack(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "payload")

	var w *Worker
	handled := make(chan struct{})
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		w.Stop()
		close(handled)
		return errors.New("boom")
	}))
	w, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Run(context.Background()))
	<-handled

	assert.True(t, w.Stopped())
	s := stats(t, b, "orders")
	assert.Equal(t, 1, s.Ready)
	assert.Zero(t, s.Leased)
	got := receiveOne(t, b, "orders")
	assert.Equal(t, 2, got.Deliveries)
}

func TestPanicIsRoutedAsError(t *testing.T) {
	b := newBroker(t)
	enqueue(t, b, "payload")
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error {
		panic("nil order")
	}))
	opts.ErrorDestination = message.Queue("orders-errors")
	opts.Convert = true
	start(t, opts)

	got := receiveOne(t, b, "orders-errors")
	var rec failure.Record
	require.NoError(t, json.Unmarshal([]byte(got.Body), &rec))
	assert.Equal(t, "handler panic", rec.ShortDescription)
	assert.Contains(t, rec.Description, "nil order")
}

func TestStartFailureStops(t *testing.T) {
	b := newBroker(t)
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error { return nil }))
	opts.Endpoint.Password = "wrong"
	w, err := New(opts)
	require.NoError(t, err)

	err = w.Start(context.Background())
	assert.ErrorIs(t, err, broker.ErrUnauthorized)
	assert.True(t, w.Stopped())
	assert.ErrorIs(t, w.Run(context.Background()), ErrNotStarted)
}

func TestStopInterruptsReceive(t *testing.T) {
	b := newBroker(t)
	opts := baseOptions(b, HandlerFunc(func(context.Context, *message.Message) error { return nil }))
	opts.ReceiveTimeout = time.Minute
	w, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Stop")
	}
	assert.True(t, w.Stopped())
}

func TestRouterStripsSchedulingProperties(t *testing.T) {
	m := message.New("x")
	m.ID = "ID:1"
	require.NoError(t, m.SetProperty(message.PropScheduledDelay, "1000"))
	require.NoError(t, m.SetProperty(message.PropScheduledJobID, "job"))
	m.MarkReadOnly()

	r := errorRouter{dest: message.Queue("errors")}
	out, err := r.build(m, errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, out.ReadOnly())
	assert.Equal(t, message.Queue("errors"), out.Destination)
	assert.NotContains(t, out.Properties, message.PropScheduledDelay)
	assert.NotContains(t, out.Properties, message.PropScheduledJobID)
	// the received message is untouched
	assert.Equal(t, "1000", m.Properties[message.PropScheduledDelay])
}

// flakyTransport fails the first failReceives receives and counts every
// rollback and close.
type flakyTransport struct {
	receiveErr   error
	failReceives atomic.Int32

	rollbacks      atomic.Int32
	consumerCloses atomic.Int32
	sessionCloses  atomic.Int32
	connCloses     atomic.Int32
}

func (t *flakyTransport) Connect(context.Context, transport.Endpoint) (transport.Connection, error) {
	return flakyConn{t}, nil
}

type flakyConn struct{ t *flakyTransport }

func (c flakyConn) Session(context.Context) (transport.Session, error) { return flakySession{c.t}, nil }
func (c flakyConn) Depth(context.Context, string) (int, error)         { return 0, nil }
func (c flakyConn) Close() error {
	c.t.connCloses.Add(1)
	return nil
}

type flakySession struct{ t *flakyTransport }

func (s flakySession) Consumer(context.Context, string, string) (transport.Consumer, error) {
	return flakyConsumer{s.t}, nil
}
func (s flakySession) Send(context.Context, *message.Message) error { return nil }
func (s flakySession) Commit(context.Context) error                 { return nil }
func (s flakySession) Rollback(context.Context) error {
	s.t.rollbacks.Add(1)
	return nil
}
func (s flakySession) Close() error {
	s.t.sessionCloses.Add(1)
	return nil
}

type flakyConsumer struct{ t *flakyTransport }

func (c flakyConsumer) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	if c.t.failReceives.Add(-1) >= 0 {
		return nil, c.t.receiveErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}
func (c flakyConsumer) Close() error {
	c.t.consumerCloses.Add(1)
	return nil
}

func newFlakyTransport(failures int32) *flakyTransport {
	t := &flakyTransport{receiveErr: errors.New("connection reset")}
	t.failReceives.Store(failures)
	return t
}

func TestReceiveErrorStopsWorker(t *testing.T) {
	tr := newFlakyTransport(1)
	w, err := New(Options{
		Transport:      tr,
		Queue:          "orders",
		Handler:        HandlerFunc(func(context.Context, *message.Message) error { return nil }),
		ReceiveTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, tr.receiveErr)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after a receive error")
	}

	assert.True(t, w.Stopped())
	assert.Equal(t, int32(1), tr.rollbacks.Load())
	assert.Equal(t, int32(1), tr.consumerCloses.Load())
	assert.Equal(t, int32(1), tr.sessionCloses.Load())
	assert.Equal(t, int32(1), tr.connCloses.Load())
}

type idleQueue struct{}

func (idleQueue) Depth(context.Context) (int, error) { return 0, nil }

func TestPoolReplacesFailedWorker(t *testing.T) {
	tr := newFlakyTransport(1)
	var built []*Worker
	factory := func(ctx context.Context) (pool.Worker, error) {
		w, err := New(Options{
			Transport:      tr,
			Queue:          "orders",
			Handler:        HandlerFunc(func(context.Context, *message.Message) error { return nil }),
			ReceiveTimeout: 50 * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		built = append(built, w)
		return w, nil
	}
	c, err := pool.New(pool.Config{
		MessageThreshold: 10,
		RecheckPeriod:    pool.MinRecheckPeriod,
		MaxWorkers:       2,
		MaxSpawnFailures: 3,
		HeartbeatCycles:  2,
		ProbeAttempts:    1,
		ProbeBackoff:     time.Millisecond,
	}, factory, idleQueue{})
	require.NoError(t, err)
	defer c.Terminate()

	ctx := context.Background()
	require.NoError(t, c.Tick(ctx))
	require.Len(t, built, 1)
	require.Eventually(t, built[0].Stopped, waitFor, 5*time.Millisecond)

	// the failed worker is swept, then the empty pool is refilled
	require.NoError(t, c.Tick(ctx))
	assert.Equal(t, 0, c.Size())
	require.NoError(t, c.Tick(ctx))
	require.Len(t, built, 2)
	assert.Equal(t, []string{built[1].ID()}, c.Status().WorkerIDs)
	assert.Equal(t, Running, built[1].State())
	assert.Equal(t, int32(1), tr.rollbacks.Load())
}
