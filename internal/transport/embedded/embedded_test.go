package embedded

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/message"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
	"github.com/rzbill/reactor/internal/transport"
)

func newBroker(t *testing.T, users map[string]string) *broker.Broker {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: "/reactor", InMemory: true})
	require.NoError(t, err)
	b := broker.New(db, broker.Options{Users: users})
	t.Cleanup(func() {
		b.Close()
		_ = db.Close()
	})
	return b
}

func send(t *testing.T, b *broker.Broker, queue, body string, props map[string]string) {
	t.Helper()
	m := message.New(body)
	m.Destination = message.Queue(queue)
	for k, v := range props {
		require.NoError(t, m.SetProperty(k, v))
	}
	_, err := b.Send(context.Background(), m)
	require.NoError(t, err)
}

func TestConnectAuthenticates(t *testing.T) {
	tr := New(newBroker(t, map[string]string{"app": "pw"}))
	_, err := tr.Connect(context.Background(), transport.Endpoint{Username: "app", Password: "bad"})
	assert.ErrorIs(t, err, broker.ErrUnauthorized)
	c, err := tr.Connect(context.Background(), transport.Endpoint{Username: "app", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestReceiveCommitRemovesMessage(t *testing.T) {
	b := newBroker(t, nil)
	send(t, b, "orders", "one", nil)
	ctx := context.Background()

	conn, err := New(b).Connect(ctx, transport.Endpoint{})
	require.NoError(t, err)
	defer conn.Close()
	n, err := conn.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := conn.Session(ctx)
	require.NoError(t, err)
	c, err := s.Consumer(ctx, "orders", "")
	require.NoError(t, err)
	m, err := c.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "one", m.Body)
	assert.True(t, m.ReadOnly())
	require.NoError(t, s.Commit(ctx))

	m, err = c.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRollbackRedelivers(t *testing.T) {
	b := newBroker(t, nil)
	send(t, b, "orders", "one", nil)
	ctx := context.Background()
	conn, err := New(b).Connect(ctx, transport.Endpoint{})
	require.NoError(t, err)
	s, err := conn.Session(ctx)
	require.NoError(t, err)
	c, err := s.Consumer(ctx, "orders", "")
	require.NoError(t, err)

	m, err := c.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.False(t, m.Redelivered())
	require.NoError(t, s.Rollback(ctx))

	m, err = c.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Redelivered())
}

func TestReceiveWakesOnSend(t *testing.T) {
	b := newBroker(t, nil)
	ctx := context.Background()
	be := NewBackend(b)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m := message.New("late")
		m.Destination = message.Queue("orders")
		_, _ = b.Send(ctx, m)
	}()
	m, _, err := be.Receive(ctx, "orders", "c1", "", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "late", m.Body)
}

func TestReceiveHonoursContext(t *testing.T) {
	be := NewBackend(newBroker(t, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := be.Receive(ctx, "orders", "c1", "", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveWithSelector(t *testing.T) {
	b := newBroker(t, nil)
	send(t, b, "orders", "us", map[string]string{"region": "us"})
	send(t, b, "orders", "eu", map[string]string{"region": "eu"})
	be := NewBackend(b)
	ctx := context.Background()

	m, _, err := be.Receive(ctx, "orders", "c1", `properties["region"] == "eu"`, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "eu", m.Body)

	_, _, err = be.Receive(ctx, "orders", "c1", `properties[`, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestDelayedMessageBecomesAvailable(t *testing.T) {
	b := newBroker(t, nil)
	send(t, b, "orders", "later", map[string]string{message.PropScheduledDelay: "50"})
	be := NewBackend(b)
	ctx := context.Background()

	n, err := be.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	m, _, err := be.Receive(ctx, "orders", "c1", "", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	_, ok := m.Property(message.PropScheduledJobID)
	assert.True(t, ok)
}
