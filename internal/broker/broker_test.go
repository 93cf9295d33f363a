package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rzbill/reactor/internal/message"
)

func newTestBroker(t *testing.T, users map[string]string) *Broker {
	t.Helper()
	b := New(openTestDB(t), Options{Users: users, LeaseTimeout: time.Minute})
	t.Cleanup(b.Close)
	return b
}

func TestAuthenticate(t *testing.T) {
	b := newTestBroker(t, map[string]string{"app": "secret"})
	if err := b.Authenticate("app", "secret"); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if err := b.Authenticate("app", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if err := newTestBroker(t, nil).Authenticate("anyone", ""); err != nil {
		t.Fatalf("anonymous broker rejected: %v", err)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	m := message.New(`{"type":"order"}`)
	m.Destination = message.Queue("orders")
	_ = m.SetProperty("tenant", "acme")
	id, err := b.Send(ctx, m)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got, seq, err := b.Receive(ctx, "orders", "c1", nil)
	if err != nil || got == nil {
		t.Fatalf("receive: %v", err)
	}
	if got.ID != id || got.Body != m.Body || got.Properties["tenant"] != "acme" {
		t.Fatalf("unexpected message %+v", got)
	}
	if !got.ReadOnly() || got.Deliveries != 1 || got.Redelivered() {
		t.Fatalf("received message flags wrong: %+v", got)
	}
	q, _ := b.Queue("orders")
	if err := q.Ack(ctx, seq); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestSendScheduledAssignsJobID(t *testing.T) {
	b := newTestBroker(t, nil)
	ctx := context.Background()
	m := message.New("later")
	m.Destination = message.Queue("jobs")
	_ = m.SetProperty(message.PropScheduledDelay, "3600000")
	if _, err := b.Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}
	q, _ := b.Queue("jobs")
	st, _ := q.Stats(ctx)
	if st.Ready != 0 || st.Scheduled != 1 {
		t.Fatalf("want scheduled message, got %+v", st)
	}
	d, _ := q.Dequeue(ctx, "c", 1000, time.Now().Add(2*time.Hour).UnixMilli(), nil)
	if d == nil || d.Properties[message.PropScheduledJobID] == "" {
		t.Fatalf("scheduled job id missing: %+v", d)
	}
}

func TestSendRejectsBadDelay(t *testing.T) {
	b := newTestBroker(t, nil)
	m := message.New("x")
	m.Destination = message.Queue("jobs")
	_ = m.SetProperty(message.PropScheduledDelay, "soon")
	if _, err := b.Send(context.Background(), m); !errors.Is(err, ErrInvalidProperty) {
		t.Fatalf("want ErrInvalidProperty for non-numeric delay, got %v", err)
	}
}

func TestSendToTopic(t *testing.T) {
	b := newTestBroker(t, nil)
	m := message.New("boom")
	m.Destination = message.Topic("errors")
	if _, err := b.Send(context.Background(), m); err != nil {
		t.Fatalf("send: %v", err)
	}
	tp, _ := b.Topic("errors")
	entries, _, err := tp.Read(0, 10)
	if err != nil || len(entries) != 1 || string(entries[0].Body) != "boom" {
		t.Fatalf("unexpected topic contents %+v err=%v", entries, err)
	}
}

func TestInvalidNames(t *testing.T) {
	b := newTestBroker(t, nil)
	for _, n := range []string{"", "a/b"} {
		if _, err := b.Queue(n); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("queue %q: want ErrInvalidName, got %v", n, err)
		}
	}
}
