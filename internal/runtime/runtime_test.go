package runtime

import (
	"context"
	"testing"

	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/metrics"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
)

func TestOpenCloseHealth(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("health after close should fail")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBrokerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Metrics: metrics.New("test", nil)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m := message.New("hello")
	m.Destination = message.Queue("orders")
	if _, err := rt.Broker().Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = rt.Close()

	rt, err = Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	q, err := rt.Broker().Queue("orders")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	n, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if n != 1 {
		t.Fatalf("want depth 1 after reopen, got %d", n)
	}
}
