package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/runtime"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
)

const bufSize = 1 << 20

func startServer(t *testing.T) *reactorv1.BrokerClient {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir:      t.TempDir(),
		Fsync:        pebblestore.FsyncModeNever,
		Users:        map[string]string{"app": "secret"},
		LeaseTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	srv := New(rt)
	lis := bufconn.Listen(bufSize)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		srv.Close()
		_ = rt.Close()
	})
	return reactorv1.NewBrokerClient(conn)
}

func withCreds(ctx context.Context, user, pw string) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		reactorv1.MetadataUsername, user,
		reactorv1.MetadataPassword, pw)
}

func TestHealthOverGRPC(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if res.Status != "ok" {
		t.Fatalf("status %q", res.Status)
	}
}

func TestCredentialsRequired(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("ping without credentials: want Unauthenticated, got %v", err)
	}
	if err := c.Ping(withCreds(ctx, "app", "wrong")); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("ping with bad password: want Unauthenticated, got %v", err)
	}
	if err := c.Ping(withCreds(ctx, "app", "secret")); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSendReceiveAckOverGRPC(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = withCreds(ctx, "app", "secret")

	m := message.New(`{"type":"order"}`)
	m.Destination = message.Queue("orders")
	_ = m.SetProperty("region", "eu")
	sent, err := c.Send(ctx, reactorv1.SendRequest{Message: m})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ID == "" {
		t.Fatalf("missing id")
	}
	depth, err := c.Depth(ctx, reactorv1.DepthRequest{Queue: "orders"})
	if err != nil || depth.Depth != 1 {
		t.Fatalf("depth=%d err=%v", depth.Depth, err)
	}

	got, err := c.Receive(ctx, reactorv1.ReceiveRequest{Queue: "orders", Consumer: "c1", Selector: `properties["region"] == "eu"`, Wait: time.Second})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Message == nil || got.Message.ID != sent.ID || got.Message.Properties["region"] != "eu" {
		t.Fatalf("unexpected message %+v", got.Message)
	}
	if err := c.Ack(ctx, reactorv1.AckRequest{Queue: "orders", Seq: got.Seq}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := c.Ack(ctx, reactorv1.AckRequest{Queue: "orders", Seq: got.Seq}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("second ack: want FailedPrecondition, got %v", err)
	}

	empty, err := c.Receive(ctx, reactorv1.ReceiveRequest{Queue: "orders", Consumer: "c1", Wait: 10 * time.Millisecond})
	if err != nil || empty.Message != nil {
		t.Fatalf("expected empty receive, got %+v err=%v", empty.Message, err)
	}
}

func TestInvalidArguments(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctx = withCreds(ctx, "app", "secret")

	_, err := c.Receive(ctx, reactorv1.ReceiveRequest{Queue: "orders", Consumer: "c1", Selector: "properties[", Wait: time.Millisecond})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad selector: want InvalidArgument, got %v", err)
	}
	m := message.New("x")
	m.Destination = message.Queue("orders")
	_ = m.SetProperty(message.PropScheduledDelay, "later")
	if _, err := c.Send(ctx, reactorv1.SendRequest{Message: m}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad delay: want InvalidArgument, got %v", err)
	}
	if _, err := c.Depth(ctx, reactorv1.DepthRequest{Queue: "a/b"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad name: want InvalidArgument, got %v", err)
	}
}

func TestReadTopicOverGRPC(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctx = withCreds(ctx, "app", "secret")

	for _, body := range []string{"a", "b", "c"} {
		m := message.New(body)
		m.Destination = message.Topic("audit")
		if _, err := c.Send(ctx, reactorv1.SendRequest{Message: m}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	page, err := c.ReadTopic(ctx, reactorv1.ReadTopicRequest{Topic: "audit", Limit: 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Message.Body != "a" || page.Next != 3 {
		t.Fatalf("first page: %+v", page)
	}
	page, err = c.ReadTopic(ctx, reactorv1.ReadTopicRequest{Topic: "audit", From: page.Next})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Message.Body != "c" {
		t.Fatalf("second page: %+v", page)
	}
	if page.Entries[0].Message.Destination != message.Topic("audit") {
		t.Fatalf("destination %v", page.Entries[0].Message.Destination)
	}
}
