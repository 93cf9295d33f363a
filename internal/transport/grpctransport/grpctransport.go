// Package grpctransport connects the consumer runtime to a remote reactor
// broker over gRPC.
package grpctransport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/transport"
)

// Scheme is the endpoint URL scheme served by this transport.
const Scheme = "grpc://"

// Transport dials a broker per connection.
type Transport struct {
	opts []grpc.DialOption
}

// New returns a transport. opts are appended after the defaults (insecure
// credentials), so callers may override them.
func New(opts ...grpc.DialOption) *Transport {
	return &Transport{opts: opts}
}

// Target strips the grpc:// scheme from an endpoint URL. What follows is
// passed to grpc.NewClient unchanged, so resolver schemes such as
// grpc://passthrough:///host:port also work.
func Target(url string) (string, error) {
	target, ok := strings.CutPrefix(url, Scheme)
	if !ok && strings.Contains(url, "://") {
		return "", fmt.Errorf("grpctransport: unsupported endpoint %q", url)
	}
	if target == "" {
		return "", fmt.Errorf("grpctransport: empty endpoint %q", url)
	}
	return target, nil
}

type credentials struct {
	user, password string
}

func (c credentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{
		reactorv1.MetadataUsername: c.user,
		reactorv1.MetadataPassword: c.password,
	}, nil
}

func (credentials) RequireTransportSecurity() bool { return false }

// Dial opens a client connection carrying ep's credentials without
// validating them.
func (t *Transport) Dial(ep transport.Endpoint) (*grpc.ClientConn, error) {
	target, err := Target(ep.URL)
	if err != nil {
		return nil, err
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(credentials{user: ep.Username, password: ep.Password}),
	}, t.opts...)
	return grpc.NewClient(target, opts...)
}

// Connect dials ep and pings the broker to validate the credentials.
func (t *Transport) Connect(ctx context.Context, ep transport.Endpoint) (transport.Connection, error) {
	cc, err := t.Dial(ep)
	if err != nil {
		return nil, err
	}
	cli := reactorv1.NewBrokerClient(cc)
	if err := cli.Ping(ctx); err != nil {
		_ = cc.Close()
		return nil, fromStatus(ctx, err)
	}
	return transport.NewConnection(&backend{cc: cc, cli: cli}), nil
}

// fromStatus maps gRPC status errors back to the errors the embedded
// transport would return.
func fromStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", broker.ErrUnauthorized, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", broker.ErrNotLeased, st.Message())
	default:
		return err
	}
}

type backend struct {
	cc  *grpc.ClientConn
	cli *reactorv1.BrokerClient
}

func (b *backend) Receive(ctx context.Context, queue, consumer, selector string, wait time.Duration) (*message.Message, uint64, error) {
	resp, err := b.cli.Receive(ctx, reactorv1.ReceiveRequest{
		Queue:    queue,
		Consumer: consumer,
		Selector: selector,
		Wait:     wait,
	})
	if err != nil {
		return nil, 0, fromStatus(ctx, err)
	}
	return resp.Message, resp.Seq, nil
}

func (b *backend) Ack(ctx context.Context, queue string, seq uint64) error {
	return fromStatus(ctx, b.cli.Ack(ctx, reactorv1.AckRequest{Queue: queue, Seq: seq}))
}

func (b *backend) Release(ctx context.Context, queue string, seq uint64) error {
	return fromStatus(ctx, b.cli.Release(ctx, reactorv1.AckRequest{Queue: queue, Seq: seq}))
}

func (b *backend) Send(ctx context.Context, m *message.Message) (string, error) {
	resp, err := b.cli.Send(ctx, reactorv1.SendRequest{Message: m})
	if err != nil {
		return "", fromStatus(ctx, err)
	}
	return resp.ID, nil
}

func (b *backend) Depth(ctx context.Context, queue string) (int, error) {
	resp, err := b.cli.Depth(ctx, reactorv1.DepthRequest{Queue: queue})
	if err != nil {
		return 0, fromStatus(ctx, err)
	}
	return resp.Depth, nil
}

func (b *backend) Close() error { return b.cc.Close() }
