package grpcserver

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/runtime"
	"github.com/rzbill/reactor/internal/transport/embedded"
)

// MaxReceiveWait bounds a single long poll.
const MaxReceiveWait = 30 * time.Second

type brokerSvc struct {
	rt      *runtime.Runtime
	backend *embedded.Backend
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, broker.ErrInvalidName),
		errors.Is(err, broker.ErrInvalidProperty),
		errors.Is(err, embedded.ErrInvalidSelector):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, broker.ErrNotLeased):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (b *brokerSvc) Depth(ctx context.Context, req reactorv1.DepthRequest) (reactorv1.DepthResponse, error) {
	n, err := b.backend.Depth(ctx, req.Queue)
	return reactorv1.DepthResponse{Depth: n}, toStatus(err)
}

func (b *brokerSvc) Receive(ctx context.Context, req reactorv1.ReceiveRequest) (reactorv1.ReceiveResponse, error) {
	if req.Consumer == "" {
		return reactorv1.ReceiveResponse{}, status.Error(codes.InvalidArgument, "consumer is required")
	}
	wait := min(max(req.Wait, 0), MaxReceiveWait)
	m, seq, err := b.backend.Receive(ctx, req.Queue, req.Consumer, req.Selector, wait)
	if err != nil {
		return reactorv1.ReceiveResponse{}, toStatus(err)
	}
	return reactorv1.ReceiveResponse{Message: m, Seq: seq}, nil
}

func (b *brokerSvc) Ack(ctx context.Context, req reactorv1.AckRequest) error {
	return toStatus(b.backend.Ack(ctx, req.Queue, req.Seq))
}

func (b *brokerSvc) Release(ctx context.Context, req reactorv1.AckRequest) error {
	return toStatus(b.backend.Release(ctx, req.Queue, req.Seq))
}

func (b *brokerSvc) Send(ctx context.Context, req reactorv1.SendRequest) (reactorv1.SendResponse, error) {
	if req.Message.Destination.IsZero() {
		return reactorv1.SendResponse{}, status.Error(codes.InvalidArgument, "message has no destination")
	}
	id, err := b.backend.Send(ctx, req.Message)
	return reactorv1.SendResponse{ID: id}, toStatus(err)
}

func (b *brokerSvc) ReadTopic(_ context.Context, req reactorv1.ReadTopicRequest) (reactorv1.ReadTopicResponse, error) {
	t, err := b.rt.Broker().Topic(req.Topic)
	if err != nil {
		return reactorv1.ReadTopicResponse{}, toStatus(err)
	}
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	entries, next, err := t.Read(req.From, limit)
	if err != nil {
		return reactorv1.ReadTopicResponse{}, toStatus(err)
	}
	out := reactorv1.ReadTopicResponse{Next: next}
	for _, e := range entries {
		out.Entries = append(out.Entries, reactorv1.TopicEntry{Seq: e.Seq, Message: e.Message(req.Topic)})
	}
	return out, nil
}
