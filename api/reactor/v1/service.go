package reactorv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "reactor.v1.Broker"

// Full method names, used by interceptors.
const (
	MethodPing      = "/" + ServiceName + "/Ping"
	MethodHealth    = "/" + ServiceName + "/Health"
	MethodDepth     = "/" + ServiceName + "/Depth"
	MethodReceive   = "/" + ServiceName + "/Receive"
	MethodAck       = "/" + ServiceName + "/Ack"
	MethodRelease   = "/" + ServiceName + "/Release"
	MethodSend      = "/" + ServiceName + "/Send"
	MethodReadTopic = "/" + ServiceName + "/ReadTopic"
)

// BrokerServer is implemented by the broker gRPC service.
type BrokerServer interface {
	Ping(context.Context) error
	Health(context.Context) (HealthResponse, error)
	Depth(context.Context, DepthRequest) (DepthResponse, error)
	// Receive long-polls for up to req.Wait.
	Receive(context.Context, ReceiveRequest) (ReceiveResponse, error)
	Ack(context.Context, AckRequest) error
	Release(context.Context, AckRequest) error
	Send(context.Context, SendRequest) (SendResponse, error)
	ReadTopic(context.Context, ReadTopicRequest) (ReadTopicResponse, error)
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&BrokerServiceDesc, srv)
}

type structer interface{ Struct() *structpb.Struct }

// ok is the empty response of Ack and Release.
type ok struct{}

func (ok) Struct() *structpb.Struct { return &structpb.Struct{} }

func decodeNone(*structpb.Struct) (struct{}, error) { return struct{}{}, nil }

func unary[Req any, Resp structer](name string, decode func(*structpb.Struct) (Req, error), call func(BrokerServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				r, err := decode(req.(*structpb.Struct))
				if err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(BrokerServer), ctx, r)
				if err != nil {
					return nil, err
				}
				return resp.Struct(), nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
		},
	}
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, _ any) (any, error) {
		if err := srv.(BrokerServer).Ping(ctx); err != nil {
			return nil, err
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPing}, handler)
}

// BrokerServiceDesc describes the broker service for grpc.Server.
var BrokerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		unary("Health", decodeNone, func(s BrokerServer, ctx context.Context, _ struct{}) (HealthResponse, error) {
			return s.Health(ctx)
		}),
		unary("Depth", DecodeDepthRequest, BrokerServer.Depth),
		unary("Receive", DecodeReceiveRequest, BrokerServer.Receive),
		unary("Ack", DecodeAckRequest, func(s BrokerServer, ctx context.Context, r AckRequest) (ok, error) {
			return ok{}, s.Ack(ctx, r)
		}),
		unary("Release", DecodeAckRequest, func(s BrokerServer, ctx context.Context, r AckRequest) (ok, error) {
			return ok{}, s.Release(ctx, r)
		}),
		unary("Send", DecodeSendRequest, BrokerServer.Send),
		unary("ReadTopic", DecodeReadTopicRequest, BrokerServer.ReadTopic),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reactor/v1/broker",
}

// BrokerClient calls the broker service.
type BrokerClient struct {
	cc grpc.ClientConnInterface
}

// NewBrokerClient returns a client over cc.
func NewBrokerClient(cc grpc.ClientConnInterface) *BrokerClient {
	return &BrokerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req structer, decode func(*structpb.Struct) (Resp, error), opts []grpc.CallOption) (Resp, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, req.Struct(), out, opts...); err != nil {
		var zero Resp
		return zero, err
	}
	return decode(out)
}

func (c *BrokerClient) Ping(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, MethodPing, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

func (c *BrokerClient) Health(ctx context.Context, opts ...grpc.CallOption) (HealthResponse, error) {
	return invoke(ctx, c.cc, MethodHealth, ok{}, DecodeHealthResponse, opts)
}

func (c *BrokerClient) Depth(ctx context.Context, req DepthRequest, opts ...grpc.CallOption) (DepthResponse, error) {
	return invoke(ctx, c.cc, MethodDepth, req, DecodeDepthResponse, opts)
}

func (c *BrokerClient) Receive(ctx context.Context, req ReceiveRequest, opts ...grpc.CallOption) (ReceiveResponse, error) {
	return invoke(ctx, c.cc, MethodReceive, req, DecodeReceiveResponse, opts)
}

func (c *BrokerClient) Ack(ctx context.Context, req AckRequest, opts ...grpc.CallOption) error {
	_, err := invoke(ctx, c.cc, MethodAck, req, decodeNone, opts)
	return err
}

func (c *BrokerClient) Release(ctx context.Context, req AckRequest, opts ...grpc.CallOption) error {
	_, err := invoke(ctx, c.cc, MethodRelease, req, decodeNone, opts)
	return err
}

func (c *BrokerClient) Send(ctx context.Context, req SendRequest, opts ...grpc.CallOption) (SendResponse, error) {
	return invoke(ctx, c.cc, MethodSend, req, DecodeSendResponse, opts)
}

func (c *BrokerClient) ReadTopic(ctx context.Context, req ReadTopicRequest, opts ...grpc.CallOption) (ReadTopicResponse, error) {
	return invoke(ctx, c.cc, MethodReadTopic, req, DecodeReadTopicResponse, opts)
}
