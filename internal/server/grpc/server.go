package grpcserver

import (
	"context"
	"net"

	"google.golang.org/grpc"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/internal/runtime"
	"github.com/rzbill/reactor/internal/transport/embedded"
	"github.com/rzbill/reactor/pkg/log"
)

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	logger log.Logger
	grpc   *grpc.Server
	lis    net.Listener
}

// New constructs a gRPC server, installs the credential check and registers
// the broker service.
func New(rt *runtime.Runtime, opts ...grpc.ServerOption) *Server {
	s := &Server{rt: rt, logger: rt.Logger().WithComponent("grpc")}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logCalls, s.authenticate))
	s.grpc = grpc.NewServer(opts...)
	reactorv1.RegisterBrokerServer(s.grpc, &brokerSvc{
		rt:      rt,
		backend: embedded.NewBackend(rt.Broker()),
	})
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("grpc listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
