package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
	"github.com/rzbill/reactor/pkg/log"
)

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// authenticate checks the credentials carried in metadata. Health is open.
func (s *Server) authenticate(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if info.FullMethod == reactorv1.MethodHealth {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	user := first(md, reactorv1.MetadataUsername)
	if err := s.rt.Broker().Authenticate(user, first(md, reactorv1.MetadataPassword)); err != nil {
		s.logger.Warn("rejected credentials", log.Str("user", user), log.Str(log.OperationKey, info.FullMethod))
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(ctx, req)
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil && status.Code(err) != codes.Canceled {
		s.logger.Debug("call failed",
			log.Str(log.OperationKey, info.FullMethod),
			log.Dur("elapsed", time.Since(start)),
			log.Err(err))
	}
	return resp, err
}
