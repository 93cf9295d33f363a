package grpcserver

import (
	"context"

	reactorv1 "github.com/rzbill/reactor/api/reactor/v1"
)

func (b *brokerSvc) Health(ctx context.Context) (reactorv1.HealthResponse, error) {
	if err := b.rt.CheckHealth(ctx); err != nil {
		return reactorv1.HealthResponse{Status: "not_serving"}, nil
	}
	return reactorv1.HealthResponse{Status: "ok"}, nil
}

// Ping lets clients validate credentials on connect.
func (b *brokerSvc) Ping(context.Context) error { return nil }
