package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ndnstream/backend/internal/observability"
)

// NewGRPCServer returns a gRPC server carrying grpc.health.v1.Health backed
// by checker.
func NewGRPCServer(checker *observability.HealthChecker) *grpc.Server {
	s := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s, NewHealthServer(checker))
	return s
}

// HealthServer answers gRPC health checks from the daemon's HealthChecker.
// The empty service name is the whole daemon; any other name selects one
// registered check.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	checker *observability.HealthChecker
}

func NewHealthServer(checker *observability.HealthChecker) *HealthServer {
	if checker == nil {
		checker = observability.NewHealthChecker("")
	}
	return &HealthServer{checker: checker}
}

func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	resp := h.checker.Check(ctx)
	st := resp.Status
	if svc := req.GetService(); svc != "" {
		c, ok := resp.Checks[svc]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
		}
		st = c.Status
	}
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus(st)}, nil
}

// servingStatus keeps a degraded daemon in rotation.
func servingStatus(s observability.HealthStatus) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s == observability.HealthStatusUnhealthy {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}
