package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ndnstream/backend/internal/observability"
)

func healthClient(t *testing.T, addr string) grpc_health_v1.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return grpc_health_v1.NewHealthClient(conn)
}

func TestHealthServer_MapsCheckerStatus(t *testing.T) {
	checker := observability.NewHealthChecker("test")
	var streamState atomic.Value
	streamState.Store(observability.HealthStatusOK)
	checker.RegisterCheck("stream", func(context.Context) observability.ComponentHealth {
		return observability.ComponentHealth{Status: streamState.Load().(observability.HealthStatus)}
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewGRPCServer(checker)
	go s.Serve(l)
	defer s.Stop()

	client := healthClient(t, l.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	streamState.Store(observability.HealthStatusDegraded)
	resp, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "stream"})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus(), "degraded stays in rotation")

	streamState.Store(observability.HealthStatusUnhealthy)
	resp, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	_, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "nope"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestStartAPIServers_ServesBothListeners(t *testing.T) {
	f := newFixture(t, "")
	servers, err := StartAPIServers(APIConfig{
		GRPCAddress: "127.0.0.1:0",
		RESTAddress: "127.0.0.1:0",
		Health:      observability.NewHealthChecker("test"),
	}, f.api)
	require.NoError(t, err)

	resp, err := http.Get("http://" + servers.RESTAddr.String() + "/api/v1/streams")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hr, err := healthClient(t, servers.GRPCAddr.String()).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, hr.GetStatus())

	require.NoError(t, servers.Shutdown(ctx))
	_, err = http.Get("http://" + servers.RESTAddr.String() + "/api/v1/streams")
	assert.Error(t, err, "the REST listener is closed after Shutdown")
}
