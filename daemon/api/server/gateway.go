// Package server exposes the daemon's streams, fetches, sessions and events
// over a JSON HTTP API, and its health over gRPC.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ndnstream/backend/internal/observability"
)

// AuthTokenEnv names the variable holding the optional API token.
const AuthTokenEnv = "NDNSTREAM_AUTH_TOKEN"

// NewGateway returns a gateway mux carrying the REST routes. Errors are
// rendered by JSONErrorHandler.
func NewGateway(impl *DaemonAPIServer) (*runtime.ServeMux, error) {
	gw := runtime.NewServeMux(runtime.WithErrorHandler(JSONErrorHandler))
	if err := impl.RegisterGateway(gw); err != nil {
		return nil, err
	}
	return gw, nil
}

// Handler returns the API routes, guarded by X-Auth-Token when authToken is
// set.
func Handler(impl *DaemonAPIServer, authToken string) (http.Handler, error) {
	gw, err := NewGateway(impl)
	if err != nil {
		return nil, err
	}
	if authToken == "" {
		return gw, nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != authToken {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", errUnauthorized.Error())
			return
		}
		gw.ServeHTTP(w, r)
	}), nil
}

// APIConfig places the two listeners.
type APIConfig struct {
	// GRPCAddress serves grpc.health.v1.Health.
	GRPCAddress string
	// RESTAddress serves the JSON API.
	RESTAddress string
	AuthToken   string
	Health      *observability.HealthChecker
	Logger      *observability.Logger
}

// APIServers is the running pair of listeners.
type APIServers struct {
	GRPCAddr net.Addr
	RESTAddr net.Addr

	grpc *grpc.Server
	rest *http.Server
}

// StartAPIServers starts the gRPC health server and the REST gateway. It
// returns once both listeners are bound.
func StartAPIServers(cfg APIConfig, impl *DaemonAPIServer) (*APIServers, error) {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	log := cfg.Logger.WithComponent("api")

	handler, err := Handler(impl, cfg.AuthToken)
	if err != nil {
		return nil, err
	}

	gl, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, err
	}
	rl, err := net.Listen("tcp", cfg.RESTAddress)
	if err != nil {
		_ = gl.Close()
		return nil, err
	}

	s := &APIServers{
		GRPCAddr: gl.Addr(),
		RESTAddr: rl.Addr(),
		grpc:     NewGRPCServer(cfg.Health),
		rest: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	go func() {
		if err := s.grpc.Serve(gl); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(err, "gRPC server stopped")
		}
	}()
	go func() {
		if err := s.rest.Serve(rl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "REST server stopped")
		}
	}()
	return s, nil
}

// Shutdown drains both servers, cutting the gRPC side off when ctx ends.
func (s *APIServers) Shutdown(ctx context.Context) error {
	err := s.rest.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// JSONErrorHandler converts gateway errors to the JSONError model.
func JSONErrorHandler(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, err error) {
	st, ok := status.FromError(err)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	writeJSONError(w, runtime.HTTPStatusFromCode(st.Code()), codeToString(st.Code()), st.Message())
}

func codeToString(c codes.Code) string {
	switch c {
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.Unimplemented:
		return "UNIMPLEMENTED"
	case codes.Unavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
