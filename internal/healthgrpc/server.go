package healthgrpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/broker/internal/logging"
)

// SubsystemChecker reports whether a named broker subsystem (store,
// protocol, session, router) is serving.
type SubsystemChecker interface {
	Healthy(ctx context.Context) bool
}

// Server wraps a grpc.Server registering the standard health service plus
// one watchable service name per broker subsystem.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     logging.Logger
}

// NewServer constructs a Server behind the standard interceptor chain.
func NewServer(logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	opts := ServerOptions(logger)
	grpcServer := grpc.NewServer(opts...)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Server{grpcServer: grpcServer, health: healthSrv, logger: logger}
}

// SetServingStatus updates the health status for a named subsystem
// ("", "store", "protocol", "session", "router" — empty is the overall
// server status watched by generic liveness probes).
func (s *Server) SetServingStatus(service string, healthy bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Serve listens on addr and blocks until the listener errors or the server
// stops.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("healthgrpc_listening", "addr", addr)
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight RPCs and stops the server.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
