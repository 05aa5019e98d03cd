package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server exposes the analyzer's gRPC health and reflection surface so
// orchestrators can probe session liveness. Readiness tracks the session
// lifecycle: serving while capturing and analyzing, not-serving otherwise.
type Server struct {
	logger     *slog.Logger
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer binds the probe listener on address.
func NewServer(logger *slog.Logger, address string) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	grpc_prometheus.Register(grpcServer)
	reflection.Register(grpcServer)

	return &Server{
		logger:     logger,
		grpcServer: grpcServer,
		health:     healthServer,
		listener:   listener,
	}, nil
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("probe server listening", slog.String("address", s.listener.Addr().String()))
	if err := s.grpcServer.Serve(s.listener); err != nil {
		return fmt.Errorf("probe server: %w", err)
	}
	return nil
}

// SetServing flips the health status reported to probes.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Shutdown drains in-flight RPCs, falling back to a hard stop when ctx
// expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, forcing shutdown")
		s.grpcServer.Stop()
	}
}

// Address reports the bound listener address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}
