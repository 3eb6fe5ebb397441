// Package grpcserver exposes the standard gRPC health service for the
// realtime layer.
package grpcserver

import (
	"net"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pairchat/internal/observability"
)

// ServiceName is the health service key probes ask about.
const ServiceName = "pairchat.realtime"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger logrus.FieldLogger
}

// New builds a server that reports NOT_SERVING until SetServing(true).
func New(logger logrus.FieldLogger) *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: srv, health: hs, logger: logger.WithField("component", "grpc")}
}

func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.WithField("addr", lis.Addr().String()).Info("grpc server listening")
	return s.grpc.Serve(lis)
}

// Stop flips health to NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
