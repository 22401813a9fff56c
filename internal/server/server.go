// Package server exposes the batch coordinator's state as gRPC health.
package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/district-reconcile/internal/batch"
)

// ServiceName is the health service name reported for the coordinator.
const ServiceName = "reconcile.BatchCoordinator"

// StateSource reports the coordinator's lifecycle state.
type StateSource interface {
	State() batch.State
}

// Server is a gRPC server carrying the standard health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// New creates a server. Both the overall and the coordinator service start
// as SERVING.
func New(log *zap.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		log:    log.Named("grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// StatusFor maps a coordinator state to a health status.
func StatusFor(st batch.State) healthpb.HealthCheckResponse_ServingStatus {
	switch st {
	case batch.StateIdle, batch.StateRunning:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// Watch polls src every interval and publishes its state until ctx is done.
func (s *Server) Watch(ctx context.Context, src StateSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	for {
		if st := StatusFor(src.State()); st != last {
			s.health.SetServingStatus(ServiceName, st)
			s.log.Debug("Health status changed", zap.String("status", st.String()))
			last = st
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop marks every service NOT_SERVING and stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
