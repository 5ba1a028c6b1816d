// Package healthcheck exposes the standard gRPC health service so process
// supervisors can probe whether the UDP listener is up.
package healthcheck

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/vitals.report/internal/monitoring"
)

// IngestService is the service name reported for the ingestion listener.
// The empty name reports overall process health.
const IngestService = "vitals.ingest"

// Server wraps a grpc.Server carrying only the health service.
type Server struct {
	health *health.Server
	grpc   *grpc.Server
}

// NewServer returns a server whose services start as NOT_SERVING.
func NewServer() *Server {
	s := &Server{
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
	}
	s.SetServing(false)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetServing updates both the ingest service and the overall status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(IngestService, status)
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve answers health probes on lis until ctx is cancelled, then marks
// every service NOT_SERVING and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[health] gRPC health service listening on %s", lis.Addr())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		monitoring.Logf("[health] gRPC health service stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	}
}
