// Package grpcapi implements the gRPC API server for gpunetd. It serves
// the standard gRPC health service, reporting the packet I/O manager and
// its RX and TX paths.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names. The empty name is the overall server status.
const (
	ServiceRx = "gpunet.rx"
	ServiceTx = "gpunet.tx"
)

// Manager is the part of the packet I/O manager the health service
// watches.
type Manager interface {
	Running() bool
	Done() <-chan struct{}
}

// Server is the gRPC API server.
type Server struct {
	addr   string
	mgr    Manager
	health *health.Server
}

// NewServer creates a new gRPC server.
func NewServer(addr string, mgr Manager) *Server {
	return &Server{
		addr:   addr,
		mgr:    mgr,
		health: health.NewServer(),
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	s.setStatus()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	var done <-chan struct{}
	if s.mgr != nil {
		done = s.mgr.Done()
	}
loop:
	for {
		select {
		case err := <-errCh:
			return err
		case <-done:
			slog.Info("packet I/O manager stopped, reporting NOT_SERVING")
			s.health.Shutdown()
			done = nil
		case <-ctx.Done():
			break loop
		}
	}

	s.health.Shutdown()
	srv.GracefulStop()
	return nil
}

func (s *Server) setStatus() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.mgr != nil && s.mgr.Running() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	for _, svc := range []string{"", ServiceRx, ServiceTx} {
		s.health.SetServingStatus(svc, st)
	}
}
