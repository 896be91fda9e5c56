package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Server owns the gRPC server instance and the health registry.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	checks Checks
	lis    net.Listener
	logger logpkg.Logger
}

// New constructs a gRPC server with the standard health service registered.
func New(checks Checks, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if checks.Interval <= 0 {
		checks.Interval = DefaultCheckInterval
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		checks: checks,
		logger: logger.With(logpkg.Component("grpc")),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Refresh(context.Background())
	return s
}

// ListenAndServe binds to addr and serves until ctx is done, refreshing
// health statuses on the check interval.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc.listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	t := time.NewTicker(s.checks.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
