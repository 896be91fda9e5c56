package grpcserver

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// ConsumerService is the health service name tracking the stream consumers.
const ConsumerService = "meloncity.consumer"

// DefaultCheckInterval is how often statuses are re-evaluated while serving.
const DefaultCheckInterval = 5 * time.Second

// Checks feed the health registry. Storage drives the overall status;
// Consumers, when set, drives ConsumerService.
type Checks struct {
	Storage   func(ctx context.Context) error
	Consumers func() bool
	Interval  time.Duration
}

// Refresh evaluates the checks once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	if s.checks.Storage != nil {
		cctx, cancel := context.WithTimeout(ctx, s.checks.Interval)
		err := s.checks.Storage(cctx)
		cancel()
		if err != nil {
			s.logger.Warn("health.storage_failed", logpkg.Err(err))
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", overall)

	if s.checks.Consumers == nil {
		return
	}
	consumers := healthpb.HealthCheckResponse_SERVING
	if overall != healthpb.HealthCheckResponse_SERVING || !s.checks.Consumers() {
		consumers = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ConsumerService, consumers)
}
