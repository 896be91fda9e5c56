package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.grpc.Serve(lis) }()
	t.Cleanup(s.Close)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return res.GetStatus()
}

func TestHealthOverGRPC(t *testing.T) {
	var storageDown, consumersUp atomic.Bool
	consumersUp.Store(true)
	storage := func(context.Context) error {
		if storageDown.Load() {
			return errors.New("db closed")
		}
		return nil
	}
	s := New(Checks{Storage: storage, Consumers: consumersUp.Load}, nil)
	c := dial(t, s)

	if got := check(t, c, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall = %v", got)
	}
	if got := check(t, c, ConsumerService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("consumer = %v", got)
	}

	consumersUp.Store(false)
	s.Refresh(context.Background())
	if got := check(t, c, ConsumerService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("consumer after stop = %v", got)
	}

	storageDown.Store(true)
	consumersUp.Store(true)
	s.Refresh(context.Background())
	if got := check(t, c, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall with storage down = %v", got)
	}
	if got := check(t, c, ConsumerService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("consumer with storage down = %v", got)
	}
}

func TestUnknownServiceWithoutConsumers(t *testing.T) {
	c := dial(t, New(Checks{}, nil))
	if got := check(t, c, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall = %v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: ConsumerService})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("consumer check without consumers = %v", err)
	}
}
