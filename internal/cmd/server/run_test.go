package serverrun

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/izp1012/meloncity/internal/config"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

func TestConsumerOptionsFromConfig(t *testing.T) {
	sc := cfgpkg.Default().Stream
	sc.Instance = "node-a"
	o := ConsumerOptions(sc)
	if o.Group != "chat-group" || o.Consumer != "chat-consumer" || o.Instance != "node-a" || o.Batch != 10 {
		t.Fatalf("options = %+v", o)
	}
	if o.Block != 2*time.Second || o.ClaimMinIdle != time.Minute || o.SweepInterval != 30*time.Second {
		t.Fatalf("durations = %+v", o)
	}
	if o.MaxDeliveries != 5 {
		t.Fatalf("max deliveries = %d", o.MaxDeliveries)
	}
}

func TestPresenceChannelsFromConfig(t *testing.T) {
	pc := cfgpkg.Default().PubSub
	pc.UseUnified = true
	ch := PresenceChannels(pc)
	if ch.Join != "chat:join" || ch.Typing != "chat:typing" || ch.UnifiedChannel != "chatroom" || !ch.Unified {
		t.Fatalf("channels = %+v", ch)
	}
}

func TestRealtimeOptionsFromConfig(t *testing.T) {
	o := RealtimeOptions(cfgpkg.Default().Realtime)
	if o.SendBuffer != 128 || o.WriteWait != 10*time.Second || o.PongWait != time.Minute || o.MaxFrameBytes != 64<<10 {
		t.Fatalf("conn options = %+v", o)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Stream.Backend = "kafka"
	if err := Run(context.Background(), Options{Config: cfg, Logger: logpkg.NewNopLogger()}); err == nil {
		t.Fatalf("expected config error")
	}
}

// TestRunIntegration starts a node on ephemeral ports and lets the context
// expire.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Stream.Consumers = 2
	cfg.Stream.BlockMs = 50

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := Run(ctx, Options{Config: cfg, Logger: logpkg.NewNopLogger()}); err != nil {
		t.Fatalf("run: %v", err)
	}
}
