package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/izp1012/meloncity/internal/config"
	"github.com/izp1012/meloncity/internal/realtime"
	"github.com/izp1012/meloncity/internal/runtime"
	grpcserver "github.com/izp1012/meloncity/internal/server/grpc"
	httpserver "github.com/izp1012/meloncity/internal/server/http"
	"github.com/izp1012/meloncity/internal/server/http/controllers"
	consumersvc "github.com/izp1012/meloncity/internal/services/consumer"
	messagesvc "github.com/izp1012/meloncity/internal/services/messages"
	presencesvc "github.com/izp1012/meloncity/internal/services/presence"
	roomsvc "github.com/izp1012/meloncity/internal/services/rooms"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// ShutdownTimeout bounds how long consumers get to finish in-flight entries.
const ShutdownTimeout = 10 * time.Second

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// ConsumerOptions maps the stream settings onto processor options.
func ConsumerOptions(sc cfgpkg.StreamConfig) consumersvc.Options {
	return consumersvc.Options{
		Group:         sc.Group,
		Consumer:      sc.ConsumerPrefix,
		Instance:      sc.Instance,
		Batch:         sc.Batch,
		Block:         cfgpkg.Ms(sc.BlockMs),
		MaxDeliveries: sc.MaxDeliveries,
		ClaimMinIdle:  cfgpkg.Ms(sc.ClaimMinIdleMs),
		SweepInterval: cfgpkg.Ms(sc.SweepIntervalMs),
	}
}

// PresenceChannels maps the pub/sub settings onto presence channels.
func PresenceChannels(pc cfgpkg.PubSubConfig) presencesvc.Channels {
	return presencesvc.Channels{
		Join:           pc.Join,
		Leave:          pc.Leave,
		Notification:   pc.Notification,
		Typing:         pc.Typing,
		UnifiedChannel: pc.Unified,
		Unified:        pc.UseUnified,
	}
}

// RealtimeOptions maps the websocket settings onto connection options.
func RealtimeOptions(rc cfgpkg.RealtimeConfig) realtime.ConnOptions {
	return realtime.ConnOptions{
		SendBuffer:    rc.SendBuffer,
		WriteWait:     cfgpkg.Ms(rc.WriteWaitMs),
		PongWait:      cfgpkg.Ms(rc.PongWaitMs),
		MaxFrameBytes: rc.MaxFrameBytes,
	}
}

// Run starts the chat node and blocks until ctx is cancelled or a signal
// arrives, then shuts down in dependency order.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	procLogger := opts.Logger
	if procLogger == nil {
		l, err := logpkg.ApplyConfig(&cfg.Log)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		procLogger = l
		// Redirect stdlib logs (gorm, grpc) to our logger
		defer logpkg.RedirectStdLog(procLogger)()
	}
	component := func(name string) logpkg.Logger { return procLogger.With(logpkg.Component(name)) }

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: component("runtime")})
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg = rt.Config()

	validator, err := rt.Validator()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	st, err := rt.OpenStore(sctx)
	if err != nil {
		return err
	}
	defer st.Close()
	log, err := rt.OpenStream()
	if err != nil {
		return err
	}
	defer log.Close()
	bus, err := rt.OpenBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	procLogger.Info("Starting meloncity server",
		logpkg.Str("http", cfg.HTTP.Addr),
		logpkg.Str("grpc", cfg.GRPC.Addr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("namespace", cfg.Namespace),
		logpkg.Str("stream", cfg.Stream.Backend+"/"+cfg.Stream.Name),
		logpkg.Str("pubsub", cfg.PubSub.Backend),
		logpkg.Str("store", cfg.Store.Backend),
		logpkg.Int("consumers", cfg.Stream.Consumers),
	)

	hub := realtime.NewHub(component("realtime"))
	presence := presencesvc.NewWithLogger(bus, hub, PresenceChannels(cfg.PubSub), component("presence"))
	if err := presence.Start(sctx); err != nil {
		hub.Close()
		return fmt.Errorf("presence: %w", err)
	}
	rooms := roomsvc.NewWithLogger(st, presence, component("rooms")).WithSessions(hub)
	msgs := messagesvc.NewWithLogger(st, log, messagesvc.Options{
		Validator:   validator,
		PageSize:    cfg.Chat.HistoryPageSize,
		MaxPageSize: cfg.Chat.MaxHistoryPageSize,
	}, component("messages"))

	group := consumersvc.NewGroupWithLogger(log, st, hub, ConsumerOptions(cfg.Stream), cfg.Stream.Consumers, component("consumer"))
	if err := group.Start(sctx); err != nil {
		hub.Close()
		_ = presence.Stop()
		return fmt.Errorf("consumers: %w", err)
	}

	dispatcher := realtime.NewDispatcher(hub, rooms, msgs, presence, component("session"))
	hsrv := httpserver.New(controllers.Deps{
		Rooms:          rooms,
		Messages:       msgs,
		Stream:         log,
		Group:          cfg.Stream.Group,
		Consumers:      group,
		Dispatcher:     dispatcher,
		Conn:           RealtimeOptions(cfg.Realtime),
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		Health:         []controllers.HealthCheck{rt.CheckHealth, st.Ping},
		Logger:         procLogger,
	})
	gsrv := grpcserver.New(grpcserver.Checks{
		Storage: func(ctx context.Context) error {
			return errors.Join(rt.CheckHealth(ctx), st.Ping(ctx))
		},
		Consumers: group.Healthy,
	}, procLogger)

	var wg sync.WaitGroup
	serve := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && sctx.Err() == nil {
				procLogger.Error(name+" server failed", logpkg.Err(err))
				stop()
			}
		}()
	}
	serve("grpc", func() error { return gsrv.ListenAndServe(sctx, cfg.GRPC.Addr) })
	serve("http", func() error { return hsrv.ListenAndServe(sctx, cfg.HTTP.Addr) })

	<-sctx.Done()
	procLogger.Info("Shutting down meloncity server")
	// intake stops before the consumers drain
	hsrv.Close()
	hub.Close()
	gsrv.Close()
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := group.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumers: %w", err))
	}
	if err := presence.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop presence: %w", err))
	}
	if err := group.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
