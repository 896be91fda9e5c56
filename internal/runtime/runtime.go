package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/izp1012/meloncity/internal/chat"
	cfgpkg "github.com/izp1012/meloncity/internal/config"
	"github.com/izp1012/meloncity/internal/namespace"
	"github.com/izp1012/meloncity/internal/pubsub"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/store/gormstore"
	"github.com/izp1012/meloncity/internal/store/kvstore"
	"github.com/izp1012/meloncity/internal/store/pgstore"
	"github.com/izp1012/meloncity/internal/stream"
	"github.com/izp1012/meloncity/internal/stream/pebblestream"
	"github.com/izp1012/meloncity/internal/stream/redisstream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Redis overrides the client built from Config.Redis.URL.
	Redis redis.UniversalClient
}

// Runtime owns the process-wide resources: the Pebble database under the
// data directory and, when a redis backend is selected, the Redis client.
type Runtime struct {
	db        *pebblestore.DB
	rdb       redis.UniversalClient
	ownsRedis bool
	config    cfgpkg.Config
	meta      namespace.Meta
	logger    logpkg.Logger
}

// FsyncMode maps the configured fsync policy onto the storage layer.
func FsyncMode(s string) pebblestore.FsyncMode {
	switch strings.ToLower(s) {
	case "interval":
		return pebblestore.FsyncModeInterval
	case "never":
		return pebblestore.FsyncModeNever
	}
	return pebblestore.FsyncModeAlways
}

// Open initializes storage and records the namespace.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       filepath.Join(cfg.DataDir, "store"),
		Fsync:         FsyncMode(cfg.Fsync),
		FsyncInterval: cfgpkg.Ms(cfg.FsyncMs),
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, logger: logger, rdb: opts.Redis}

	if rt.rdb == nil && (cfg.Stream.Backend == "redis" || cfg.PubSub.Backend == "redis") {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rt.rdb = redis.NewClient(ropts)
		rt.ownsRedis = true
	}

	want := namespace.Meta{
		Name:          cfg.Namespace,
		Stream:        cfg.Stream.Name,
		StreamBackend: cfg.Stream.Backend,
		StoreBackend:  cfg.Store.Backend,
	}
	meta, err := namespace.EnsureNamespace(db, want)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if drift := namespace.Drift(meta, want); len(drift) > 0 {
		logger.Warn("namespace.config_drift",
			logpkg.Str("namespace", cfg.Namespace),
			logpkg.Str("changes", strings.Join(drift, "; ")))
	}
	rt.meta = meta
	return rt, nil
}

// Close closes the Redis client (if owned) and the database.
func (r *Runtime) Close() error {
	var errs []error
	if r.rdb != nil && r.ownsRedis {
		errs = append(errs, r.rdb.Close())
		r.rdb = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth pings the database and Redis when one is in use.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := r.db.Ping(); err != nil {
		return err
	}
	if r.rdb != nil {
		if err := r.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// OpenStream opens the configured chat stream.
func (r *Runtime) OpenStream() (stream.Log, error) {
	sc := r.config.Stream
	logger := r.logger.With(logpkg.Component("stream"))
	switch sc.Backend {
	case "", "pebble":
		return pebblestream.Open(r.db, pebblestream.Options{
			Namespace: r.config.Namespace,
			Stream:    sc.Name,
			Retention: pebblestream.Retention{
				MaxAge:   cfgpkg.Ms(sc.RetentionMaxAgeMs),
				MaxBytes: sc.RetentionMaxBytes,
				Interval: time.Minute,
			},
			Logger: logger,
		})
	case "redis":
		if r.rdb == nil {
			return nil, errors.New("stream: redis backend without a redis client")
		}
		return redisstream.New(r.rdb, redisstream.Options{Stream: sc.Name, MaxLen: sc.MaxLen, Logger: logger}), nil
	}
	return nil, fmt.Errorf("stream: unknown backend %q", sc.Backend)
}

// OpenBus opens the configured presence bus.
func (r *Runtime) OpenBus() (pubsub.Bus, error) {
	logger := r.logger.With(logpkg.Component("pubsub"))
	switch r.config.PubSub.Backend {
	case "", "memory":
		return pubsub.NewMemoryBus(logger), nil
	case "redis":
		if r.rdb == nil {
			return nil, errors.New("pubsub: redis backend without a redis client")
		}
		return pubsub.NewRedisBus(r.rdb, logger), nil
	}
	return nil, fmt.Errorf("pubsub: unknown backend %q", r.config.PubSub.Backend)
}

// OpenStore opens the configured persistence backend.
func (r *Runtime) OpenStore(ctx context.Context) (store.Store, error) {
	sc := r.config.Store
	switch sc.Backend {
	case "", "pebble":
		return kvstore.Open(r.db, r.config.Namespace)
	case "sqlite":
		return gormstore.Open(sc.DSN, r.logger.With(logpkg.Component("store")))
	case "postgres":
		return pgstore.Connect(ctx, sc.DSN, sc.MaxConns)
	}
	return nil, fmt.Errorf("store: unknown backend %q", sc.Backend)
}

// Validator builds the message content validator from the chat settings.
func (r *Runtime) Validator() (*chat.Validator, error) {
	return chat.NewValidator(r.config.Chat.MaxContentLength, r.config.Chat.SpamPattern)
}

// Namespace returns the effective namespace record.
func (r *Runtime) Namespace() namespace.Meta { return r.meta }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Redis returns the shared client, or nil when no redis backend is in use.
func (r *Runtime) Redis() redis.UniversalClient { return r.rdb }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
