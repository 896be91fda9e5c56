package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir   string         `json:"dataDir" yaml:"dataDir"`
	Fsync     string         `json:"fsync" yaml:"fsync"` // always | interval | never
	FsyncMs   int            `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`
	Namespace string         `json:"namespace" yaml:"namespace"`
	Log       logpkg.Config  `json:"log" yaml:"log"`
	HTTP      HTTPConfig     `json:"http" yaml:"http"`
	GRPC      GRPCConfig     `json:"grpc" yaml:"grpc"`
	Stream    StreamConfig   `json:"stream" yaml:"stream"`
	PubSub    PubSubConfig   `json:"pubsub" yaml:"pubsub"`
	Store     StoreConfig    `json:"store" yaml:"store"`
	Redis     RedisConfig    `json:"redis" yaml:"redis"`
	Chat      ChatConfig     `json:"chat" yaml:"chat"`
	Realtime  RealtimeConfig `json:"realtime" yaml:"realtime"`
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type GRPCConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// StreamConfig selects and tunes the durable chat stream.
type StreamConfig struct {
	Backend           string `json:"backend" yaml:"backend"` // pebble | redis
	Name              string `json:"name" yaml:"name"`
	Group             string `json:"group" yaml:"group"`
	ConsumerPrefix    string `json:"consumerPrefix" yaml:"consumerPrefix"`
	Instance          string `json:"instance" yaml:"instance"` // defaults to the hostname
	Consumers         int    `json:"consumers" yaml:"consumers"`
	Batch             int    `json:"batch" yaml:"batch"`
	BlockMs           int    `json:"blockMs" yaml:"blockMs"`
	MaxDeliveries     int64  `json:"maxDeliveries" yaml:"maxDeliveries"`
	ClaimMinIdleMs    int    `json:"claimMinIdleMs" yaml:"claimMinIdleMs"`
	SweepIntervalMs   int    `json:"sweepIntervalMs" yaml:"sweepIntervalMs"`
	MaxLen            int64  `json:"maxLen" yaml:"maxLen"`
	RetentionMaxAgeMs int64  `json:"retentionMaxAgeMs" yaml:"retentionMaxAgeMs"`
	RetentionMaxBytes int64  `json:"retentionMaxBytes" yaml:"retentionMaxBytes"`
}

// PubSubConfig selects the ephemeral event bus and its channel names.
type PubSubConfig struct {
	Backend      string `json:"backend" yaml:"backend"` // memory | redis
	Join         string `json:"join" yaml:"join"`
	Leave        string `json:"leave" yaml:"leave"`
	Notification string `json:"notification" yaml:"notification"`
	Typing       string `json:"typing" yaml:"typing"`
	Unified      string `json:"unified" yaml:"unified"`
	UseUnified   bool   `json:"useUnified" yaml:"useUnified"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend  string `json:"backend" yaml:"backend"` // pebble | sqlite | postgres
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"maxConns" yaml:"maxConns"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// ChatConfig holds message validation and paging limits.
type ChatConfig struct {
	MaxContentLength   int    `json:"maxContentLength" yaml:"maxContentLength"`
	SpamPattern        string `json:"spamPattern" yaml:"spamPattern"`
	HistoryPageSize    int    `json:"historyPageSize" yaml:"historyPageSize"`
	MaxHistoryPageSize int    `json:"maxHistoryPageSize" yaml:"maxHistoryPageSize"`
}

// RealtimeConfig tunes websocket sessions.
type RealtimeConfig struct {
	SendBuffer     int      `json:"sendBuffer" yaml:"sendBuffer"`
	WriteWaitMs    int      `json:"writeWaitMs" yaml:"writeWaitMs"`
	PongWaitMs     int      `json:"pongWaitMs" yaml:"pongWaitMs"`
	MaxFrameBytes  int64    `json:"maxFrameBytes" yaml:"maxFrameBytes"`
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Fsync:     "always",
		FsyncMs:   5,
		Namespace: "default",
		Log:       logpkg.Config{Level: "info", Format: "text"},
		HTTP:      HTTPConfig{Addr: ":8080"},
		GRPC:      GRPCConfig{Addr: ":9090"},
		Stream: StreamConfig{
			Backend:         "pebble",
			Name:            "chat-stream",
			Group:           "chat-group",
			ConsumerPrefix:  "chat-consumer",
			Consumers:       1,
			Batch:           10,
			BlockMs:         2000,
			MaxDeliveries:   5,
			ClaimMinIdleMs:  60000,
			SweepIntervalMs: 30000,
		},
		PubSub: PubSubConfig{
			Backend:      "memory",
			Join:         "chat:join",
			Leave:        "chat:leave",
			Notification: "chat:notification",
			Typing:       "chat:typing",
			Unified:      "chatroom",
		},
		Store: StoreConfig{Backend: "pebble", MaxConns: 10},
		Chat: ChatConfig{
			MaxContentLength:   1000,
			SpamPattern:        `[\p{Sc}]{10,}`,
			HistoryPageSize:    50,
			MaxHistoryPageSize: 200,
		},
		Realtime: RealtimeConfig{
			SendBuffer:    128,
			WriteWaitMs:   10000,
			PongWaitMs:    60000,
			MaxFrameBytes: 64 << 10,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate rejects unknown backends and impossible limits.
func (c Config) Validate() error {
	switch c.Stream.Backend {
	case "pebble", "redis":
	default:
		return fmt.Errorf("stream.backend %q: want pebble or redis", c.Stream.Backend)
	}
	switch c.PubSub.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("pubsub.backend %q: want memory or redis", c.PubSub.Backend)
	}
	switch c.Store.Backend {
	case "pebble":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend %q: want pebble, sqlite or postgres", c.Store.Backend)
	}
	if (c.Stream.Backend == "redis" || c.PubSub.Backend == "redis") && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when a redis backend is selected")
	}
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("fsync %q: want always, interval or never", c.Fsync)
	}
	if c.Stream.Consumers < 1 {
		return fmt.Errorf("stream.consumers must be at least 1")
	}
	if c.Chat.MaxHistoryPageSize > 0 && c.Chat.HistoryPageSize > c.Chat.MaxHistoryPageSize {
		return fmt.Errorf("chat.historyPageSize %d exceeds chat.maxHistoryPageSize %d", c.Chat.HistoryPageSize, c.Chat.MaxHistoryPageSize)
	}
	return nil
}

// Ms converts a millisecond setting to a duration.
func Ms[T ~int | ~int64](v T) time.Duration { return time.Duration(v) * time.Millisecond }
