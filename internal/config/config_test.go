package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Stream.Name != "chat-stream" || cfg.Stream.Group != "chat-group" {
		t.Fatalf("stream defaults = %+v", cfg.Stream)
	}
	if cfg.Stream.Batch != 10 || cfg.Stream.BlockMs != 2000 || cfg.Stream.MaxDeliveries != 5 {
		t.Fatalf("consumer defaults = %+v", cfg.Stream)
	}
	if cfg.PubSub.Join != "chat:join" || cfg.PubSub.Unified != "chatroom" {
		t.Fatalf("pubsub defaults = %+v", cfg.PubSub)
	}
	if cfg.Chat.MaxContentLength != 1000 {
		t.Fatalf("max content length = %d", cfg.Chat.MaxContentLength)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "meloncity.json")
	data := []byte(`{"namespace":"prod","stream":{"backend":"redis","consumers":3},"redis":{"url":"redis://localhost:6379/0"}}`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Namespace != "prod" || cfg.Stream.Backend != "redis" || cfg.Stream.Consumers != 3 {
		t.Fatalf("loaded = %+v", cfg)
	}
	if cfg.Stream.Group != "chat-group" {
		t.Fatalf("unset fields should keep defaults, group = %q", cfg.Stream.Group)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "meloncity.yaml")
	data := []byte(strings.Join([]string{
		"store:",
		"  backend: sqlite",
		"  dsn: chat.db",
		"pubsub:",
		"  useUnified: true",
		"realtime:",
		"  allowedOrigins: [\"https://chat.example\"]",
		"",
	}, "\n"))
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.DSN != "chat.db" || !cfg.PubSub.UseUnified {
		t.Fatalf("loaded = %+v", cfg)
	}
	if len(cfg.Realtime.AllowedOrigins) != 1 || cfg.Realtime.SendBuffer != 128 {
		t.Fatalf("realtime = %+v", cfg.Realtime)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(file, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg, err := Load(""); err != nil || cfg.Stream.Name != "chat-stream" {
		t.Fatalf("empty path should yield defaults: %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("DB_URL", "postgres://chat@db/chat")
	t.Setenv("MELONCITY_STREAM_CONSUMERS", "4")
	t.Setenv("MELONCITY_STREAM_BLOCK_MS", "500")
	t.Setenv("MELONCITY_PUBSUB_USE_UNIFIED", "true")
	t.Setenv("MELONCITY_STORE_MAX_CONNS", "25")
	t.Setenv("MELONCITY_REALTIME_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MELONCITY_STREAM_BATCH", "not-a-number")

	cfg := Default()
	FromEnv(&cfg)
	if cfg.Redis.URL != "redis://cache:6379/1" || cfg.Store.DSN != "postgres://chat@db/chat" {
		t.Fatalf("fallback urls = %q %q", cfg.Redis.URL, cfg.Store.DSN)
	}
	if cfg.Stream.Consumers != 4 || Ms(cfg.Stream.BlockMs) != 500*time.Millisecond {
		t.Fatalf("stream = %+v", cfg.Stream)
	}
	if cfg.Stream.Batch != 10 {
		t.Fatalf("malformed value should be ignored, batch = %d", cfg.Stream.Batch)
	}
	if !cfg.PubSub.UseUnified || cfg.Store.MaxConns != 25 {
		t.Fatalf("pubsub/store = %+v %+v", cfg.PubSub, cfg.Store)
	}
	if len(cfg.Realtime.AllowedOrigins) != 2 || cfg.Realtime.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.Realtime.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"stream backend":  func(c *Config) { c.Stream.Backend = "kafka" },
		"pubsub backend":  func(c *Config) { c.PubSub.Backend = "nats" },
		"store dsn":       func(c *Config) { c.Store.Backend = "postgres" },
		"redis url":       func(c *Config) { c.PubSub.Backend = "redis" },
		"fsync":           func(c *Config) { c.Fsync = "sometimes" },
		"consumers":       func(c *Config) { c.Stream.Consumers = 0 },
		"page size limit": func(c *Config) { c.Chat.HistoryPageSize = 500 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
