package config

import (
	"os"
	"strconv"
	"strings"
)

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// FromEnv overlays MELONCITY_* environment variables onto cfg. REDIS_URL and
// DB_URL are honoured as fallbacks for the redis url and the store dsn.
func FromEnv(cfg *Config) {
	envString("REDIS_URL", &cfg.Redis.URL)
	envString("DB_URL", &cfg.Store.DSN)

	envString("MELONCITY_DATA_DIR", &cfg.DataDir)
	envString("MELONCITY_FSYNC", &cfg.Fsync)
	envInt("MELONCITY_FSYNC_INTERVAL_MS", &cfg.FsyncMs)
	envString("MELONCITY_NAMESPACE", &cfg.Namespace)
	envString("MELONCITY_LOG_LEVEL", &cfg.Log.Level)
	envString("MELONCITY_LOG_FORMAT", &cfg.Log.Format)
	envString("MELONCITY_HTTP_ADDR", &cfg.HTTP.Addr)
	envString("MELONCITY_GRPC_ADDR", &cfg.GRPC.Addr)

	envString("MELONCITY_STREAM_BACKEND", &cfg.Stream.Backend)
	envString("MELONCITY_STREAM_NAME", &cfg.Stream.Name)
	envString("MELONCITY_STREAM_GROUP", &cfg.Stream.Group)
	envString("MELONCITY_STREAM_CONSUMER_PREFIX", &cfg.Stream.ConsumerPrefix)
	envString("MELONCITY_STREAM_INSTANCE", &cfg.Stream.Instance)
	envInt("MELONCITY_STREAM_CONSUMERS", &cfg.Stream.Consumers)
	envInt("MELONCITY_STREAM_BATCH", &cfg.Stream.Batch)
	envInt("MELONCITY_STREAM_BLOCK_MS", &cfg.Stream.BlockMs)
	envInt64("MELONCITY_STREAM_MAX_DELIVERIES", &cfg.Stream.MaxDeliveries)
	envInt("MELONCITY_STREAM_CLAIM_MIN_IDLE_MS", &cfg.Stream.ClaimMinIdleMs)
	envInt("MELONCITY_STREAM_SWEEP_INTERVAL_MS", &cfg.Stream.SweepIntervalMs)
	envInt64("MELONCITY_STREAM_MAX_LEN", &cfg.Stream.MaxLen)
	envInt64("MELONCITY_STREAM_RETENTION_MAX_AGE_MS", &cfg.Stream.RetentionMaxAgeMs)
	envInt64("MELONCITY_STREAM_RETENTION_MAX_BYTES", &cfg.Stream.RetentionMaxBytes)

	envString("MELONCITY_PUBSUB_BACKEND", &cfg.PubSub.Backend)
	envString("MELONCITY_PUBSUB_JOIN", &cfg.PubSub.Join)
	envString("MELONCITY_PUBSUB_LEAVE", &cfg.PubSub.Leave)
	envString("MELONCITY_PUBSUB_NOTIFICATION", &cfg.PubSub.Notification)
	envString("MELONCITY_PUBSUB_TYPING", &cfg.PubSub.Typing)
	envString("MELONCITY_PUBSUB_UNIFIED", &cfg.PubSub.Unified)
	envBool("MELONCITY_PUBSUB_USE_UNIFIED", &cfg.PubSub.UseUnified)

	envString("MELONCITY_STORE_BACKEND", &cfg.Store.Backend)
	envString("MELONCITY_STORE_DSN", &cfg.Store.DSN)
	if v := os.Getenv("MELONCITY_STORE_MAX_CONNS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Store.MaxConns = int32(n)
		}
	}
	envString("MELONCITY_REDIS_URL", &cfg.Redis.URL)

	envInt("MELONCITY_CHAT_MAX_CONTENT_LENGTH", &cfg.Chat.MaxContentLength)
	envString("MELONCITY_CHAT_SPAM_PATTERN", &cfg.Chat.SpamPattern)
	envInt("MELONCITY_CHAT_HISTORY_PAGE_SIZE", &cfg.Chat.HistoryPageSize)
	envInt("MELONCITY_CHAT_MAX_HISTORY_PAGE_SIZE", &cfg.Chat.MaxHistoryPageSize)

	envInt("MELONCITY_REALTIME_SEND_BUFFER", &cfg.Realtime.SendBuffer)
	envInt("MELONCITY_REALTIME_WRITE_WAIT_MS", &cfg.Realtime.WriteWaitMs)
	envInt("MELONCITY_REALTIME_PONG_WAIT_MS", &cfg.Realtime.PongWaitMs)
	envInt64("MELONCITY_REALTIME_MAX_FRAME_BYTES", &cfg.Realtime.MaxFrameBytes)
	if v := os.Getenv("MELONCITY_REALTIME_ALLOWED_ORIGINS"); v != "" {
		cfg.Realtime.AllowedOrigins = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Realtime.AllowedOrigins = append(cfg.Realtime.AllowedOrigins, p)
			}
		}
	}
}
