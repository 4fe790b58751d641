package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// External collaborators. REDIS_URL empty selects the in-memory offline
	// queue; DATABASE_URL empty disables alert history.
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	AuthSecret  string `env:"AUTH_SECRET"`

	// Admission control.
	MaxConnectionsPerUser int           `env:"MAX_CONNECTIONS_PER_USER" default:"5"`
	MessagesPerMinute     int           `env:"MESSAGES_PER_MINUTE" default:"60"`
	BanViolationThreshold int           `env:"BAN_VIOLATION_THRESHOLD" default:"10"`
	BanDuration           time.Duration `env:"BAN_DURATION" default:"15m"`
	HandshakesPerSecond   float64       `env:"HANDSHAKES_PER_SECOND" default:"10"`
	HandshakeBurst        int           `env:"HANDSHAKE_BURST" default:"10"`

	// Broadcast engine.
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" default:"2s"`
	SendRetryBackoff time.Duration `env:"SEND_RETRY_BACKOFF" default:"250ms"`
	BroadcastWorkers int           `env:"BROADCAST_WORKERS" default:"200"`

	// Offline queue.
	OfflineQueueCap       int           `env:"OFFLINE_QUEUE_CAP" default:"100"`
	OfflineQueueRetention time.Duration `env:"OFFLINE_QUEUE_RETENTION" default:"24h"`

	// Liveness and maintenance intervals.
	PingInterval     time.Duration `env:"PING_INTERVAL" default:"30s"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" default:"5m"`
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" default:"60s"`
	PurgeInterval    time.Duration `env:"PURGE_INTERVAL" default:"5m"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if cfg.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_USER must be at least 1")
	}
	if cfg.MessagesPerMinute < 1 {
		return fmt.Errorf("MESSAGES_PER_MINUTE must be at least 1")
	}
	if cfg.BroadcastWorkers < 1 {
		return fmt.Errorf("BROADCAST_WORKERS must be at least 1")
	}
	if cfg.OfflineQueueCap < 1 {
		return fmt.Errorf("OFFLINE_QUEUE_CAP must be at least 1")
	}
	if cfg.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	return nil
}
