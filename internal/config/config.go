// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - STREAM_POLL_INTERVAL: polling interval for SSE streaming
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of change events returned per stream poll
//     query (default "1000", must be > 0 if set).
//   - SNAPSHOT_RESYNC_INTERVAL: safety-net snapshot rebuild interval
//     (default "1m", must be > 0 if set).
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                     = ":8080"
	defaultStreamPollInterval           = time.Second
	defaultAuthRateLimit                = 10
	defaultMaxJSONBodySize        int64 = 1 << 20 // 1MB
	defaultEventBatchSize               = 1000
	defaultSnapshotResyncInterval       = time.Minute
)

// Config holds the runtime configuration for the gatehouse server.
type Config struct {
	DatabaseURL            string
	HTTPAddr               string
	LogLevel               string
	StreamPollInterval     time.Duration
	MaxJSONBodySize        int64
	EventBatchSize         int
	SnapshotResyncInterval time.Duration
	AuthRateLimit          int
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing or
// if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	streamPollInterval := defaultStreamPollInterval
	if value := strings.TrimSpace(os.Getenv("STREAM_POLL_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("STREAM_POLL_INTERVAL must be > 0")
		}
		streamPollInterval = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	eventBatchSize := defaultEventBatchSize
	if v := strings.TrimSpace(os.Getenv("EVENT_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("EVENT_BATCH_SIZE must be a positive integer")
		}
		eventBatchSize = n
	}

	snapshotResyncInterval := defaultSnapshotResyncInterval
	if v := strings.TrimSpace(os.Getenv("SNAPSHOT_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse SNAPSHOT_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("SNAPSHOT_RESYNC_INTERVAL must be > 0")
		}
		snapshotResyncInterval = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if v := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be a positive integer")
		}
		authRateLimit = n
	}

	return Config{
		DatabaseURL:            databaseURL,
		HTTPAddr:               envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		StreamPollInterval:     streamPollInterval,
		MaxJSONBodySize:        maxJSONBodySize,
		EventBatchSize:         eventBatchSize,
		SnapshotResyncInterval: snapshotResyncInterval,
		AuthRateLimit:          authRateLimit,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
