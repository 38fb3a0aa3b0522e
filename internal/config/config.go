// Package config loads the engine's runtime configuration from the
// environment, the way the teacher services read theirs: plain
// os.Getenv with defaults, no config-file parser.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL       string
	TaskChannelCap    int
	ConvertTimeout    time.Duration
	QuerySizeLimit    int
	CacheTTL          time.Duration
	HTTPAddr          string
	NatsURL           string
	CallbackDBPath    string
	OtelEndpoint      string
	PrometheusAddr    string
	JSONLog           bool
	ScavengeCron      string
}

// Load reads every setting from the environment, applying the defaults
// spec.md pins.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:    getenv("DATABASE_URL", "postgres://localhost:5432/engine?sslmode=disable"),
		TaskChannelCap: getenvInt("TASK_CHANNEL_CAP", 1024),
		ConvertTimeout: getenvSeconds("CONVERT_TIMEOUT_SEC", 30),
		QuerySizeLimit: getenvInt("QUERY_SIZE_LIMIT", 1000),
		CacheTTL:       getenvSeconds("CACHE_TTL_SEC", 3600),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		NatsURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		CallbackDBPath: getenv("CALLBACK_DB_PATH", "engine-callbacks.db"),
		OtelEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		PrometheusAddr: getenv("PROMETHEUS_ADDR", ":9464"),
		JSONLog:        getenv("ENGINE_JSON_LOG", "") != "",
		ScavengeCron:   getenv("SCAVENGE_CRON", "*/5 * * * * *"),
	}
	if cfg.TaskChannelCap <= 0 {
		return cfg, fmt.Errorf("TASK_CHANNEL_CAP must be positive, got %d", cfg.TaskChannelCap)
	}
	if cfg.QuerySizeLimit <= 0 {
		return cfg, fmt.Errorf("QUERY_SIZE_LIMIT must be positive, got %d", cfg.QuerySizeLimit)
	}
	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvSeconds(k string, def int) time.Duration {
	return time.Duration(getenvInt(k, def)) * time.Second
}
