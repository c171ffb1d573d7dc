package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "taskforge.db"
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultSchedulerTick = time.Second
	defaultMaxRetries    = 3
	defaultBaseDelay     = 5 * time.Second
	defaultMaxBackoff    = 600 * time.Second

	envListenAddr    = "TASKFORGE_LISTEN_ADDR"
	envDBPath        = "TASKFORGE_DB_PATH"
	envLogLevel      = "TASKFORGE_LOG_LEVEL"
	envWorkers       = "TASKFORGE_WORKERS"
	envQueueSize     = "TASKFORGE_QUEUE_SIZE"
	envSchedulerTick = "TASKFORGE_SCHEDULER_TICK"
	envMaxRetries    = "TASKFORGE_MAX_RETRIES"
	envBaseDelay     = "TASKFORGE_RETRY_BASE_DELAY"
	envMaxBackoff    = "TASKFORGE_RETRY_MAX_BACKOFF"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	Workers       int
	QueueSize     int
	SchedulerTick time.Duration

	// Default retry policy for tasks that do not declare their own.
	MaxRetries int
	BaseDelay  time.Duration
	MaxBackoff time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		Workers:       defaultWorkers,
		QueueSize:     defaultQueueSize,
		SchedulerTick: defaultSchedulerTick,
		MaxRetries:    defaultMaxRetries,
		BaseDelay:     defaultBaseDelay,
		MaxBackoff:    defaultMaxBackoff,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := parsePositiveInt(os.Getenv(envWorkers)); v > 0 {
		cfg.Workers = v
	}
	if v := parsePositiveInt(os.Getenv(envQueueSize)); v > 0 {
		cfg.QueueSize = v
	}
	if v := parseDuration(os.Getenv(envSchedulerTick)); v > 0 {
		cfg.SchedulerTick = v
	}
	if v := parsePositiveInt(os.Getenv(envMaxRetries)); v > 0 {
		cfg.MaxRetries = v
	}
	if v := parseDuration(os.Getenv(envBaseDelay)); v > 0 {
		cfg.BaseDelay = v
	}
	if v := parseDuration(os.Getenv(envMaxBackoff)); v > 0 {
		cfg.MaxBackoff = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parsePositiveInt(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
