package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/queue"
)

const (
	MemoryQueue = "memory"
	RedisQueue  = "redis"
)

// redeliveryHeadroom covers redeliveries that spend no task retry, such as store
// errors and interrupted attempts.
const redeliveryHeadroom = 10

// Config holds process settings. Zero values are never used directly; Load fills defaults.
type Config struct {
	Port              int
	DatabaseURL       string
	QueueBackend      string
	RedisAddr         string
	Workers           int
	TaskTimeout       time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	ToolServerCommand string
	ToolServerArgs    []string
	RouterRules       string
	LogLevel          string
	LogFormat         string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Port:         8080,
		QueueBackend: MemoryQueue,
		RedisAddr:    "localhost:6379",
		Workers:      4,
		TaskTimeout:  60 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Second,
		LogLevel:     "INFO",
	}
}

// Load reads .env when present, then the environment, on top of Default.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var err error

	if v := getenv("PORT"); v != "" {
		if cfg.Port, err = strconv.Atoi(v); err != nil {
			return Config{}, errors.Wrapf(err, "invalid PORT %q", v)
		}
	}
	cfg.DatabaseURL = getenv("DATABASE_URL")
	if v := getenv("QUEUE_BACKEND"); v != "" {
		cfg.QueueBackend = strings.ToLower(v)
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := getenv("WORKERS"); v != "" {
		if cfg.Workers, err = strconv.Atoi(v); err != nil {
			return Config{}, errors.Wrapf(err, "invalid WORKERS %q", v)
		}
	}
	if v := getenv("TASK_TIMEOUT"); v != "" {
		if cfg.TaskTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, errors.Wrapf(err, "invalid TASK_TIMEOUT %q", v)
		}
	}
	if v := getenv("MAX_RETRIES"); v != "" {
		if cfg.MaxRetries, err = strconv.Atoi(v); err != nil {
			return Config{}, errors.Wrapf(err, "invalid MAX_RETRIES %q", v)
		}
	}
	if v := getenv("RETRY_BACKOFF"); v != "" {
		if cfg.RetryBackoff, err = time.ParseDuration(v); err != nil {
			return Config{}, errors.Wrapf(err, "invalid RETRY_BACKOFF %q", v)
		}
	}
	cfg.ToolServerCommand = getenv("TOOL_SERVER_COMMAND")
	cfg.ToolServerArgs = strings.Fields(getenv("TOOL_SERVER_ARGS"))
	cfg.RouterRules = getenv("ROUTER_RULES")
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogFormat = getenv("LOG_FORMAT")

	return cfg, cfg.Validate()
}

// QueueMaxAttempts bounds job redeliveries. It stays above MaxRetries so a task
// always exhausts its own retries and fails its workflow before the queue gives up.
func (c Config) QueueMaxAttempts() int {
	n := c.MaxRetries + redeliveryHeadroom
	if n < queue.DefaultMaxAttempts {
		n = queue.DefaultMaxAttempts
	}
	return n
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case MemoryQueue, RedisQueue:
	default:
		return errors.Errorf("unknown QUEUE_BACKEND %q, want %q or %q", c.QueueBackend, MemoryQueue, RedisQueue)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("PORT %d out of range", c.Port)
	}
	if c.MaxRetries < 1 {
		return errors.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.TaskTimeout <= 0 {
		return errors.Errorf("TASK_TIMEOUT must be positive, got %s", c.TaskTimeout)
	}
	return nil
}
