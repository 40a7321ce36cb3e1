package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/queue"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 60*time.Second, cfg.TaskTimeout)
	assert.Equal(t, MemoryQueue, cfg.QueueBackend)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":                "9090",
		"DATABASE_URL":        "postgres://u:p@db/cp?sslmode=disable",
		"QUEUE_BACKEND":       "REDIS",
		"REDIS_ADDR":          "redis:6379",
		"WORKERS":             "8",
		"TASK_TIMEOUT":        "5s",
		"MAX_RETRIES":         "5",
		"RETRY_BACKOFF":       "250ms",
		"TOOL_SERVER_COMMAND": "controlplane-toolserver",
		"TOOL_SERVER_ARGS":    "--verbose  --x",
		"ROUTER_RULES":        "rules.yaml",
		"LOG_LEVEL":           "DEBUG",
		"LOG_FORMAT":          "json",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, RedisQueue, cfg.QueueBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, []string{"--verbose", "--x"}, cfg.ToolServerArgs)
	assert.Equal(t, "rules.yaml", cfg.RouterRules)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestFromEnvInvalid(t *testing.T) {
	for key, value := range map[string]string{
		"PORT":          "http",
		"WORKERS":       "many",
		"TASK_TIMEOUT":  "soon",
		"MAX_RETRIES":   "0",
		"QUEUE_BACKEND": "kafka",
		"RETRY_BACKOFF": "-",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := FromEnv(env(map[string]string{key: value}))
			assert.Error(t, err)
		})
	}
}

func TestQueueMaxAttempts(t *testing.T) {
	cfg := Default()
	assert.Equal(t, queue.DefaultMaxAttempts, cfg.QueueMaxAttempts())

	for _, retries := range []int{1, 3, 25, 30, 100} {
		cfg.MaxRetries = retries
		assert.Greater(t, cfg.QueueMaxAttempts(), retries, "MAX_RETRIES=%d", retries)
	}
}
