// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultModel is the agent model used when CLAUDE_MODEL is not set.
const DefaultModel = "claude-sonnet-4-20250514"

// Config holds the full service configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string (required).
	DatabaseURL string

	// MasterKey is the raw 32-byte secrets master key decoded from
	// SECRETS_MASTER_KEY (required).
	MasterKey []byte

	// APIKey protects the HTTP surface. Empty means unauthenticated.
	APIKey string

	// HTTPPort is the listen port for the API server.
	HTTPPort string

	// CORSOrigins is the list of allowed CORS origins.
	CORSOrigins []string

	// Model is the agent model identifier.
	Model string

	// AnthropicAPIKey authenticates agent API calls. Empty disables the
	// agent executor (agent tasks fail with a clear error).
	AnthropicAPIKey string

	Queue  QueueConfig
	Script ScriptConfig
}

// QueueConfig controls how workers poll, claim, and process tasks.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines in this process.
	// Each worker has a single execution slot.
	WorkerCount int

	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration

	// WorkerID overrides the host-derived worker identifier.
	WorkerID string

	// Workspace is the default working directory for tasks that don't
	// specify one.
	Workspace string
}

// ScriptConfig controls script subprocess execution.
type ScriptConfig struct {
	// Timeout is the wall-clock limit for a script run.
	Timeout time.Duration
}

// Load reads configuration from the environment. Missing required variables
// are reported as errors so main can exit non-zero.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}

	masterKey, err := DecodeMasterKey(os.Getenv("SECRETS_MASTER_KEY"))
	if err != nil {
		return nil, fmt.Errorf("invalid SECRETS_MASTER_KEY: %w", err)
	}

	pollSeconds, err := strconv.Atoi(getEnvOrDefault("POLL_INTERVAL", "5"))
	if err != nil || pollSeconds <= 0 {
		return nil, fmt.Errorf("invalid POLL_INTERVAL: %q", os.Getenv("POLL_INTERVAL"))
	}

	workerCount, err := strconv.Atoi(getEnvOrDefault("WORKER_COUNT", "1"))
	if err != nil || workerCount <= 0 {
		return nil, fmt.Errorf("invalid WORKER_COUNT: %q", os.Getenv("WORKER_COUNT"))
	}

	scriptTimeout, err := strconv.Atoi(getEnvOrDefault("SCRIPT_TIMEOUT", "300"))
	if err != nil || scriptTimeout <= 0 {
		return nil, fmt.Errorf("invalid SCRIPT_TIMEOUT: %q", os.Getenv("SCRIPT_TIMEOUT"))
	}

	workspace := os.Getenv("WORKSPACE")
	if workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			workspace = wd
		}
	}

	return &Config{
		DatabaseURL:     dbURL,
		MasterKey:       masterKey,
		APIKey:          os.Getenv("OTOMATA_API_KEY"),
		HTTPPort:        getEnvOrDefault("HTTP_PORT", "7001"),
		CORSOrigins:     splitOrigins(getEnvOrDefault("CORS_ORIGINS", "*")),
		Model:           getEnvOrDefault("CLAUDE_MODEL", DefaultModel),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Queue: QueueConfig{
			WorkerCount:  workerCount,
			PollInterval: time.Duration(pollSeconds) * time.Second,
			WorkerID:     os.Getenv("WORKER_ID"),
			Workspace:    workspace,
		},
		Script: ScriptConfig{
			Timeout: time.Duration(scriptTimeout) * time.Second,
		},
	}, nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
