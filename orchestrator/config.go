// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/donlasahachat6/mrpromth-sub002/orchestrator/llm"
)

// Workflow store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the orchestrator service configuration.
//
// Values are resolved in three layers: built-in defaults, then the YAML
// file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port string `yaml:"port"`

	// Key pool sources, tried in order: secret, file, numbered env vars.
	VanchinBaseURL    string `yaml:"vanchin_base_url"`
	KeysFile          string `yaml:"keys_file"`
	KeysSecretID      string `yaml:"keys_secret_id"`
	AWSRegion         string `yaml:"aws_region"`
	RoutingStrategy   string `yaml:"routing_strategy"`
	MaxRetries        int    `yaml:"max_retries"`
	BackoffBaseMs     int    `yaml:"backoff_base_ms"`
	CooldownSeconds   int    `yaml:"cooldown_seconds"`
	LLMTimeoutSeconds int    `yaml:"llm_timeout_seconds"`

	WorkflowStore string `yaml:"workflow_store"`
	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`

	JWTSecret         string `yaml:"jwt_secret"`
	PipelineFile      string `yaml:"pipeline_file"`
	MaxContextChars   int    `yaml:"max_context_chars"`
	EventReplayBuffer int    `yaml:"event_replay_buffer"`
	HeartbeatSeconds  int    `yaml:"stream_heartbeat_seconds"`
	ShutdownSeconds   int    `yaml:"shutdown_timeout_seconds"`

	// WorkflowRateLimit is the number of starts per owner and minute. 0 disables it.
	WorkflowRateLimit int `yaml:"workflow_rate_limit"`

	Archive ArchiveConfig `yaml:"archive"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Port:              "8081",
		VanchinBaseURL:    llm.DefaultVanchinBaseURL,
		AWSRegion:         "us-east-1",
		RoutingStrategy:   string(llm.RoutingStrategyRoundRobin),
		MaxRetries:        llm.DefaultMaxRetries,
		BackoffBaseMs:     int(llm.DefaultBackoffBase / time.Millisecond),
		CooldownSeconds:   int(llm.DefaultCooldown / time.Second),
		LLMTimeoutSeconds: int(llm.DefaultTimeout / time.Second),
		WorkflowStore:     StoreMemory,
		HeartbeatSeconds:  int(DefaultHeartbeatInterval / time.Second),
		ShutdownSeconds:   30,
		MaxContextChars:   0,
		EventReplayBuffer: 0,
		WorkflowRateLimit: DefaultWorkflowRateLimit,
	}
}

// LoadConfig resolves the configuration from CONFIG_FILE and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return cfg, err
		}
		log.Printf("Loaded configuration file %s", path)
	}

	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.VanchinBaseURL = getEnv("VANCHIN_BASE_URL", c.VanchinBaseURL)
	c.KeysFile = getEnv("VANCHIN_KEYS_FILE", c.KeysFile)
	c.KeysSecretID = getEnv("VANCHIN_KEYS_SECRET_ID", c.KeysSecretID)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	if os.Getenv("LLM_ROUTING_STRATEGY") != "" {
		// An invalid value falls back to round_robin with a warning.
		c.RoutingStrategy = string(llm.LoadRoutingStrategyFromEnv())
	}
	c.MaxRetries = getEnvInt("LLM_MAX_RETRIES", c.MaxRetries)
	c.BackoffBaseMs = getEnvInt("LLM_BACKOFF_BASE_MS", c.BackoffBaseMs)
	c.CooldownSeconds = getEnvInt("LLM_COOLDOWN_SECONDS", c.CooldownSeconds)
	c.LLMTimeoutSeconds = getEnvInt("LLM_TIMEOUT_SECONDS", c.LLMTimeoutSeconds)

	c.WorkflowStore = getEnv("WORKFLOW_STORE", c.WorkflowStore)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.PipelineFile = getEnv("PIPELINE_FILE", c.PipelineFile)
	c.MaxContextChars = getEnvInt("MAX_CONTEXT_CHARS", c.MaxContextChars)
	c.EventReplayBuffer = getEnvInt("EVENT_REPLAY_BUFFER", c.EventReplayBuffer)
	c.HeartbeatSeconds = getEnvInt("STREAM_HEARTBEAT_SECONDS", c.HeartbeatSeconds)
	c.ShutdownSeconds = getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", c.ShutdownSeconds)
	c.WorkflowRateLimit = getEnvInt("WORKFLOW_RATE_LIMIT", c.WorkflowRateLimit)

	c.Archive.Bucket = getEnv("ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.Prefix = getEnv("ARCHIVE_PREFIX", c.Archive.Prefix)
	c.Archive.Endpoint = getEnv("ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.AccessKeyID = getEnv("ARCHIVE_ACCESS_KEY_ID", c.Archive.AccessKeyID)
	c.Archive.SecretAccessKey = getEnv("ARCHIVE_SECRET_ACCESS_KEY", c.Archive.SecretAccessKey)
	if c.Archive.Region == "" {
		c.Archive.Region = c.AWSRegion
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if !llm.IsValidRoutingStrategy(c.RoutingStrategy) {
		return fmt.Errorf("invalid routing strategy %q", c.RoutingStrategy)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BackoffBaseMs < 1 {
		return fmt.Errorf("backoff base must be at least 1ms, got %d", c.BackoffBaseMs)
	}
	if c.CooldownSeconds < 1 {
		return fmt.Errorf("pair cooldown must be at least 1 second, got %d", c.CooldownSeconds)
	}
	if c.LLMTimeoutSeconds < 1 {
		return fmt.Errorf("llm timeout must be at least 1 second, got %d", c.LLMTimeoutSeconds)
	}
	if c.HeartbeatSeconds < 1 {
		return fmt.Errorf("stream heartbeat must be at least 1 second, got %d", c.HeartbeatSeconds)
	}
	if c.MaxContextChars < 0 || c.EventReplayBuffer < 0 || c.WorkflowRateLimit < 0 {
		return fmt.Errorf("limits and buffer sizes must not be negative")
	}

	switch c.WorkflowStore {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres workflow store")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis workflow store")
		}
	default:
		return fmt.Errorf("unknown workflow store %q", c.WorkflowStore)
	}
	return nil
}

// GatewayConfig derives the llm gateway settings.
func (c *Config) GatewayConfig() llm.GatewayConfig {
	return llm.GatewayConfig{
		MaxRetries:  c.MaxRetries,
		BackoffBase: time.Duration(c.BackoffBaseMs) * time.Millisecond,
		Timeout:     time.Duration(c.LLMTimeoutSeconds) * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
