package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the service configuration, loaded from YAML with
// environment overrides for the deployment-specific endpoints.
type ServerConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	RedisURL string `yaml:"redis_url"`
	NatsURL  string `yaml:"nats_url"`

	// DataDir holds the tool scripts, the tool index and the regex
	// pattern document.
	DataDir string `yaml:"data_dir"`

	APIRoot string `yaml:"api_root"`

	LLM LLMConfig `yaml:"llm"`

	Limits LimitsConfig `yaml:"limits"`
}

type LLMConfig struct {
	Provider       string `yaml:"provider"` // openai | ollama | mock
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LimitsConfig keeps every bounded loop's cap in one place.
type LimitsConfig struct {
	MaxToolRetries       int `yaml:"max_tool_retries"`         // repair+retry bound per execution
	MaxToolDiscovery     int `yaml:"max_tool_discovery"`       // tool-discovery iterations
	MaxReviewAttempts    int `yaml:"max_review_attempts"`      // review loop-backs to generation
	MaxVerifyAttempts    int `yaml:"max_verify_attempts"`      // verification loop-backs to generation
	PollFreshnessSeconds int `yaml:"poll_freshness_seconds"`   // live-update window for poll responses
	RefreshIntervalSecs  int `yaml:"refresh_interval_seconds"` // background loop cadence
	CacheTTLHours        int `yaml:"cache_ttl_hours"`
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	config := &ServerConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment overrides (deployment endpoints)
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		config.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NATS_URL")); v != "" {
		config.NatsURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		config.LLM.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_BASE_URL")); v != "" {
		config.LLM.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_API_KEY")); v != "" {
		config.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LLM_MODEL")); v != "" {
		config.LLM.Model = v
	}

	config.applyDefaults()
	return config, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4000
	}
	if c.RedisURL == "" {
		c.RedisURL = "localhost:6379"
	}
	if c.NatsURL == "" {
		c.NatsURL = "nats://localhost:4222"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.APIRoot == "" {
		c.APIRoot = "/api/mono"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "mock"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "llama3.1:8b"
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.Limits.MaxToolRetries == 0 {
		c.Limits.MaxToolRetries = 3
	}
	if c.Limits.MaxToolDiscovery == 0 {
		c.Limits.MaxToolDiscovery = 5
	}
	if c.Limits.MaxReviewAttempts == 0 {
		c.Limits.MaxReviewAttempts = 3
	}
	if c.Limits.MaxVerifyAttempts == 0 {
		c.Limits.MaxVerifyAttempts = 5
	}
	if c.Limits.PollFreshnessSeconds == 0 {
		c.Limits.PollFreshnessSeconds = 60
	}
	if c.Limits.RefreshIntervalSecs == 0 {
		c.Limits.RefreshIntervalSecs = 15
	}
	if c.Limits.CacheTTLHours == 0 {
		c.Limits.CacheTTLHours = 24
	}
}
