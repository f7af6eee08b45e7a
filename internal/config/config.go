package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Upstream    UpstreamConfig            `json:"upstream"`
}

type BasicConfig struct {
	ServerAddress  string `json:"server_address"`
	FrontendDir    string `json:"frontend_dir"`
	ExportTimezone string `json:"export_timezone"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// UpstreamConfig describes the inference backend. BaseURL, ChatID and APIKey
// may be left empty; the service then runs in degraded mode instead of
// refusing to start.
type UpstreamConfig struct {
	BaseURL      string `json:"base_url"`
	ChatID       string `json:"chat_id"`
	APIKey       string `json:"api_key"`
	SystemPrompt string `json:"system_prompt"`

	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	RequestTimeoutSec int `json:"request_timeout_sec"`
	MaxConns          int `json:"max_conns"`
	MaxIdleConns      int `json:"max_idle_conns"`
	KeepAliveSec      int `json:"keep_alive_sec"`

	MaxTokens      int `json:"max_tokens"`
	RetryAttempts  int `json:"retry_attempts"`
	RetryBackoffMs int `json:"retry_backoff_ms"`
	HealthTTLSec   int `json:"health_ttl_sec"`
	ProbeTimeout   int `json:"probe_timeout_sec"`
}

func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSec) * time.Second
}

func (u UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutSec) * time.Second
}

func (u UpstreamConfig) RetryBackoff() time.Duration {
	return time.Duration(u.RetryBackoffMs) * time.Millisecond
}

func (u UpstreamConfig) HealthTTL() time.Duration {
	return time.Duration(u.HealthTTLSec) * time.Second
}

func (u UpstreamConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(u.ProbeTimeout) * time.Second
}

// Load reads configuration from the provided path (defaults to config.json).
// Upstream credentials fall back to the RAGFLOW_* environment variables so
// deployments can keep secrets out of the config file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = os.Getenv("RAGFLOW_BASE_URL")
	}
	if cfg.Upstream.ChatID == "" {
		cfg.Upstream.ChatID = os.Getenv("RAGFLOW_CHAT_ID")
	}
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = os.Getenv("RAGFLOW_API_KEY")
	}
	if cfg.Upstream.ConnectTimeoutSec <= 0 {
		cfg.Upstream.ConnectTimeoutSec = 30
	}
	if cfg.Upstream.RequestTimeoutSec <= 0 {
		cfg.Upstream.RequestTimeoutSec = 300
	}
	if cfg.Upstream.MaxConns <= 0 {
		cfg.Upstream.MaxConns = 100
	}
	if cfg.Upstream.MaxIdleConns <= 0 {
		cfg.Upstream.MaxIdleConns = 30
	}
	if cfg.Upstream.KeepAliveSec <= 0 {
		cfg.Upstream.KeepAliveSec = 120
	}
	if cfg.Upstream.MaxTokens <= 0 {
		cfg.Upstream.MaxTokens = 8192
	}
	if cfg.Upstream.RetryAttempts <= 0 {
		cfg.Upstream.RetryAttempts = 3
	}
	if cfg.Upstream.RetryBackoffMs <= 0 {
		cfg.Upstream.RetryBackoffMs = 500
	}
	if cfg.Upstream.HealthTTLSec <= 0 {
		cfg.Upstream.HealthTTLSec = 60
	}
	if cfg.Upstream.ProbeTimeout <= 0 {
		cfg.Upstream.ProbeTimeout = 30
	}
	if cfg.BasicConfig.ExportTimezone == "" {
		cfg.BasicConfig.ExportTimezone = "Asia/Shanghai"
	}
}
