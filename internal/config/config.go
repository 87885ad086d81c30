// Package config provides configuration loading for benchd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the benchd daemon.
type Config struct {
	// Local API server settings.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// DataDir holds the SQLite archive database.
	DataDir string `yaml:"dataDir"`

	// PTY settings.
	DefaultShell  string        `yaml:"defaultShell"`
	DefaultRows   int           `yaml:"defaultRows"`
	DefaultCols   int           `yaml:"defaultCols"`
	KillGrace     time.Duration `yaml:"killGrace"`
	OutputBufSize int           `yaml:"outputBufSize"`

	// Agent settings.
	AgentCommand    string        `yaml:"agentCommand"`
	AgentArgs       []string      `yaml:"agentArgs"`
	AgentStartWait  time.Duration `yaml:"agentStartWait"`
	PromptTimeout   time.Duration `yaml:"promptTimeout"`
	MessageWindow   int           `yaml:"messageWindow"`
	DefaultModel    string        `yaml:"defaultModel"`
	DefaultPermMode string        `yaml:"defaultPermissionMode"`

	// Bridge settings.
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	SendQueueSize    int           `yaml:"sendQueueSize"`

	// WebSocket buffer sizes.
	WSReadBufferSize  int `yaml:"wsReadBufferSize"`
	WSWriteBufferSize int `yaml:"wsWriteBufferSize"`

	// AllowedOrigins restricts WebSocket upgrades on the local API.
	// Supports exact origins, "*" and wildcard subdomain patterns.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// HTTP server timeouts. There is no write timeout knob: /ws connections
	// are long-lived and the server bounds writes per message instead.
	HTTPReadTimeout time.Duration `yaml:"httpReadTimeout"`
	HTTPIdleTimeout time.Duration `yaml:"httpIdleTimeout"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              7433,
		DataDir:           defaultDataDir(),
		DefaultShell:      defaultShell(),
		DefaultRows:       24,
		DefaultCols:       80,
		KillGrace:         3 * time.Second,
		OutputBufSize:     256 * 1024,
		AgentCommand:      "claude-code-acp",
		AgentStartWait:    30 * time.Second,
		PromptTimeout:     60 * time.Minute,
		MessageWindow:     500,
		DefaultPermMode:   "default",
		HandshakeTimeout:  10 * time.Second,
		SendQueueSize:     256,
		WSReadBufferSize:  4096,
		WSWriteBufferSize: 4096,
		AllowedOrigins:    []string{"*"},
		HTTPReadTimeout:   15 * time.Second,
		HTTPIdleTimeout:   60 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides, in that order of precedence (env wins).
// An empty path means "no config file"; a missing file at an explicit path
// is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.DefaultRows <= 0 || cfg.DefaultCols <= 0 {
		return nil, fmt.Errorf("invalid default terminal size %dx%d", cfg.DefaultCols, cfg.DefaultRows)
	}
	if cfg.MessageWindow <= 0 {
		return nil, fmt.Errorf("messageWindow must be positive, got %d", cfg.MessageWindow)
	}

	return cfg, nil
}

// applyEnv overlays BENCHD_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Host = getEnv("BENCHD_HOST", cfg.Host)
	cfg.Port = getEnvInt("BENCHD_PORT", cfg.Port)
	cfg.DataDir = getEnv("BENCHD_DATA_DIR", cfg.DataDir)
	cfg.DefaultShell = getEnv("BENCHD_SHELL", cfg.DefaultShell)
	cfg.DefaultRows = getEnvInt("BENCHD_ROWS", cfg.DefaultRows)
	cfg.DefaultCols = getEnvInt("BENCHD_COLS", cfg.DefaultCols)
	cfg.KillGrace = getEnvDuration("BENCHD_KILL_GRACE", cfg.KillGrace)
	cfg.OutputBufSize = getEnvInt("BENCHD_OUTPUT_BUF_SIZE", cfg.OutputBufSize)
	cfg.AgentCommand = getEnv("BENCHD_AGENT_COMMAND", cfg.AgentCommand)
	cfg.AgentArgs = getEnvStringSlice("BENCHD_AGENT_ARGS", cfg.AgentArgs)
	cfg.AgentStartWait = getEnvDuration("BENCHD_AGENT_START_WAIT", cfg.AgentStartWait)
	cfg.PromptTimeout = getEnvDuration("BENCHD_PROMPT_TIMEOUT", cfg.PromptTimeout)
	cfg.MessageWindow = getEnvInt("BENCHD_MESSAGE_WINDOW", cfg.MessageWindow)
	cfg.DefaultModel = getEnv("BENCHD_DEFAULT_MODEL", cfg.DefaultModel)
	cfg.DefaultPermMode = getEnv("BENCHD_PERMISSION_MODE", cfg.DefaultPermMode)
	cfg.HandshakeTimeout = getEnvDuration("BENCHD_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.SendQueueSize = getEnvInt("BENCHD_SEND_QUEUE_SIZE", cfg.SendQueueSize)
	cfg.WSReadBufferSize = getEnvInt("BENCHD_WS_READ_BUFFER_SIZE", cfg.WSReadBufferSize)
	cfg.WSWriteBufferSize = getEnvInt("BENCHD_WS_WRITE_BUFFER_SIZE", cfg.WSWriteBufferSize)
	cfg.AllowedOrigins = getEnvStringSlice("BENCHD_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.HTTPReadTimeout = getEnvDuration("BENCHD_HTTP_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPIdleTimeout = getEnvDuration("BENCHD_HTTP_IDLE_TIMEOUT", cfg.HTTPIdleTimeout)
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".benchd"
	}
	return home + "/.benchd"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
