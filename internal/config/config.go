package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide settings coordinator; components receive their
// slice of it at wiring time and never read the environment themselves.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// SessionConfig holds the live-session coordination knobs.
type SessionConfig struct {
	// HeartbeatWindow bounds how long a silent connection stays a member.
	HeartbeatWindow time.Duration `json:"heartbeat_window"`
	SweepInterval   time.Duration `json:"sweep_interval"`
	// MessageRateLimit is per sender per minute.
	MessageRateLimit int `json:"message_rate_limit"`
}

// DefaultConfig returns production-ready defaults for classroom deployments.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./tigerengage.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 25 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Session: &SessionConfig{
			HeartbeatWindow:  60 * time.Second,
			SweepInterval:    20 * time.Second,
			MessageRateLimit: 60,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than read timeout")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.HeartbeatWindow <= 0 {
		return fmt.Errorf("session heartbeat window must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive")
	}
	if c.Session.MessageRateLimit <= 0 {
		return fmt.Errorf("session message rate limit must be positive")
	}

	return nil
}

// LoadFromEnv overlays TIGERENGAGE_* environment variables on the defaults.
// Unparseable values fall back silently; validation catches the remainder.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("TIGERENGAGE_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("TIGERENGAGE_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("TIGERENGAGE_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}

	envDuration("TIGERENGAGE_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("TIGERENGAGE_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("TIGERENGAGE_DATABASE_TIMEOUT", &config.Database.Timeout)
	envDuration("TIGERENGAGE_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("TIGERENGAGE_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("TIGERENGAGE_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envDuration("TIGERENGAGE_HEARTBEAT_WINDOW", &config.Session.HeartbeatWindow)
	envDuration("TIGERENGAGE_SWEEP_INTERVAL", &config.Session.SweepInterval)

	if limit := os.Getenv("TIGERENGAGE_MESSAGE_RATE_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			config.Session.MessageRateLimit = n
		}
	}

	return config
}

func envDuration(name string, target *time.Duration) {
	if value := os.Getenv(name); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			*target = d
		}
	}
}

// configFile mirrors Config with string durations for JSON parsing.
type configFile struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		Host         string `json:"host"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"websocket"`
	Session *struct {
		HeartbeatWindow  string `json:"heartbeat_window"`
		SweepInterval    string `json:"sweep_interval"`
		MessageRateLimit int    `json:"message_rate_limit"`
	} `json:"session"`
}

// LoadFromFile reads a JSON configuration file over the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		fileDuration(file.Database.Timeout, &config.Database.Timeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		fileDuration(file.HTTP.ReadTimeout, &config.HTTP.ReadTimeout)
		fileDuration(file.HTTP.WriteTimeout, &config.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		fileDuration(file.WebSocket.PingInterval, &config.WebSocket.PingInterval)
		fileDuration(file.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout)
		fileDuration(file.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout)
	}
	if file.Session != nil {
		fileDuration(file.Session.HeartbeatWindow, &config.Session.HeartbeatWindow)
		fileDuration(file.Session.SweepInterval, &config.Session.SweepInterval)
		if file.Session.MessageRateLimit > 0 {
			config.Session.MessageRateLimit = file.Session.MessageRateLimit
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

func fileDuration(value string, target *time.Duration) {
	if value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			*target = d
		}
	}
}

// LoadWithPrecedence resolves configuration as file > environment > defaults.
func LoadWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
		// File errors are non-fatal; environment/defaults still apply.
	}

	return config
}
