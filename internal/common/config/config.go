// Package config provides configuration management for CES.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for CES.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Interpreter InterpreterConfig `mapstructure:"interpreter"`
	Session     SessionConfig     `mapstructure:"session"`
	NATS        NATSConfig        `mapstructure:"nats"`
	History     HistoryConfig     `mapstructure:"history"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds API key authentication configuration.
// An empty APIKey disables authentication entirely.
type AuthConfig struct {
	APIKey        string `mapstructure:"apiKey"`
	AllowLoopback bool   `mapstructure:"allowLoopback"` // loopback requests bypass the key check
}

// WorkspaceConfig holds the on-disk layout for session working directories.
type WorkspaceConfig struct {
	Root  string `mapstructure:"root"`  // one subdirectory per session is created here
	EnvID string `mapstructure:"envId"` // environment label surfaced in /health and session metadata
}

// InterpreterConfig describes how to launch the interpreter subprocess.
type InterpreterConfig struct {
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	StartupTimeout int      `mapstructure:"startupTimeout"` // in seconds
	KillGrace      int      `mapstructure:"killGrace"`      // in seconds
}

// SessionConfig holds per-session runtime limits.
type SessionConfig struct {
	ExecTimeout       int `mapstructure:"execTimeout"`       // per-execution timeout, in seconds
	InterruptGrace    int `mapstructure:"interruptGrace"`    // window after interrupt before force-kill, in seconds
	IdleTimeout       int `mapstructure:"idleTimeout"`       // in seconds, 0 disables the idle sweep
	SweepInterval     int `mapstructure:"sweepInterval"`     // in seconds
	StreamBufferLimit int `mapstructure:"streamBufferLimit"` // max buffered events per execution
	SubscriberBuffer  int `mapstructure:"subscriberBuffer"`  // per-subscriber queue capacity
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig holds the execution history store configuration.
// An empty Path disables persistence.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartupTimeoutDuration returns the interpreter startup timeout as a time.Duration.
func (i *InterpreterConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(i.StartupTimeout) * time.Second
}

// KillGraceDuration returns the kill grace period as a time.Duration.
func (i *InterpreterConfig) KillGraceDuration() time.Duration {
	return time.Duration(i.KillGrace) * time.Second
}

// ExecTimeoutDuration returns the per-execution timeout as a time.Duration.
func (s *SessionConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(s.ExecTimeout) * time.Second
}

// InterruptGraceDuration returns the interrupt grace window as a time.Duration.
func (s *SessionConfig) InterruptGraceDuration() time.Duration {
	return time.Duration(s.InterruptGrace) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (s *SessionConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CES_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ces"
	}
	return filepath.Join(home, ".ces")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not be cut off

	// Auth defaults - empty key disables authentication
	v.SetDefault("auth.apiKey", "")
	v.SetDefault("auth.allowLoopback", true)

	// Workspace defaults
	v.SetDefault("workspace.root", filepath.Join(defaultDataDir(), "sessions"))
	v.SetDefault("workspace.envId", "server")

	// Interpreter defaults
	v.SetDefault("interpreter.command", "python3")
	v.SetDefault("interpreter.args", []string{"-m", "ces_adapter"})
	v.SetDefault("interpreter.startupTimeout", 30)
	v.SetDefault("interpreter.killGrace", 5)

	// Session defaults
	v.SetDefault("session.execTimeout", 300)
	v.SetDefault("session.interruptGrace", 5)
	v.SetDefault("session.idleTimeout", 0) // disabled
	v.SetDefault("session.sweepInterval", 60)
	v.SetDefault("session.streamBufferLimit", 10000)
	v.SetDefault("session.subscriberBuffer", 256)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ces-server")
	v.SetDefault("nats.maxReconnects", 10)

	// History defaults - empty path disables persistence
	v.SetDefault("history.path", filepath.Join(defaultDataDir(), "history.db"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CES_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ces/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose env var naming differs from the
	// config key naming (AutomaticEnv does not convert camelCase).
	_ = v.BindEnv("auth.apiKey", "CES_AUTH_APIKEY", "CES_API_KEY")
	_ = v.BindEnv("workspace.root", "CES_WORKSPACE_ROOT", "CES_WORK_DIR")
	_ = v.BindEnv("workspace.envId", "CES_ENV_ID")
	_ = v.BindEnv("interpreter.command", "CES_INTERPRETER_COMMAND")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ces/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}

	if cfg.Interpreter.Command == "" {
		errs = append(errs, "interpreter.command is required")
	}
	if cfg.Interpreter.StartupTimeout <= 0 {
		errs = append(errs, "interpreter.startupTimeout must be positive")
	}
	if cfg.Interpreter.KillGrace < 0 {
		errs = append(errs, "interpreter.killGrace must not be negative")
	}

	if cfg.Session.ExecTimeout <= 0 {
		errs = append(errs, "session.execTimeout must be positive")
	}
	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, "session.idleTimeout must not be negative")
	}
	if cfg.Session.SweepInterval <= 0 {
		errs = append(errs, "session.sweepInterval must be positive")
	}
	if cfg.Session.StreamBufferLimit <= 0 {
		errs = append(errs, "session.streamBufferLimit must be positive")
	}
	if cfg.Session.SubscriberBuffer <= 0 {
		errs = append(errs, "session.subscriberBuffer must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
