// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every automatic environment override (COACH_SERVER_PORT, ...)
const EnvPrefix = "COACH"

// Compliance rewrite modes
const (
	RewriteModeRemote = "remote"
	RewriteModeRules  = "rules"
	RewriteModeOff    = "off"
)

var (
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// Config represents the complete application configuration
type Config struct {
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Server     ServerConfig     `mapstructure:"server"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Session    SessionConfig    `mapstructure:"session"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// OpenAIConfig contains the remote assistant settings
type OpenAIConfig struct {
	APIKey        string `mapstructure:"apikey"`
	Endpoint      string `mapstructure:"endpoint"`
	OrgID         string `mapstructure:"org_id"`
	AssistantID   string `mapstructure:"assistant_id"`
	VectorStoreID string `mapstructure:"vector_store_id"`
	RewriteModel  string `mapstructure:"rewrite_model"`
}

// ServerConfig contains HTTP front end settings
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ChatConfig contains turn orchestration settings
type ChatConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	MessageWindow    int           `mapstructure:"message_window"`
	RunsWindow       int           `mapstructure:"runs_window"`
	Disclaimer       string        `mapstructure:"disclaimer"`
	RetryRemoteCalls bool          `mapstructure:"retry_remote_calls"`
}

// RetryConfig contains backoff settings for remote calls
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// SessionConfig contains session store settings
type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ComplianceConfig selects the second-tier rewriter
type ComplianceConfig struct {
	RewriteMode string `mapstructure:"rewrite_mode"`
}

// CatalogConfig contains document catalog settings
type CatalogConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// AuditConfig contains compliance audit storage settings
type AuditConfig struct {
	StorageType string `mapstructure:"storage_type"`
	FilePath    string `mapstructure:"file_path"`
	DBPath      string `mapstructure:"db_path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine when everything comes from the environment
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("openai.org_id", "")
	v.SetDefault("openai.assistant_id", "")
	v.SetDefault("openai.vector_store_id", "")
	v.SetDefault("openai.rewrite_model", "gpt-4o-mini")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.request_timeout", "150s")

	v.SetDefault("chat.poll_interval", "900ms")
	v.SetDefault("chat.poll_timeout", "120s")
	v.SetDefault("chat.message_window", 10)
	v.SetDefault("chat.runs_window", 20)
	v.SetDefault("chat.disclaimer", "This guidance is educational and does not replace your regulatory college's advertising standards.")
	v.SetDefault("chat.retry_remote_calls", false)

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay", "600ms")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.max_sessions", 10000)
	v.SetDefault("session.cleanup_interval", "5m")

	v.SetDefault("compliance.rewrite_mode", RewriteModeRemote)

	v.SetDefault("catalog.db_path", "./data/catalog.db")

	v.SetDefault("audit.storage_type", "none")
	v.SetDefault("audit.file_path", "./data/compliance-audit.jsonl")
	v.SetDefault("audit.db_path", "./data/audit.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic
func setConfigFile(v *viper.Viper, configPath string) error {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	return nil
}

// setEnvironmentMappings applies the unprefixed variables deployments already use
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"OPENAI_API_KEY":   "openai.apikey",
		"OPENAI_ENDPOINT":  "openai.endpoint",
		"OPENAI_ORG_ID":    "openai.org_id",
		"ASSISTANT_ID":     "openai.assistant_id",
		"VECTOR_STORE_ID":  "openai.vector_store_id",
		"PORT":             "server.port",
		"CATALOG_DB_PATH":  "catalog.db_path",
		"AUDIT_STORAGE":    "audit.storage_type",
		"COMPLIANCE_MODE":  "compliance.rewrite_mode",
		"LOG_LEVEL":        "logging.level",
		"LOG_FORMAT":       "logging.format",
		"LOG_OUTPUT":       "logging.output",
		"ALLOWED_ORIGINS":  "server.allowed_origins",
		"CHAT_DISCLAIMER":  "chat.disclaimer",
		"POLL_TIMEOUT":     "chat.poll_timeout",
		"SESSION_TTL":      "session.ttl",
		"MAX_SESSIONS":     "session.max_sessions",
		"RETRY_MAX":        "retry.max_retries",
		"RETRY_BASE_DELAY": "retry.base_delay",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			if configKey == "server.allowed_origins" {
				v.Set(configKey, splitList(value))
				continue
			}
			v.Set(configKey, value)
		}
	}
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errs []ValidationError

	if config.OpenAI.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "openai.apikey",
			Message: "OpenAI API key is required. Set via config file or OPENAI_API_KEY environment variable",
		})
	}

	if config.OpenAI.AssistantID == "" {
		errs = append(errs, ValidationError{
			Field:   "openai.assistant_id",
			Message: "assistant id is required. Set via config file or ASSISTANT_ID environment variable",
		})
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "port must be between 1 and 65535",
		})
	}

	if config.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "max_body_bytes must be greater than 0",
		})
	}

	if config.Chat.PollInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.poll_interval",
			Message: "poll_interval must be greater than 0",
		})
	}

	if config.Chat.PollTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.poll_timeout",
			Message: "poll_timeout must be greater than or equal to 0",
		})
	}

	if config.Chat.MessageWindow <= 0 || config.Chat.MessageWindow > 100 {
		errs = append(errs, ValidationError{
			Field:   "chat.message_window",
			Message: "message_window must be between 1 and 100",
		})
	}

	if config.Chat.RunsWindow <= 0 || config.Chat.RunsWindow > 100 {
		errs = append(errs, ValidationError{
			Field:   "chat.runs_window",
			Message: "runs_window must be between 1 and 100",
		})
	}

	if config.Retry.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "retry.max_retries",
			Message: "max_retries must be greater than or equal to 0",
		})
	}

	if config.Retry.BaseDelay <= 0 || config.Retry.MaxDelay < config.Retry.BaseDelay {
		errs = append(errs, ValidationError{
			Field:   "retry.base_delay",
			Message: "base_delay must be positive and not exceed max_delay",
		})
	}

	if config.Session.MaxSessions <= 0 {
		errs = append(errs, ValidationError{
			Field:   "session.max_sessions",
			Message: "max_sessions must be greater than 0",
		})
	}

	validRewriteModes := []string{RewriteModeRemote, RewriteModeRules, RewriteModeOff}
	if !contains(validRewriteModes, config.Compliance.RewriteMode) {
		errs = append(errs, ValidationError{
			Field:   "compliance.rewrite_mode",
			Message: fmt.Sprintf("rewrite mode must be one of: %s", strings.Join(validRewriteModes, ", ")),
		})
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	validStorageTypes := []string{"file", "sqlite", "none"}
	if !contains(validStorageTypes, config.Audit.StorageType) {
		errs = append(errs, ValidationError{
			Field:   "audit.storage_type",
			Message: fmt.Sprintf("storage type must be one of: %s", strings.Join(validStorageTypes, ", ")),
		})
	}

	if config.Catalog.DBPath == "" {
		errs = append(errs, ValidationError{
			Field:   "catalog.db_path",
			Message: "catalog database path is required",
		})
	}

	if len(errs) > 0 {
		var errorMessages []string
		for _, err := range errs {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("%w:\n%s", ErrInvalidConfigValue, strings.Join(errorMessages, "\n"))
	}

	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}
	if masked.OpenAI.OrgID != "" {
		masked.OpenAI.OrgID = maskValue(masked.OpenAI.OrgID)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// WatchConfig reloads the configuration whenever the file changes and hands
// every valid result to callback. Invalid edits are logged and ignored.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	if err := setConfigFile(v, configPath); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file for watching: %w", err)
	}

	path := v.ConfigFileUsed()
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		logger.Info("Config file changed", zap.String("file", e.Name))

		config, err := Load(path)
		if err != nil {
			logger.Warn("Failed to reload config", zap.Error(err))
			return
		}
		callback(config)
	})
	v.WatchConfig()

	logger.Info("Watching config file", zap.String("file", filepath.Clean(path)))
	return nil
}
