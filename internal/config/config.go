package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. JSSENTINEL_ENGINE_RULE_TIMEOUT
const EnvPrefix = "JSSENTINEL"

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults are fed in as a config document so every key is known to viper and can be
	// overridden from the environment.
	defaults, err := yaml.Marshal(GetDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/js-sentinel/")
	v.AddConfigPath("$HOME/.js-sentinel/")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.MergeInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Engine.RuleTimeout <= 0 {
		return fmt.Errorf("invalid rule timeout: %s (must be positive)", config.Engine.RuleTimeout)
	}

	if config.Engine.Workers < 1 {
		return fmt.Errorf("invalid worker count: %d (must be at least 1)", config.Engine.Workers)
	}

	if config.Engine.MaxMatchesPerRule < 1 {
		return fmt.Errorf("invalid max matches per rule: %d", config.Engine.MaxMatchesPerRule)
	}

	switch config.Dedup.Backend {
	case "memory":
	case "redis":
		if config.Dedup.Redis.URL == "" {
			return fmt.Errorf("redis dedup backend requires dedup.redis.url")
		}
	default:
		return fmt.Errorf("invalid dedup backend: %s (must be memory or redis)", config.Dedup.Backend)
	}

	if config.Database.Enabled && config.Database.DatabaseURL == "" {
		return fmt.Errorf("database enabled without database_url")
	}

	for _, c := range config.Rules.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("category without a name in rules.categories")
		}
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst < 1) {
		return fmt.Errorf("invalid rate limit: %g/s burst %d", config.RateLimit.RequestsPerSecond, config.RateLimit.Burst)
	}

	if config.WebSocket.Auth.Enabled && (config.WebSocket.Auth.Username == "" || config.WebSocket.Auth.Password == "") {
		return fmt.Errorf("websocket auth enabled without username and password")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch reloads the configuration file loaded by Load whenever it changes. Invalid edits are
// logged and ignored.
func Watch(logger *zap.Logger, callback func(*Config)) error {
	mu.Lock()
	v := current
	mu.Unlock()
	if v == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if v.ConfigFileUsed() == "" {
		logger.Debug("No configuration file in use, skipping config watch")
		return nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
