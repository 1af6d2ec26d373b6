// Package core provides the central engine and configuration management for vkbot.
//
// The core package connects bots (API handle + event source) with packages
// of handlers. It handles:
//
//   - Configuration loading and validation (from YAML files)
//   - One receive loop per polling bot
//   - Detached, admission-controlled dispatch of every event
//   - Materializing messages from terse user session notifications
//   - HTTP callback server for pushed events
//   - Graceful shutdown and cleanup
//
// # Configuration
//
// Configuration is loaded from a YAML file with the following main sections:
//
//   - api: remote API client settings
//   - bots: bot identities and their tokens
//   - longpoll: long-poll wait and retry settings
//   - dispatch: concurrency limits
//   - commands: built-in command prefixes and owners
//   - callback: callback API server
//   - logging: Log configuration
//
// # Example Configuration
//
//	bots:
//	  - name: "main"
//	    token: "${VK_TOKEN}"
//	    group_id: 123456
//	dispatch:
//	  max_in_flight: 128
//	commands:
//	  prefixes: ["/", "!"]
//	  owners: [1]
package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keepmind9/vkbot/internal/longpoll"
	"github.com/keepmind9/vkbot/pkg/constants"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCallbackPort    = 8080
	DefaultLogLevel        = "info"
	DefaultLogMaxSize      = constants.DefaultLogMaxSize // MB
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAge       = constants.DefaultLogMaxAge // days
	DefaultLogCompress     = true
	DefaultLogEnableStdout = true

	// Default durations
	DefaultAPITimeout     = "30s"
	DefaultBackoffInitial = "1s"
	DefaultBackoffMax     = "30s"
	DefaultHandlerTimeout = "60s"
)

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	// Parse YAML
	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig fills defaults and rejects invalid values
func validateConfig(config *Config) error {
	// API client
	if config.API.BaseURL == "" {
		config.API.BaseURL = constants.DefaultAPIBaseURL
	}
	if config.API.Version == "" {
		config.API.Version = constants.DefaultAPIVersion
	}
	if config.API.Timeout == "" {
		config.API.Timeout = DefaultAPITimeout
	}
	if _, err := parsePositiveDuration("api.timeout", config.API.Timeout); err != nil {
		return err
	}

	// Bots
	if len(config.Bots) == 0 {
		return fmt.Errorf("at least one bot must be configured")
	}
	names := make(map[string]struct{}, len(config.Bots))
	enabled := 0
	for i := range config.Bots {
		b := &config.Bots[i]
		if b.Name == "" {
			b.Name = fmt.Sprintf("bot%d", i+1)
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("duplicate bot name '%s'", b.Name)
		}
		names[b.Name] = struct{}{}

		if b.Mode == "" {
			b.Mode = string(longpoll.ModeGroup)
		}
		switch longpoll.Mode(b.Mode) {
		case longpoll.ModeGroup, longpoll.ModeUser:
		default:
			return fmt.Errorf("bot '%s': mode must be 'group' or 'user' (got '%s')", b.Name, b.Mode)
		}
		if b.Disabled {
			continue
		}
		enabled++
		if b.Token == "" {
			return fmt.Errorf("bot '%s': token is required", b.Name)
		}
		if b.GroupID < 0 {
			return fmt.Errorf("bot '%s': group_id must be positive (got %d)", b.Name, b.GroupID)
		}
		if b.Callback {
			if !config.Callback.Enabled {
				return fmt.Errorf("bot '%s' uses the callback API but callback.enabled is false", b.Name)
			}
			if longpoll.Mode(b.Mode) != longpoll.ModeGroup {
				return fmt.Errorf("bot '%s': only group bots can receive callbacks", b.Name)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("all bots are disabled")
	}

	// Long-poll
	if config.LongPoll.Wait == 0 {
		config.LongPoll.Wait = constants.DefaultLongPollWait
	}
	if config.LongPoll.Wait < 1 || config.LongPoll.Wait > 90 {
		return fmt.Errorf("longpoll.wait must be between 1 and 90 seconds (got %d)", config.LongPoll.Wait)
	}
	if config.LongPoll.Flags == 0 {
		config.LongPoll.Flags = constants.DefaultLongPollMode
	}
	if config.LongPoll.BackoffInitial == "" {
		config.LongPoll.BackoffInitial = DefaultBackoffInitial
	}
	if config.LongPoll.BackoffMax == "" {
		config.LongPoll.BackoffMax = DefaultBackoffMax
	}
	initial, err := parsePositiveDuration("longpoll.backoff_initial", config.LongPoll.BackoffInitial)
	if err != nil {
		return err
	}
	maxDelay, err := parsePositiveDuration("longpoll.backoff_max", config.LongPoll.BackoffMax)
	if err != nil {
		return err
	}
	if maxDelay < initial {
		return fmt.Errorf("longpoll.backoff_max must not be less than backoff_initial")
	}
	if config.LongPoll.MaxRetries == 0 {
		config.LongPoll.MaxRetries = constants.DefaultLongPollMaxRetries
	}
	if config.LongPoll.MaxRetries < 0 {
		return fmt.Errorf("longpoll.max_retries must be positive (got %d)", config.LongPoll.MaxRetries)
	}

	// Dispatch
	if config.Dispatch.MaxInFlight == 0 {
		config.Dispatch.MaxInFlight = constants.DefaultMaxInFlight
	}
	if config.Dispatch.MaxInFlight < 1 {
		return fmt.Errorf("dispatch.max_in_flight must be positive (got %d)", config.Dispatch.MaxInFlight)
	}
	if config.Dispatch.FanoutLimit == 0 {
		config.Dispatch.FanoutLimit = constants.DefaultFanoutLimit
	}
	if config.Dispatch.FanoutLimit < 1 {
		return fmt.Errorf("dispatch.fanout_limit must be positive (got %d)", config.Dispatch.FanoutLimit)
	}
	if config.Dispatch.HandlerTimeout == "" {
		config.Dispatch.HandlerTimeout = DefaultHandlerTimeout
	}
	if _, err := parsePositiveDuration("dispatch.handler_timeout", config.Dispatch.HandlerTimeout); err != nil {
		return err
	}

	// Commands
	if len(config.Commands.Prefixes) == 0 {
		config.Commands.Prefixes = []string{"/", "!"}
	}

	// Callback server
	if config.Callback.Enabled {
		if config.Callback.Port == 0 {
			config.Callback.Port = DefaultCallbackPort
		}
		if config.Callback.Port < 1 || config.Callback.Port > 65535 {
			return fmt.Errorf("callback.port must be between 1 and 65535 (got %d)", config.Callback.Port)
		}
		if config.Callback.Path == "" {
			config.Callback.Path = constants.DefaultCallbackPath
		}
		if !strings.HasPrefix(config.Callback.Path, "/") {
			return fmt.Errorf("callback.path must start with '/' (got '%s')", config.Callback.Path)
		}
		if config.Callback.Confirmation == "" {
			return fmt.Errorf("callback.confirmation is required when the callback server is enabled")
		}
	}

	// Set default logging configuration
	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}
	if !config.Logging.Compress {
		config.Logging.Compress = DefaultLogCompress
	}
	if !config.Logging.EnableStdout {
		config.Logging.EnableStdout = DefaultLogEnableStdout
	}

	return nil
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive (got %v)", field, d)
	}
	return d, nil
}

// mustDuration parses a duration already checked by validateConfig
func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// HandlerTimeout returns dispatch.handler_timeout as a duration
func (c *Config) HandlerTimeout() time.Duration {
	return mustDuration(c.Dispatch.HandlerTimeout, constants.DefaultHandlerTimeout)
}

// APITimeout returns api.timeout as a duration
func (c *Config) APITimeout() time.Duration {
	return mustDuration(c.API.Timeout, constants.DefaultAPITimeout)
}

// Backoff returns the long-poll retry policy
func (c *Config) Backoff() longpoll.Backoff {
	return longpoll.Backoff{
		Initial:    mustDuration(c.LongPoll.BackoffInitial, constants.DefaultBackoffInitial),
		Max:        mustDuration(c.LongPoll.BackoffMax, constants.DefaultBackoffMax),
		MaxRetries: c.LongPoll.MaxRetries,
	}
}

// EnabledBots returns the bots that are not disabled
func (c *Config) EnabledBots() []BotConfig {
	var out []BotConfig
	for _, b := range c.Bots {
		if !b.Disabled {
			out = append(out, b)
		}
	}
	return out
}

// GetBotConfig retrieves configuration for a specific bot
func (c *Config) GetBotConfig(name string) (BotConfig, error) {
	for _, b := range c.Bots {
		if b.Name != name {
			continue
		}
		if b.Disabled {
			return BotConfig{}, fmt.Errorf("bot %s is disabled", name)
		}
		return b, nil
	}
	return BotConfig{}, fmt.Errorf("bot %s not found in configuration", name)
}

// IsOwner checks if a user may run owner-only commands
func (c *Config) IsOwner(userID int64) bool {
	for _, id := range c.Commands.Owners {
		if id == userID {
			return true
		}
	}
	return false
}
