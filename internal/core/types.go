package core

// Config represents the complete vkbot configuration structure
type Config struct {
	API      APIConfig      `yaml:"api"`
	Bots     []BotConfig    `yaml:"bots"`
	LongPoll LongPollConfig `yaml:"longpoll"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Commands CommandsConfig `yaml:"commands"`
	Callback CallbackConfig `yaml:"callback"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig represents remote API client settings shared by all bots
type APIConfig struct {
	BaseURL       string   `yaml:"base_url"`       // Default: https://api.vk.com/method
	Version       string   `yaml:"version"`        // Default: 5.199
	Timeout       string   `yaml:"timeout"`        // Per call timeout (e.g., "30s")
	CachedMethods []string `yaml:"cached_methods"` // Reference lookups answered from the cache
}

// BotConfig represents one bot identity
type BotConfig struct {
	Name     string `yaml:"name"`
	Token    string `yaml:"token"`
	Mode     string `yaml:"mode"`     // group or user (default: group)
	GroupID  int64  `yaml:"group_id"` // Looked up from the token when empty
	OwnerID  int64  `yaml:"owner_id"` // Looked up from the token when empty
	Disabled bool   `yaml:"disabled"`
	Callback bool   `yaml:"callback"` // Receive events through the callback server instead of long-poll
}

// LongPollConfig represents long-poll session settings
type LongPollConfig struct {
	Wait           int    `yaml:"wait"`            // Server hold time in seconds (default: 25)
	Flags          int    `yaml:"flags"`           // User session mode bit set (default: 202)
	BackoffInitial string `yaml:"backoff_initial"` // First retry delay (default: 1s)
	BackoffMax     string `yaml:"backoff_max"`     // Retry delay cap (default: 30s)
	MaxRetries     int    `yaml:"max_retries"`     // Consecutive transport failures before giving up (default: 8)
}

// DispatchConfig represents event dispatch limits
type DispatchConfig struct {
	MaxInFlight    int    `yaml:"max_in_flight"`   // Events handled concurrently per engine (default: 256)
	FanoutLimit    int    `yaml:"fanout_limit"`    // Concurrent tasks inside one fan-out (default: 64)
	HandlerTimeout string `yaml:"handler_timeout"` // Time budget for handling one event (default: 60s)
}

// CommandsConfig represents built-in command settings
type CommandsConfig struct {
	Prefixes      []string `yaml:"prefixes"`       // Default: "/" and "!"
	CaseSensitive bool     `yaml:"case_sensitive"` // Match names case-sensitively
	Owners        []int64  `yaml:"owners"`         // Users allowed to run owner-only commands
	Disabled      []string `yaml:"disabled"`       // Built-in commands to leave out
}

// CallbackConfig represents the callback API HTTP server
type CallbackConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Port         int    `yaml:"port"`
	Path         string `yaml:"path"`         // Default: /callback
	Confirmation string `yaml:"confirmation"` // Answer to "confirmation" requests
	Secret       string `yaml:"secret"`       // Expected "secret" field, empty disables the check
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     bool   `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStdout bool   `yaml:"enable_stdout"` // Also output to stdout (default: true)
}
