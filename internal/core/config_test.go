package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validConfig() *Config {
	return &Config{
		Bots: []BotConfig{{Name: "main", Token: "token", GroupID: 1}},
	}
}

func TestLoadConfig_ValidConfig_ReturnsConfigStruct(t *testing.T) {
	t.Setenv("TEST_VK_TOKEN", "test-token-12345")
	path := writeConfig(t, `
bots:
  - name: "main"
    token: "${TEST_VK_TOKEN}"
    group_id: 42
  - name: "me"
    token: "user-token"
    mode: "user"
dispatch:
  max_in_flight: 16
  handler_timeout: "5s"
commands:
  prefixes: ["."]
  owners: [1, 2]
`)

	config, err := LoadConfig(path)

	require.NoError(t, err)
	require.Len(t, config.Bots, 2)
	assert.Equal(t, "test-token-12345", config.Bots[0].Token)
	assert.Equal(t, int64(42), config.Bots[0].GroupID)
	assert.Equal(t, "group", config.Bots[0].Mode)
	assert.Equal(t, "user", config.Bots[1].Mode)
	assert.Equal(t, 16, config.Dispatch.MaxInFlight)
	assert.Equal(t, 5*time.Second, config.HandlerTimeout())
	assert.Equal(t, []string{"."}, config.Commands.Prefixes)
	assert.True(t, config.IsOwner(2))
	assert.False(t, config.IsOwner(3))
}

func TestLoadConfig_MissingEnv_ReturnsError(t *testing.T) {
	path := writeConfig(t, `
bots:
  - token: "${VKBOT_TEST_UNSET_VARIABLE}"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VKBOT_TEST_UNSET_VARIABLE")
}

func TestLoadConfig_MissingFile_ReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML_ReturnsError(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "bots: [\n"))
	assert.Error(t, err)
}

func TestValidateConfig_Defaults(t *testing.T) {
	config := validConfig()
	require.NoError(t, validateConfig(config))

	assert.Equal(t, "https://api.vk.com/method", config.API.BaseURL)
	assert.Equal(t, "5.199", config.API.Version)
	assert.Equal(t, 30*time.Second, config.APITimeout())
	assert.Equal(t, 25, config.LongPoll.Wait)
	assert.Equal(t, 202, config.LongPoll.Flags)
	assert.Equal(t, 8, config.LongPoll.MaxRetries)
	assert.Equal(t, time.Second, config.Backoff().Initial)
	assert.Equal(t, 30*time.Second, config.Backoff().Max)
	assert.Equal(t, 256, config.Dispatch.MaxInFlight)
	assert.Equal(t, 64, config.Dispatch.FanoutLimit)
	assert.Equal(t, time.Minute, config.HandlerTimeout())
	assert.Equal(t, []string{"/", "!"}, config.Commands.Prefixes)
	assert.Equal(t, DefaultLogLevel, config.Logging.Level)
	assert.Equal(t, DefaultLogMaxSize, config.Logging.MaxSize)
	assert.True(t, config.Logging.EnableStdout)
	assert.False(t, config.Callback.Enabled)
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		msg    string
	}{
		{"no bots", func(c *Config) { c.Bots = nil }, "at least one bot"},
		{"all disabled", func(c *Config) { c.Bots[0].Disabled = true }, "all bots are disabled"},
		{"missing token", func(c *Config) { c.Bots[0].Token = "" }, "token is required"},
		{"bad mode", func(c *Config) { c.Bots[0].Mode = "robot" }, "mode must be"},
		{"negative group", func(c *Config) { c.Bots[0].GroupID = -1 }, "group_id must be positive"},
		{"duplicate name", func(c *Config) { c.Bots = append(c.Bots, BotConfig{Name: "main", Token: "t"}) }, "duplicate bot name"},
		{"bad wait", func(c *Config) { c.LongPoll.Wait = 120 }, "longpoll.wait"},
		{"bad backoff", func(c *Config) { c.LongPoll.BackoffInitial = "soon" }, "invalid longpoll.backoff_initial"},
		{"backoff order", func(c *Config) {
			c.LongPoll.BackoffInitial = "10s"
			c.LongPoll.BackoffMax = "1s"
		}, "backoff_max"},
		{"negative in flight", func(c *Config) { c.Dispatch.MaxInFlight = -1 }, "max_in_flight"},
		{"zero timeout", func(c *Config) { c.Dispatch.HandlerTimeout = "0s" }, "handler_timeout must be positive"},
		{"callback bot without server", func(c *Config) { c.Bots[0].Callback = true }, "callback.enabled is false"},
		{"callback without confirmation", func(c *Config) { c.Callback.Enabled = true }, "callback.confirmation"},
		{"callback bad path", func(c *Config) {
			c.Callback.Enabled = true
			c.Callback.Confirmation = "abc"
			c.Callback.Path = "hook"
		}, "callback.path"},
		{"user callback bot", func(c *Config) {
			c.Callback.Enabled = true
			c.Callback.Confirmation = "abc"
			c.Bots[0].Mode = "user"
			c.Bots[0].Callback = true
		}, "only group bots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := validateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestValidateConfig_NamesBots(t *testing.T) {
	config := &Config{Bots: []BotConfig{{Token: "a"}, {Token: "b", Disabled: true}}}
	require.NoError(t, validateConfig(config))
	assert.Equal(t, "bot1", config.Bots[0].Name)
	assert.Equal(t, "bot2", config.Bots[1].Name)
	assert.Len(t, config.EnabledBots(), 1)

	_, err := config.GetBotConfig("bot2")
	assert.Error(t, err)
	_, err = config.GetBotConfig("nope")
	assert.Error(t, err)
	b, err := config.GetBotConfig("bot1")
	require.NoError(t, err)
	assert.Equal(t, "a", b.Token)
}

func TestValidateConfig_CallbackDefaults(t *testing.T) {
	config := validConfig()
	config.Callback = CallbackConfig{Enabled: true, Confirmation: "abc"}
	require.NoError(t, validateConfig(config))
	assert.Equal(t, DefaultCallbackPort, config.Callback.Port)
	assert.Equal(t, "/callback", config.Callback.Path)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("VKBOT_A", "1")
	out, err := expandEnv("a=${VKBOT_A} b=$VKBOT_A")
	require.NoError(t, err)
	assert.Equal(t, "a=1 b=1", out)
}
