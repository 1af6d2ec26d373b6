package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/keepmind9/vkbot/internal/core"
	"github.com/spf13/cobra"
)

var (
	validateConfig string
	validateShow   bool
	validateJSON   bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Bots     int      `json:"bots"`
	Enabled  int      `json:"enabled"`
	Callback bool     `json:"callback"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate vkbot configuration file",
	Long: `Validate the vkbot configuration file without starting the service.

This command checks:
  - YAML syntax and environment variables
  - Bot modes, tokens and group ids
  - Long-poll, dispatch and callback settings

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile := validateConfig
		if configFile == "" {
			configFile = findConfigFile()
		}

		if configFile == "" {
			fmt.Println("❌ No configuration file found")
			fmt.Println("\nSpecify a config file with --config or ensure one exists at:")
			for _, loc := range configLocations() {
				fmt.Printf("  - %s\n", loc)
			}
			os.Exit(1)
		}

		if !runValidate(cmd.OutOrStdout(), configFile, validateShow, validateJSON) {
			os.Exit(1)
		}
	},
}

// configLocations are searched in order when no --config is given
func configLocations() []string {
	return []string{
		"config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/vkbot/config.yaml"),
		"/etc/vkbot/config.yaml",
	}
}

func findConfigFile() string {
	for _, loc := range configLocations() {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// runValidate loads configFile, prints the result and reports whether it is valid
func runValidate(out io.Writer, configFile string, show, jsonFormat bool) bool {
	cfg, err := core.LoadConfig(configFile)
	if err != nil {
		outputValidationResult(out, ValidationResult{
			Valid:  false,
			Config: configFile,
			Errors: []string{err.Error()},
		}, jsonFormat)
		return false
	}

	result := ValidationResult{
		Valid:    true,
		Config:   configFile,
		Bots:     len(cfg.Bots),
		Enabled:  len(cfg.EnabledBots()),
		Callback: cfg.Callback.Enabled,
		Warnings: validateConfigDetails(cfg),
	}

	if show && !jsonFormat {
		fmt.Fprintf(out, "✓ Configuration loaded: %s\n\n", configFile)
		fmt.Fprintf(out, "Bots (%d):\n", len(cfg.Bots))
		for _, b := range cfg.Bots {
			status := "enabled"
			if b.Disabled {
				status = "disabled"
			}
			transport := "long-poll"
			if b.Callback {
				transport = "callback"
			}
			fmt.Fprintf(out, "  - %s: %s mode, %s, %s\n", b.Name, b.Mode, transport, status)
		}
		fmt.Fprintf(out, "\nCommand prefixes: %v\n", cfg.Commands.Prefixes)
		fmt.Fprintf(out, "Dispatch: max_in_flight=%d fanout_limit=%d handler_timeout=%s\n\n",
			cfg.Dispatch.MaxInFlight, cfg.Dispatch.FanoutLimit, cfg.HandlerTimeout())
	}

	outputValidationResult(out, result, jsonFormat)
	return result.Valid
}

func outputValidationResult(out io.Writer, result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(out, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(out, string(output))
		return
	}

	if result.Valid {
		fmt.Fprintln(out, "✓ Configuration is valid")
		fmt.Fprintf(out, "  - Config: %s\n", result.Config)
		fmt.Fprintf(out, "  - Bots configured: %d (%d enabled)\n", result.Bots, result.Enabled)
		fmt.Fprintf(out, "  - Callback server: %v\n", result.Callback)
		if len(result.Warnings) > 0 {
			fmt.Fprintln(out, "\n⚠️  Warnings:")
			for _, warning := range result.Warnings {
				fmt.Fprintf(out, "  - %s\n", warning)
			}
		}
		return
	}

	fmt.Fprintln(out, "❌ Configuration validation failed:")
	if len(result.Errors) > 0 {
		fmt.Fprintln(out, "\nErrors:")
		for _, errMsg := range result.Errors {
			fmt.Fprintf(out, "  - %s\n", errMsg)
		}
	}
}

// validateConfigDetails reports settings that load fine but are probably
// not what the operator wants
func validateConfigDetails(cfg *core.Config) []string {
	var warnings []string

	if len(cfg.Commands.Owners) == 0 {
		warnings = append(warnings, "No owners configured - owner-only commands answer the token owner only")
	}
	if cfg.Callback.Enabled && cfg.Callback.Secret == "" {
		warnings = append(warnings, "Callback server has no secret - anyone who knows the URL can push events")
	}
	for _, b := range cfg.EnabledBots() {
		if b.Mode == "group" && b.GroupID == 0 {
			warnings = append(warnings, fmt.Sprintf("Bot '%s' has no group_id - it will be looked up at startup", b.Name))
		}
	}
	if cfg.Dispatch.FanoutLimit > cfg.Dispatch.MaxInFlight {
		warnings = append(warnings, "dispatch.fanout_limit is larger than dispatch.max_in_flight")
	}

	return warnings
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfig, "config", "c", "", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show full configuration details")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")

	// Add validation flag to start command as well
	startCmd.Flags().Bool("validate", false, "Validate configuration and exit")
}
