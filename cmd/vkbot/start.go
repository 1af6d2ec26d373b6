package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/bot"
	"github.com/keepmind9/vkbot/internal/core"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/internal/longpoll"
	"github.com/keepmind9/vkbot/internal/plugins/basic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start vkbot main process",
		Long:  "Start vkbot main process, poll every configured bot and dispatch events to the installed packages",
		Run: func(cmd *cobra.Command, args []string) {
			if validateOnly, _ := cmd.Flags().GetBool("validate"); validateOnly {
				if !runValidate(cmd.OutOrStdout(), configFile, false, false) {
					os.Exit(1)
				}
				return
			}

			// Load configuration
			config, err := core.LoadConfig(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			fmt.Printf("Starting vkbot with config: %s\n", configFile)
			fmt.Printf("Bots enabled: %d\n", len(config.EnabledBots()))
			fmt.Printf("Command prefixes: %v\n", config.Commands.Prefixes)
			fmt.Printf("Callback server enabled: %v\n", config.Callback.Enabled)

			// Initialize logger
			logConfig := logger.Config{
				Level:        config.Logging.Level,
				File:         config.Logging.File,
				MaxSize:      config.Logging.MaxSize,
				MaxBackups:   config.Logging.MaxBackups,
				MaxAge:       config.Logging.MaxAge,
				Compress:     config.Logging.Compress,
				EnableStdout: config.Logging.EnableStdout,
			}
			if err := logger.InitLogger(logConfig); err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			logger.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   config.Logging.Level,
				"log_file":    config.Logging.File,
			}).Info("logger-initialized")

			// Stop on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := buildEngine(ctx, config)
			if err != nil {
				log.Fatalf("Failed to create engine: %v", err)
			}

			// Start engine in a goroutine
			engineErrChan := make(chan error, 1)
			go func() {
				fmt.Println("\nvkbot engine starting...")
				fmt.Print("Press Ctrl+C to stop\n\n")
				engineErrChan <- engine.Run(ctx)
			}()

			// Wait for signal or engine error
			select {
			case <-ctx.Done():
				log.Printf("Received signal, shutting down gracefully...")
				if err := engine.Stop(); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
				if err := <-engineErrChan; err != nil {
					log.Printf("Engine error during shutdown: %v", err)
				}
			case err := <-engineErrChan:
				if err != nil {
					var terr *longpoll.TransportError
					if errors.As(err, &terr) {
						log.Fatalf("Long-poll gave up after %d attempts: %v", terr.Attempts, terr.Err)
					}
					log.Fatalf("Engine error: %v", err)
				}
			}

			log.Println("vkbot stopped")
		},
	}
)

// buildEngine creates the engine with one bot per enabled bot entry and the
// built-in package installed. Bots share one reference cache.
func buildEngine(ctx context.Context, config *core.Config) (*core.Engine, error) {
	engine := core.NewEngine(config)
	cache := api.NewCache()

	var created []*bot.Bot
	for _, bc := range config.EnabledBots() {
		b, err := bot.New(ctx, botOptions(config, bc, cache))
		if err != nil {
			for _, c := range created {
				_ = c.Close()
			}
			return nil, err
		}
		created = append(created, b)
		engine.RegisterBot(b)
		logger.WithFields(logrus.Fields{
			"bot":   b.Name(),
			"polls": b.Polls(),
		}).Info("registered-bot")
	}

	pkg, err := basic.New(basic.Options{
		Prefixes:      config.Commands.Prefixes,
		CaseSensitive: config.Commands.CaseSensitive,
		Owners:        config.Commands.Owners,
		Disabled:      config.Commands.Disabled,
	})
	if err != nil {
		for _, c := range created {
			_ = c.Close()
		}
		return nil, fmt.Errorf("failed to create package %s: %w", basic.Name, err)
	}
	engine.RegisterPackage(pkg)
	logger.WithField("package", pkg.Name()).Info("registered-package")

	return engine, nil
}

// botOptions maps one bots entry and the shared sections onto bot.Options
func botOptions(config *core.Config, bc core.BotConfig, cache *api.Cache) bot.Options {
	return bot.Options{
		Name:     bc.Name,
		Token:    bc.Token,
		Mode:     longpoll.Mode(bc.Mode),
		GroupID:  bc.GroupID,
		OwnerID:  bc.OwnerID,
		Callback: bc.Callback,
		API: api.ClientConfig{
			BaseURL: config.API.BaseURL,
			Version: config.API.Version,
			Timeout: config.APITimeout(),
		},
		Cache:  cache,
		Cached: config.API.CachedMethods,
		LongPoll: longpoll.Config{
			Wait:    config.LongPoll.Wait,
			Flags:   config.LongPoll.Flags,
			Backoff: config.Backoff(),
		},
	}
}

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file path")
}
