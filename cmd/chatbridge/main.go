package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/bus"
	"chatbridge/internal/config"
	"chatbridge/internal/discord"
	"chatbridge/internal/domain"
	"chatbridge/internal/listener"
	"chatbridge/internal/notify"
	"chatbridge/internal/provision"
	"chatbridge/internal/registry"
	"chatbridge/internal/relay"
	"chatbridge/internal/server"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFile    string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatbridge",
		Short: "Bridge website visitors to per-visitor Discord channels",
		Long: `chatbridge relays live chat between anonymous website visitors, identified
by email over WebSocket, and one Discord text channel per visitor.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.chatbridge/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv fills unset environment variables from envFile when it exists.
func loadDotEnv() error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	logger.Debug("environment loaded", "file", envFile)
	return nil
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func newLogger(cfg config.GeneralConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket relay and the Discord listener",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.General)

	if err := config.RequireDiscord(cfg); err != nil {
		logger.Error("missing discord configuration", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Open(cfg.Registry.Driver, cfg.Registry.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	dc, err := discord.New(discord.Config{Token: cfg.Discord.Token, Logger: logger})
	if err != nil {
		return err
	}
	platform := dc.Platform()
	requestTimeout := time.Duration(cfg.Discord.RequestTimeoutSeconds) * time.Second

	notifier := notify.New(notify.Config{
		Platform: platform,
		Timeout:  requestTimeout,
		Logger:   logger,
	})
	prov := provision.New(provision.Config{
		Registry:         reg,
		Platform:         platform,
		Notifier:         notifier,
		GuildID:          cfg.Discord.GuildID,
		CategoryID:       cfg.Discord.CategoryID,
		WelcomeSender:    cfg.Discord.BotName,
		WelcomeAvatarURL: cfg.Discord.BotAvatarURL,
		WelcomeMessage:   cfg.Discord.WelcomeMessage,
		Timeout:          3 * requestTimeout,
		Logger:           logger,
	})

	// A wrong guild or category is fatal at boot; a flaky API is not.
	checkCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	err = prov.CheckTarget(checkCtx)
	cancel()
	var cerr *domain.ConfigurationError
	if errors.As(err, &cerr) {
		logger.Error("discord target check failed", "err", err)
		return err
	}
	if err != nil {
		logger.Warn("discord target check inconclusive, continuing", "err", err)
	}

	deliveries := bus.New(cfg.Relay.InboundBuffer, logger)

	gateway := relay.New(relay.Config{
		Provisioner:       prov,
		Registry:          reg,
		Notifier:          notifier,
		DefaultSenderName: cfg.Relay.DefaultSenderName,
		SenderAvatarURL:   cfg.Relay.SenderAvatarURL,
		DuplicatePolicy:   cfg.Relay.DuplicatePolicy,
		MessagesPerMinute: cfg.Relay.MessagesPerMinute,
		MessageBurst:      cfg.Relay.MessageBurst,
		AllowedOrigins:    cfg.Relay.AllowedOrigins,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		Logger:            logger,
	})

	inbound := listener.New(listener.Config{
		Registry:  reg,
		Bus:       deliveries,
		Recipient: gateway,
		GuildID:   cfg.Discord.GuildID,
		Logger:    logger,
	})
	removeHandler := dc.OnMessage(func(m domain.PlatformMessage) {
		inbound.Handle(ctx, m)
	})
	defer removeHandler()

	if err := dc.Open(); err != nil {
		return err
	}
	defer dc.Close()

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		inbound.Run(ctx)
	}()

	metricsEndpoint := ""
	if cfg.Metrics.Enabled {
		metricsEndpoint = cfg.Metrics.Endpoint
	}
	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Provisioner:     prov,
		Relay:           gateway,
		RelayPath:       cfg.Relay.Path,
		MetricsEndpoint: metricsEndpoint,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		ShutdownTimeout: shutdownTimeout,
		Version:         version,
		Logger:          logger,
	})

	logger.Info("chat bridge started. Press Ctrl+C to stop.",
		"guild_id", cfg.Discord.GuildID,
		"registry", cfg.Registry.Driver,
		"duplicate_policy", cfg.Relay.DuplicatePolicy,
	)

	serveErr := srv.Run(ctx)
	stop()
	logger.Info("shutting down chat bridge...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		gateway.Close()
		deliveries.Close()
		<-listenerDone
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		if serveErr == nil {
			serveErr = fmt.Errorf("shutdown timed out")
		}
	}
	return serveErr
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Discord.Token = "${DISCORD_TOKEN}"
			cfg.Discord.GuildID = "${GUILD_ID}"
			cfg.Discord.CategoryID = "${CATEGORY_ID}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chatbridge", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. relay.duplicatePolicy)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. relay.duplicatePolicy replace)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.ReadFile(cfgPath)
			if errors.Is(err, fs.ErrNotExist) {
				cfg, err = config.Defaults(), nil
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
