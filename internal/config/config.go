// Package config loads and validates the bridge configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"chatbridge/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the chat bridge.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`   // debug | info | warn | error
	LogFormat string `json:"logFormat" yaml:"logFormat"` // text | json
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	MaxBodyBytes           int64  `json:"maxBodyBytes" yaml:"maxBodyBytes"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type DiscordConfig struct {
	Token      string `json:"token" yaml:"token"`
	GuildID    string `json:"guildId" yaml:"guildId"`
	CategoryID string `json:"categoryId" yaml:"categoryId"`

	// Persona used for the welcome notice in a new channel.
	BotName        string `json:"botName" yaml:"botName"`
	BotAvatarURL   string `json:"botAvatarUrl,omitempty" yaml:"botAvatarUrl,omitempty"`
	WelcomeMessage string `json:"welcomeMessage" yaml:"welcomeMessage"` // {email} is replaced

	RequestTimeoutSeconds int `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
}

type RelayConfig struct {
	Path              string   `json:"path" yaml:"path"`
	DefaultSenderName string   `json:"defaultSenderName" yaml:"defaultSenderName"`
	SenderAvatarURL   string   `json:"senderAvatarUrl,omitempty" yaml:"senderAvatarUrl,omitempty"`
	DuplicatePolicy   string   `json:"duplicatePolicy" yaml:"duplicatePolicy"` // reject | replace
	MessagesPerMinute int      `json:"messagesPerMinute" yaml:"messagesPerMinute"`
	MessageBurst      int      `json:"messageBurst" yaml:"messageBurst"`
	AllowedOrigins    []string `json:"allowedOrigins" yaml:"allowedOrigins"`
	MaxMessageBytes   int64    `json:"maxMessageBytes" yaml:"maxMessageBytes"`
	InboundBuffer     int      `json:"inboundBuffer" yaml:"inboundBuffer"`
}

type RegistryConfig struct {
	Driver string `json:"driver" yaml:"driver"` // memory | sqlite
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	cfg, err := parse(path, []byte(ExpandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// ReadFile parses path over the defaults without touching the environment,
// so that editing and saving the file never persists secrets from env.
func ReadFile(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Config, error) {
	cfg := Defaults()
	var err error
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefaults is Load, except that a missing file yields the defaults
// plus environment overrides. This lets the bridge run from env alone.
func LoadOrDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(Defaults())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Registry.DBPath = ExpandPath(cfg.Registry.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides config values from the process environment.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DISCORD_TOKEN":   &cfg.Discord.Token,
		"GUILD_ID":        &cfg.Discord.GuildID,
		"CATEGORY_ID":     &cfg.Discord.CategoryID,
		"HOST":            &cfg.Server.Host,
		"LOG_LEVEL":       &cfg.General.LogLevel,
		"LOG_FORMAT":      &cfg.General.LogFormat,
		"REGISTRY_DRIVER": &cfg.Registry.Driver,
		"REGISTRY_PATH":   &cfg.Registry.DBPath,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &domain.ConfigurationError{Field: "PORT", Err: err}
		}
		cfg.Server.Port = port
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may hold the bot token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. Discord credentials are
// checked separately by RequireDiscord so that offline commands work without
// them.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		errs = append(errs, "server.maxBodyBytes must be >= 1")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}

	if cfg.Discord.RequestTimeoutSeconds < 1 || cfg.Discord.RequestTimeoutSeconds > 120 {
		errs = append(errs, "discord.requestTimeoutSeconds must be between 1 and 120")
	}

	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		errs = append(errs, "relay.path must start with /")
	}
	switch cfg.Relay.DuplicatePolicy {
	case "reject", "replace":
	default:
		errs = append(errs, "relay.duplicatePolicy must be one of: reject, replace")
	}
	if cfg.Relay.MessagesPerMinute < 0 {
		errs = append(errs, "relay.messagesPerMinute must be >= 0")
	}
	if cfg.Relay.MessagesPerMinute > 0 && cfg.Relay.MessageBurst < 1 {
		errs = append(errs, "relay.messageBurst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Relay.MaxMessageBytes < 1 {
		errs = append(errs, "relay.maxMessageBytes must be >= 1")
	}
	if cfg.Relay.InboundBuffer < 1 {
		errs = append(errs, "relay.inboundBuffer must be >= 1")
	}

	switch cfg.Registry.Driver {
	case "memory":
	case "sqlite":
		if cfg.Registry.DBPath == "" {
			errs = append(errs, "registry.dbPath is required for the sqlite driver")
		}
	default:
		errs = append(errs, "registry.driver must be one of: memory, sqlite")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Endpoint == cfg.Relay.Path {
		errs = append(errs, "metrics.endpoint and relay.path must differ")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireDiscord reports every missing Discord credential as a
// *domain.ConfigurationError. A ${VAR} reference left unexpanded counts as
// missing.
func RequireDiscord(cfg *Config) error {
	var errs []error
	if unset(cfg.Discord.Token) {
		errs = append(errs, &domain.ConfigurationError{Field: "discord.token", Err: errors.New("set DISCORD_TOKEN")})
	}
	if unset(cfg.Discord.GuildID) {
		errs = append(errs, &domain.ConfigurationError{Field: "discord.guildId", Err: errors.New("set GUILD_ID")})
	}
	if unset(cfg.Discord.CategoryID) {
		errs = append(errs, &domain.ConfigurationError{Field: "discord.categoryId", Err: errors.New("set CATEGORY_ID")})
	}
	return errors.Join(errs...)
}

func unset(v string) bool {
	return strings.TrimSpace(v) == "" || envVarPattern.MatchString(v)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
