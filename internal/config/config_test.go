package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatbridge/internal/domain"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DISCORD_TOKEN", "GUILD_ID", "CATEGORY_ID", "PORT", "HOST",
		"LOG_LEVEL", "LOG_FORMAT", "REGISTRY_DRIVER", "REGISTRY_PATH",
	} {
		t.Setenv(name, "")
	}
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_DuplicatePolicy(t *testing.T) {
	for _, policy := range []string{"reject", "replace"} {
		cfg := Defaults()
		cfg.Relay.DuplicatePolicy = policy
		if err := Validate(cfg); err != nil {
			t.Fatalf("policy %q should be valid: %v", policy, err)
		}
	}

	cfg := Defaults()
	cfg.Relay.DuplicatePolicy = "last-wins"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown duplicate policy")
	}
}

func TestValidate_RegistryDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Registry.Driver = "redis"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown registry driver")
	}

	cfg = Defaults()
	cfg.Registry.Driver = "sqlite"
	cfg.Registry.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for sqlite without dbPath")
	}
}

func TestValidate_RequestTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.Discord.RequestTimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for requestTimeoutSeconds=0")
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "loud"
	cfg.Relay.Path = "ws"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"general.logLevel", "relay.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_MetricsPathClash(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Endpoint = cfg.Relay.Path
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when metrics and relay share a path")
	}
}

// --- RequireDiscord ---

func TestRequireDiscord_ReportsEveryMissingField(t *testing.T) {
	err := RequireDiscord(Defaults())
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	for _, field := range []string{"discord.token", "discord.guildId", "discord.categoryId"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected %s in %v", field, err)
		}
	}
}

func TestRequireDiscord_Complete(t *testing.T) {
	cfg := Defaults()
	cfg.Discord.Token = "token"
	cfg.Discord.GuildID = "1"
	cfg.Discord.CategoryID = "2"
	if err := RequireDiscord(cfg); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestRequireDiscord_UnexpandedPlaceholdersAreMissing(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Defaults()
	cfg.Discord.Token = "${DISCORD_TOKEN}"
	cfg.Discord.GuildID = "${GUILD_ID}"
	cfg.Discord.CategoryID = "${CATEGORY_ID}"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadOrDefaults(path)
	if err != nil {
		t.Fatalf("LoadOrDefaults: %v", err)
	}
	if loaded.Discord.Token != "${DISCORD_TOKEN}" {
		t.Fatalf("expected placeholder to survive expansion, got %q", loaded.Discord.Token)
	}

	err = RequireDiscord(loaded)
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	for _, field := range []string{"discord.token", "discord.guildId", "discord.categoryId"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected %s in %v", field, err)
		}
	}

	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("GUILD_ID", "1")
	t.Setenv("CATEGORY_ID", "2")
	loaded, err = LoadOrDefaults(path)
	if err != nil {
		t.Fatalf("LoadOrDefaults: %v", err)
	}
	if err := RequireDiscord(loaded); err != nil {
		t.Fatalf("expected no error once env is set, got %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := Defaults()
			original.Discord.GuildID = "112233445566778899"
			original.Relay.AllowedOrigins = []string{"https://example.com"}

			if err := Save(path, original); err != nil {
				t.Fatalf("save: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Discord.GuildID != "112233445566778899" {
				t.Fatalf("expected guild id to survive, got %q", loaded.Discord.GuildID)
			}
			if len(loaded.Relay.AllowedOrigins) != 1 || loaded.Relay.AllowedOrigins[0] != "https://example.com" {
				t.Fatalf("unexpected origins: %v", loaded.Relay.AllowedOrigins)
			}
		})
	}
}

func TestSave_RestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaults_MissingFileUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "secret-token")
	t.Setenv("GUILD_ID", "111")
	t.Setenv("CATEGORY_ID", "222")
	t.Setenv("PORT", "4000")

	cfg, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discord.Token != "secret-token" || cfg.Discord.GuildID != "111" || cfg.Discord.CategoryID != "222" {
		t.Fatalf("env overrides not applied: %+v", cfg.Discord)
	}
	if cfg.Server.Port != 4000 {
		t.Fatalf("expected port 4000, got %d", cfg.Server.Port)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("GUILD_ID", "from-env")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"discord": {"guildId": "from-file", "categoryId": "cat"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discord.GuildID != "from-env" {
		t.Fatalf("expected env to win, got %q", cfg.Discord.GuildID)
	}
	if cfg.Discord.CategoryID != "cat" {
		t.Fatalf("expected file value, got %q", cfg.Discord.CategoryID)
	}
}

func TestLoad_InvalidPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")

	_, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Field != "PORT" {
		t.Fatalf("expected PORT ConfigurationError, got %v", err)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bridge.yml")
	content := `
discord:
  guildId: "123"
  categoryId: "456"
relay:
  duplicatePolicy: replace
registry:
  driver: sqlite
  dbPath: /tmp/bridge.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.DuplicatePolicy != "replace" || cfg.Registry.Driver != "sqlite" {
		t.Fatalf("yaml values not applied: %+v %+v", cfg.Relay, cfg.Registry)
	}
	// Unset fields keep their defaults.
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"relay": {"duplicatePolicy": "whatever"}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for duplicatePolicy")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_BRIDGE_WELCOME", "Hello from {email}")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"discord": {
			"welcomeMessage": "${TEST_BRIDGE_WELCOME}",
			"botName": "${TEST_BRIDGE_BOT:-Front Desk}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Discord.WelcomeMessage != "Hello from {email}" {
		t.Fatalf("unexpected welcome message %q", cfg.Discord.WelcomeMessage)
	}
	if cfg.Discord.BotName != "Front Desk" {
		t.Fatalf("expected default bot name, got %q", cfg.Discord.BotName)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "relay.duplicatePolicy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "reject" {
		t.Fatalf("expected 'reject', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_SnowflakeStaysString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "discord.guildId", "112233445566778899"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Discord.GuildID != "112233445566778899" {
		t.Fatalf("expected snowflake, got %q", cfg.Discord.GuildID)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "metrics.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.messagesPerMinute", "12"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Relay.MessagesPerMinute != 12 {
		t.Fatalf("expected 12, got %d", cfg.Relay.MessagesPerMinute)
	}
}

func TestSetByPath_ListConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.allowedOrigins", "https://a.example, https://b.example"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Relay.AllowedOrigins) != 2 || cfg.Relay.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.Relay.AllowedOrigins)
	}
}

// --- Sanitize ---

func TestSanitize_MasksToken(t *testing.T) {
	cfg := Defaults()
	cfg.Discord.Token = "MTIzNDU2Nzg5.abcdef.ghijklmnop"

	sanitized := Sanitize(cfg)

	if sanitized.Discord.Token == cfg.Discord.Token {
		t.Fatal("discord token should be masked")
	}
	if cfg.Discord.Token != "MTIzNDU2Nzg5.abcdef.ghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Discord.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Discord.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Discord.Token)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}
	for _, expected := range []string{"general.logLevel", "discord.guildId", "relay.duplicatePolicy", "registry.driver"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_DISCORD_TOKEN", "abc123")
	result := ExpandEnvVars(`{"token": "${TEST_DISCORD_TOKEN}"}`)
	expected := `{"token": "abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestReadFile_IgnoresEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_TOKEN", "from-env")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}
	cfg, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Discord.Token != "" {
		t.Fatalf("env token must not leak into the file view, got %q", cfg.Discord.Token)
	}
}
