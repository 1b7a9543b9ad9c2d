package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/discord"
	"chatbridge/internal/provision"
	"chatbridge/internal/registry"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the bridge setup",
		Long: `Verifies that the configuration, Discord credentials, guild and category,
identity registry, and listen port are correctly set up. Reports pass/fail
for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatbridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Discord credentials
			credsOK := true
			if err := config.RequireDiscord(cfg); err != nil {
				printFail("Discord settings", err.Error())
				failed++
				credsOK = false
			} else {
				printPass("Discord settings", "token, guild and category set")
				passed++
			}

			// 4. Registry
			if err := checkRegistry(cfg.Registry); err != nil {
				printFail("Registry", err.Error())
				failed++
			} else {
				printPass("Registry", registryDetail(cfg.Registry))
				passed++
			}

			// 5. Listen port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Listen port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			// 6. Guild and category
			switch {
			case offline:
				printWarn("Discord target", "skipped (--offline)")
				warned++
			case !credsOK:
				printWarn("Discord target", "skipped, settings incomplete")
				warned++
			default:
				if err := checkDiscordTarget(cfg); err != nil {
					printFail("Discord target", err.Error())
					failed++
				} else {
					printPass("Discord target", fmt.Sprintf("guild %s, category %s", cfg.Discord.GuildID, cfg.Discord.CategoryID))
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running 'chatbridge serve'.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe bridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! The bridge is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call the Discord API")
	return cmd
}

func registryDetail(cfg config.RegistryConfig) string {
	if cfg.Driver == registry.DriverSQLite {
		return "sqlite " + cfg.DBPath
	}
	return "in-memory (mappings reset on restart)"
}

// checkRegistry opens the configured backend and runs one query against it.
func checkRegistry(cfg config.RegistryConfig) error {
	reg, err := registry.Open(cfg.Driver, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := reg.Count(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkDiscordTarget(cfg *config.Config) error {
	dc, err := discord.New(discord.Config{Token: cfg.Discord.Token, Logger: logger})
	if err != nil {
		return err
	}
	prov := provision.New(provision.Config{
		Platform:   dc.Platform(),
		GuildID:    cfg.Discord.GuildID,
		CategoryID: cfg.Discord.CategoryID,
		Logger:     logger,
	})

	timeout := time.Duration(cfg.Discord.RequestTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err = prov.CheckTarget(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("discord did not answer within %s", timeout)
	}
	return err
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
