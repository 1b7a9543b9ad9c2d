package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   3000,
			MaxBodyBytes:           1 << 20,
			ShutdownTimeoutSeconds: 10,
		},
		Discord: DiscordConfig{
			BotName:               "Chat Bridge",
			WelcomeMessage:        "A new conversation has started with {email}.",
			RequestTimeoutSeconds: 10,
		},
		Relay: RelayConfig{
			Path:              "/ws",
			DefaultSenderName: "Visitor",
			DuplicatePolicy:   "reject",
			MessagesPerMinute: 30,
			MessageBurst:      5,
			MaxMessageBytes:   8 << 10,
			InboundBuffer:     100,
			AllowedOrigins:    []string{},
		},
		Registry: RegistryConfig{
			Driver: "memory",
			DBPath: "~/.chatbridge/registry.db",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
