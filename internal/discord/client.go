package discord

import (
	"fmt"
	"log/slog"

	"chatbridge/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// Config configures the Discord client.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Client owns the bot session: REST calls through Platform and gateway
// message events through OnMessage.
type Client struct {
	session  *discordgo.Session
	platform *Platform
	logger   *slog.Logger
}

// New creates a Discord client. REST calls work before Open; events need Open.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, &domain.ConfigurationError{Field: "discord.token"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	// Handlers run in gateway order so relayed replies keep their order.
	session.SyncEvents = true

	logger := cfg.Logger.With("component", "discord")
	return &Client{
		session:  session,
		platform: newPlatform(session, logger),
		logger:   logger,
	}, nil
}

// Platform returns the REST side of the client.
func (c *Client) Platform() *Platform { return c.platform }

// OnMessage registers fn for every message created in a channel the bot can
// see. It returns a function that removes the handler.
func (c *Client) OnMessage(fn func(domain.PlatformMessage)) func() {
	return c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		fn(toPlatformMessage(m))
	})
}

// Open connects to the Discord gateway.
func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.logger.Info("discord bot connected", "user", c.session.State.User.Username)
	}
	return nil
}

func (c *Client) Close() error {
	c.logger.Info("discord bot disconnecting")
	return c.session.Close()
}

func toPlatformMessage(m *discordgo.MessageCreate) domain.PlatformMessage {
	pm := domain.PlatformMessage{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		WebhookID: m.WebhookID,
		Body:      m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		pm.AuthorName = m.Author.Username
		pm.AuthorBot = m.Author.Bot || m.Author.System
	}
	return pm
}
