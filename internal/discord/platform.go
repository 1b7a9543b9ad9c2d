// Package discord adapts discordgo to the bridge's Platform and event interfaces.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"

	"github.com/bwmarrin/discordgo"
)

const (
	maxWebhookNameLen  = 80
	defaultWebhookName = "Visitor"
)

// session is the subset of *discordgo.Session used for REST calls.
type session interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookDelete(webhookID string, options ...discordgo.RequestOption) error
}

// Platform implements domain.Platform over the Discord REST API.
type Platform struct {
	session session
	logger  *slog.Logger
}

func newPlatform(s session, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{session: s, logger: logger}
}

func (p *Platform) Guild(ctx context.Context, guildID string) error {
	defer observe("guild", time.Now())
	if _, err := p.session.Guild(guildID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("fetch guild %s: %w", guildID, mapError(err))
	}
	return nil
}

func (p *Platform) Category(ctx context.Context, guildID, categoryID string) error {
	defer observe("category", time.Now())
	ch, err := p.session.Channel(categoryID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("fetch category %s: %w", categoryID, mapError(err))
	}
	if ch.Type != discordgo.ChannelTypeGuildCategory || ch.GuildID != guildID {
		return fmt.Errorf("channel %s is not a category of guild %s: %w", categoryID, guildID, domain.ErrNotFound)
	}
	return nil
}

func (p *Platform) CreateChannel(ctx context.Context, spec domain.ChannelSpec) (domain.Channel, error) {
	defer observe("create_channel", time.Now())
	ch, err := p.session.GuildChannelCreateComplex(spec.GuildID, discordgo.GuildChannelCreateData{
		Name:     spec.Name,
		Type:     discordgo.ChannelTypeGuildText,
		Topic:    spec.Topic,
		ParentID: spec.CategoryID,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Channel{}, fmt.Errorf("create channel %s: %w", spec.Name, mapError(err))
	}
	p.logger.Info("discord channel created", "channel_id", ch.ID, "name", ch.Name)
	return domain.Channel{ID: ch.ID, DisplayName: ch.Name}, nil
}

func (p *Platform) FetchChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	defer observe("fetch_channel", time.Now())
	ch, err := p.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Channel{}, fmt.Errorf("fetch channel %s: %w", channelID, mapError(err))
	}
	return domain.Channel{ID: ch.ID, DisplayName: ch.Name}, nil
}

func (p *Platform) CreateWebhook(ctx context.Context, channelID, name string) (domain.Webhook, error) {
	defer observe("create_webhook", time.Now())
	hook, err := p.session.WebhookCreate(channelID, webhookName(name), "", discordgo.WithContext(ctx))
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("create webhook in %s: %w", channelID, mapError(err))
	}
	return domain.Webhook{ID: hook.ID, Token: hook.Token, ChannelID: channelID}, nil
}

func (p *Platform) ExecuteWebhook(ctx context.Context, hook domain.Webhook, msg domain.OutboundMessage) error {
	defer observe("execute_webhook", time.Now())
	_, err := p.session.WebhookExecute(hook.ID, hook.Token, true, &discordgo.WebhookParams{
		Content:   msg.Body,
		Username:  webhookName(msg.SenderName),
		AvatarURL: msg.AvatarURL,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("execute webhook %s: %w", hook.ID, mapError(err))
	}
	return nil
}

func (p *Platform) DeleteWebhook(ctx context.Context, hook domain.Webhook) error {
	defer observe("delete_webhook", time.Now())
	if err := p.session.WebhookDelete(hook.ID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete webhook %s: %w", hook.ID, mapError(err))
	}
	return nil
}

// mapError tags 404 responses with domain.ErrNotFound.
func mapError(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}

// Discord refuses webhook names containing these.
var reservedWebhookWords = []string{"discord", "clyde"}

// webhookName clamps a display name to what Discord accepts for webhooks.
func webhookName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultWebhookName
	}
	lower := strings.ToLower(name)
	for _, word := range reservedWebhookWords {
		if strings.Contains(lower, word) {
			return defaultWebhookName
		}
	}
	if utf8.RuneCountInString(name) > maxWebhookNameLen {
		name = string([]rune(name)[:maxWebhookNameLen])
	}
	return name
}

func observe(op string, start time.Time) {
	metrics.PlatformLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
