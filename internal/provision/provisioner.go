// Package provision resolves or creates the channel that belongs to a visitor.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"

	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultWelcomeSender  = "Chat Bridge"
	defaultWelcomeMessage = "A new conversation has started with {email}."
)

// Deliverer posts one message into a channel.
type Deliverer interface {
	Deliver(ctx context.Context, channelID string, msg domain.OutboundMessage) error
}

// Config configures a Provisioner.
type Config struct {
	Registry   domain.IdentityRegistry
	Platform   domain.Platform
	Notifier   Deliverer
	GuildID    string
	CategoryID string

	// Welcome notice persona. WelcomeMessage may contain {email}.
	WelcomeSender    string
	WelcomeAvatarURL string
	WelcomeMessage   string

	// Timeout bounds one provisioning run, independent of its callers.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Provisioner maps visitors to channels, creating at most one channel per
// visitor even under concurrent registration.
type Provisioner struct {
	cfg    Config
	group  singleflight.Group
	logger *slog.Logger
}

func New(cfg Config) *Provisioner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.WelcomeSender == "" {
		cfg.WelcomeSender = defaultWelcomeSender
	}
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = defaultWelcomeMessage
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provisioner{cfg: cfg, logger: cfg.Logger.With("component", "provisioner")}
}

// Provision returns the visitor's channel, creating it on first sight.
// Concurrent calls for the same identity share one run. If ctx ends first the
// caller gets ctx.Err() while the shared run still completes and records its
// result.
func (p *Provisioner) Provision(ctx context.Context, identity domain.VisitorIdentity) (domain.Channel, error) {
	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(string(identity), func() (any, error) {
		runCtx, cancel := context.WithTimeout(detached, p.cfg.Timeout)
		defer cancel()
		channel, err := p.provision(runCtx, identity)
		observe(channel, err)
		return channel, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Channel{}, res.Err
		}
		return res.Val.(domain.Channel), nil
	case <-ctx.Done():
		return domain.Channel{}, ctx.Err()
	}
}

// observe counts one shared run once, however many callers joined it.
func observe(channel domain.Channel, err error) {
	switch {
	case err != nil:
		metrics.ProvisionTotal.WithLabelValues(metrics.ResultError).Inc()
	case channel.Exists:
		metrics.ProvisionTotal.WithLabelValues(metrics.ResultExisting).Inc()
	default:
		metrics.ProvisionTotal.WithLabelValues(metrics.ResultCreated).Inc()
	}
}

func (p *Provisioner) provision(ctx context.Context, identity domain.VisitorIdentity) (domain.Channel, error) {
	staleID, mapped, err := p.cfg.Registry.Resolve(ctx, identity)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("resolve %s: %w", identity, err)
	}

	if mapped {
		_, err := p.cfg.Platform.FetchChannel(ctx, staleID)
		switch {
		case err == nil:
			// Discord may normalize the stored name; callers always see the derived one.
			return domain.Channel{ID: staleID, DisplayName: identity.DisplayName(), Exists: true}, nil
		case errors.Is(err, domain.ErrNotFound):
			p.logger.Warn("mapped channel is gone, recreating", "identity", identity, "channel_id", staleID)
		default:
			return domain.Channel{}, &domain.DeliveryError{Op: "fetch channel", ChannelID: staleID, Err: err}
		}
	}

	if err := p.CheckTarget(ctx); err != nil {
		return domain.Channel{}, err
	}

	name := identity.DisplayName()
	created, err := p.cfg.Platform.CreateChannel(ctx, domain.ChannelSpec{
		GuildID:    p.cfg.GuildID,
		CategoryID: p.cfg.CategoryID,
		Name:       name,
		Topic:      "Chat with " + string(identity),
	})
	if err != nil {
		return domain.Channel{}, &domain.DeliveryError{Op: "create channel", Err: err}
	}

	if mapped {
		err = p.cfg.Registry.Replace(ctx, identity, staleID, created.ID)
	} else {
		err = p.cfg.Registry.Record(ctx, identity, created.ID)
	}
	if err != nil {
		p.logger.Error("channel created but mapping not recorded",
			"identity", identity, "channel_id", created.ID, "err", err)
		return domain.Channel{}, err
	}

	p.logger.Info("channel provisioned", "identity", identity, "channel_id", created.ID, "name", name)
	p.welcome(ctx, identity, created.ID)

	return domain.Channel{ID: created.ID, DisplayName: name, Exists: false}, nil
}

// CheckTarget verifies that the configured guild and category exist.
func (p *Provisioner) CheckTarget(ctx context.Context) error {
	if err := p.cfg.Platform.Guild(ctx, p.cfg.GuildID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.ConfigurationError{Field: "discord.guildId", Err: err}
		}
		return &domain.DeliveryError{Op: "fetch guild", Err: err}
	}
	if err := p.cfg.Platform.Category(ctx, p.cfg.GuildID, p.cfg.CategoryID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.ConfigurationError{Field: "discord.categoryId", Err: err}
		}
		return &domain.DeliveryError{Op: "fetch category", Err: err}
	}
	return nil
}

func (p *Provisioner) welcome(ctx context.Context, identity domain.VisitorIdentity, channelID string) {
	msg := domain.OutboundMessage{
		SenderName: p.cfg.WelcomeSender,
		Body:       strings.ReplaceAll(p.cfg.WelcomeMessage, "{email}", string(identity)),
		AvatarURL:  p.cfg.WelcomeAvatarURL,
	}
	if err := p.cfg.Notifier.Deliver(ctx, channelID, msg); err != nil {
		p.logger.Warn("welcome notice failed", "identity", identity, "channel_id", channelID, "err", err)
	}
}
