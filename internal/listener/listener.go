// Package listener turns platform message events into deliveries for the
// visitors that own the channels.
package listener

import (
	"context"
	"errors"
	"log/slog"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

// Recipient delivers an inbound event to a visitor's live connection.
type Recipient interface {
	Deliver(ctx context.Context, identity domain.VisitorIdentity, ev domain.InboundEvent) error
}

// Config configures a Listener.
type Config struct {
	Registry  domain.IdentityRegistry
	Bus       domain.DeliveryBus
	Recipient Recipient
	GuildID   string
	Logger    *slog.Logger
}

// Listener filters platform events down to managed channels. It only reads
// the registry.
type Listener struct {
	registry  domain.IdentityRegistry
	bus       domain.DeliveryBus
	recipient Recipient
	guildID   string
	logger    *slog.Logger
}

func New(cfg Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{
		registry:  cfg.Registry,
		bus:       cfg.Bus,
		recipient: cfg.Recipient,
		guildID:   cfg.GuildID,
		logger:    cfg.Logger.With("component", "listener"),
	}
}

// Handle publishes m for its visitor when m is a human reply in a managed
// channel of the configured guild. Everything else is ignored.
func (l *Listener) Handle(ctx context.Context, m domain.PlatformMessage) {
	// Webhook-authored messages are the visitor's own relayed text.
	if m.AuthorBot || m.WebhookID != "" {
		return
	}
	if m.GuildID != l.guildID {
		return
	}

	identity, ok, err := l.registry.FindIdentityByChannel(ctx, m.ChannelID)
	if err != nil {
		metrics.InboundTotal.WithLabelValues(metrics.ResultError).Inc()
		l.logger.Error("reverse lookup failed", "channel_id", m.ChannelID, "err", err)
		return
	}
	if !ok {
		metrics.InboundTotal.WithLabelValues(metrics.ResultIgnored).Inc()
		return
	}

	l.bus.Publish(domain.Delivery{
		Identity: identity,
		Event: domain.InboundEvent{
			ChannelID:  m.ChannelID,
			AuthorName: m.AuthorName,
			Body:       m.Body,
			Timestamp:  m.Timestamp,
		},
	})
}

// Run forwards deliveries to live connections in bus order until ctx ends or
// the bus is closed.
func (l *Listener) Run(ctx context.Context) {
	deliveries := l.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.forward(ctx, d)
		}
	}
}

func (l *Listener) forward(ctx context.Context, d domain.Delivery) {
	err := l.recipient.Deliver(ctx, d.Identity, d.Event)
	switch {
	case err == nil:
		metrics.InboundTotal.WithLabelValues(metrics.ResultDelivered).Inc()
	case errors.Is(err, domain.ErrNoRecipient):
		metrics.InboundTotal.WithLabelValues(metrics.ResultOffline).Inc()
		l.logger.Debug("visitor offline, reply dropped", "identity", d.Identity, "channel_id", d.Event.ChannelID)
	default:
		metrics.InboundTotal.WithLabelValues(metrics.ResultError).Inc()
		l.logger.Warn("reply delivery failed", "identity", d.Identity, "channel_id", d.Event.ChannelID, "err", err)
	}
}
