// Package notify posts messages into channels through disposable webhooks.
package notify

import (
	"context"
	"log/slog"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// Config configures a Notifier.
type Config struct {
	Platform domain.Platform
	Timeout  time.Duration // per delivery, and again for the webhook release
	Logger   *slog.Logger
}

// Notifier delivers one message per call under a sender's display name.
type Notifier struct {
	platform domain.Platform
	timeout  time.Duration
	logger   *slog.Logger
}

func New(cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		platform: cfg.Platform,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "notifier"),
	}
}

// Deliver posts msg into channelID. The webhook created for the message is
// deleted on every exit path. Failures are returned as *domain.DeliveryError
// and never retried.
func (n *Notifier) Deliver(ctx context.Context, channelID string, msg domain.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if _, err := n.platform.FetchChannel(ctx, channelID); err != nil {
		return &domain.DeliveryError{Op: "resolve channel", ChannelID: channelID, Err: err}
	}

	hook, err := n.platform.CreateWebhook(ctx, channelID, msg.SenderName)
	if err != nil {
		return &domain.DeliveryError{Op: "create webhook", ChannelID: channelID, Err: err}
	}
	defer n.release(hook)

	if err := n.platform.ExecuteWebhook(ctx, hook, msg); err != nil {
		return &domain.DeliveryError{Op: "send", ChannelID: channelID, Err: err}
	}

	n.logger.Debug("message delivered", "channel_id", channelID, "sender", msg.SenderName)
	return nil
}

// release runs on its own context: the delivery context may already be done.
func (n *Notifier) release(hook domain.Webhook) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.platform.DeleteWebhook(ctx, hook); err != nil {
		metrics.WebhookReleaseFailures.Inc()
		n.logger.Warn("webhook release failed", "webhook_id", hook.ID, "channel_id", hook.ChannelID, "err", err)
	}
}
