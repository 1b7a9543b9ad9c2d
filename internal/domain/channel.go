package domain

import "context"

// Channel is a provisioned per-visitor conversation on the chat platform.
type Channel struct {
	ID          string `json:"channelId"`
	DisplayName string `json:"displayName"`
	Exists      bool   `json:"exists"`
}

// ChannelSpec describes a channel to create.
type ChannelSpec struct {
	GuildID    string
	CategoryID string
	Name       string
	Topic      string
}

// Webhook is a disposable delivery identity used to post one message under
// a chosen display name.
type Webhook struct {
	ID        string
	Token     string
	ChannelID string
}

// Platform is the remote chat service. Implementations wrap ErrNotFound when a
// resource does not exist and honor ctx for every call.
type Platform interface {
	Guild(ctx context.Context, guildID string) error
	Category(ctx context.Context, guildID, categoryID string) error
	CreateChannel(ctx context.Context, spec ChannelSpec) (Channel, error)
	FetchChannel(ctx context.Context, channelID string) (Channel, error)
	CreateWebhook(ctx context.Context, channelID, name string) (Webhook, error)
	ExecuteWebhook(ctx context.Context, hook Webhook, msg OutboundMessage) error
	DeleteWebhook(ctx context.Context, hook Webhook) error
}
