package domain

import "time"

// OutboundMessage is posted into a channel on behalf of a named sender.
type OutboundMessage struct {
	SenderName string
	Body       string
	AvatarURL  string
}

// InboundEvent is a platform-side message headed for a visitor.
type InboundEvent struct {
	ChannelID  string
	AuthorName string
	Body       string
	Timestamp  time.Time
}

// PlatformMessage is a "message created" event as observed on the platform.
type PlatformMessage struct {
	GuildID    string
	ChannelID  string
	AuthorName string
	AuthorBot  bool   // bot or system author
	WebhookID  string // set when a webhook posted the message
	Body       string
	Timestamp  time.Time
}

// Delivery is an inbound event resolved to its visitor.
type Delivery struct {
	Identity VisitorIdentity
	Event    InboundEvent
}
