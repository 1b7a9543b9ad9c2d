package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a platform resource (guild, category, channel) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoRecipient reports that no live connection is registered for a visitor.
	ErrNoRecipient = errors.New("no live connection for visitor")
)

// ConfigurationError is a missing or invalid guild, category, or credential.
// The affected path stays broken until the configuration is fixed.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration error: %s", e.Field)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConflictError is registry mapping contention. Callers must not overwrite silently.
type ConflictError struct {
	Identity  VisitorIdentity
	ChannelID string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry conflict for %s -> %s: %s", e.Identity, e.ChannelID, e.Reason)
}

// DeliveryError is a failed platform call (fetch, create, send).
type DeliveryError struct {
	Op        string
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.ChannelID == "" {
		return fmt.Sprintf("delivery failed: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("delivery failed: %s (channel %s): %v", e.Op, e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ProtocolError is a malformed inbound payload.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
