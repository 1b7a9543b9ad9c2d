package domain

import "context"

// IdentityRegistry maps visitor identities to provisioned channels, 1:1.
type IdentityRegistry interface {
	Resolve(ctx context.Context, identity VisitorIdentity) (channelID string, ok bool, err error)

	// Record stores identity -> channelID. Recording the same pair again is a
	// no-op; any other contention is a *ConflictError.
	Record(ctx context.Context, identity VisitorIdentity, channelID string) error

	// Replace swaps a mapping whose channel is known to be gone. It only
	// succeeds while identity still maps to staleChannelID.
	Replace(ctx context.Context, identity VisitorIdentity, staleChannelID, channelID string) error

	FindIdentityByChannel(ctx context.Context, channelID string) (VisitorIdentity, bool, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
