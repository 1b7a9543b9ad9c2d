// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

// Logger returns a quiet logger for tests.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Sent is one message executed through a fake webhook.
type Sent struct {
	ChannelID string
	Message   domain.OutboundMessage
}

// FakePlatform is a thread-safe in-memory domain.Platform.
type FakePlatform struct {
	mu sync.Mutex

	GuildID    string
	CategoryID string

	channels     map[string]domain.Channel
	nextID       int
	hooks        map[string]domain.Webhook
	sent         []Sent
	createCalls  int
	createdHooks int
	deletedHooks int

	// CreateDelay slows CreateChannel down to widen race windows.
	CreateDelay time.Duration
	// NormalizeName rewrites channel names on create the way Discord does.
	NormalizeName func(string) string

	GuildErr   error
	CreateErr  error
	FetchErr   error
	HookErr    error
	ExecuteErr error
	DeleteErr  error
}

func NewFakePlatform(guildID, categoryID string) *FakePlatform {
	return &FakePlatform{
		GuildID:    guildID,
		CategoryID: categoryID,
		channels:   make(map[string]domain.Channel),
		hooks:      make(map[string]domain.Webhook),
	}
}

func (f *FakePlatform) Guild(_ context.Context, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GuildErr != nil {
		return f.GuildErr
	}
	if guildID != f.GuildID {
		return fmt.Errorf("guild %s: %w", guildID, domain.ErrNotFound)
	}
	return nil
}

func (f *FakePlatform) Category(_ context.Context, guildID, categoryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if guildID != f.GuildID || categoryID != f.CategoryID {
		return fmt.Errorf("category %s: %w", categoryID, domain.ErrNotFound)
	}
	return nil
}

func (f *FakePlatform) CreateChannel(ctx context.Context, spec domain.ChannelSpec) (domain.Channel, error) {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return domain.Channel{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.CreateErr != nil {
		return domain.Channel{}, f.CreateErr
	}
	f.nextID++
	name := spec.Name
	if f.NormalizeName != nil {
		name = f.NormalizeName(name)
	}
	ch := domain.Channel{ID: fmt.Sprintf("ch-%d", f.nextID), DisplayName: name}
	f.channels[ch.ID] = ch
	return ch, nil
}

func (f *FakePlatform) FetchChannel(_ context.Context, channelID string) (domain.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return domain.Channel{}, f.FetchErr
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return domain.Channel{}, fmt.Errorf("channel %s: %w", channelID, domain.ErrNotFound)
	}
	return ch, nil
}

func (f *FakePlatform) CreateWebhook(_ context.Context, channelID, name string) (domain.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HookErr != nil {
		return domain.Webhook{}, f.HookErr
	}
	f.createdHooks++
	hook := domain.Webhook{ID: fmt.Sprintf("wh-%d", f.createdHooks), Token: "token", ChannelID: channelID}
	f.hooks[hook.ID] = hook
	return hook, nil
}

func (f *FakePlatform) ExecuteWebhook(_ context.Context, hook domain.Webhook, msg domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecuteErr != nil {
		return f.ExecuteErr
	}
	f.sent = append(f.sent, Sent{ChannelID: hook.ChannelID, Message: msg})
	return nil
}

func (f *FakePlatform) DeleteWebhook(_ context.Context, hook domain.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.hooks, hook.ID)
	f.deletedHooks++
	return nil
}

// DeleteChannel simulates a channel removed outside the bridge.
func (f *FakePlatform) DeleteChannel(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, channelID)
}

// SetExecuteErr changes the webhook send failure under the lock.
func (f *FakePlatform) SetExecuteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecuteErr = err
}

func (f *FakePlatform) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *FakePlatform) ChannelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// LiveHooks counts webhooks created and not yet deleted.
func (f *FakePlatform) LiveHooks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hooks)
}

func (f *FakePlatform) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}
