package notify

import (
	"context"
	"errors"
	"testing"

	"chatbridge/internal/domain"
	"chatbridge/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T) (*Notifier, *testutil.FakePlatform, string) {
	t.Helper()
	p := testutil.NewFakePlatform("g1", "cat1")
	ch, err := p.CreateChannel(context.Background(), domain.ChannelSpec{Name: "user-example-com"})
	require.NoError(t, err)
	return New(Config{Platform: p, Logger: testutil.Logger()}), p, ch.ID
}

func TestDeliver_SendsAndReleasesWebhook(t *testing.T) {
	n, p, chID := newTestNotifier(t)

	err := n.Deliver(context.Background(), chID, domain.OutboundMessage{SenderName: "Ann", Body: "hello"})
	require.NoError(t, err)

	sent := p.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, chID, sent[0].ChannelID)
	assert.Equal(t, "hello", sent[0].Message.Body)
	assert.Equal(t, "Ann", sent[0].Message.SenderName)
	assert.Zero(t, p.LiveHooks(), "webhook must be deleted after send")
}

func TestDeliver_ReleasesWebhookWhenSendFails(t *testing.T) {
	n, p, chID := newTestNotifier(t)
	p.SetExecuteErr(errors.New("rate limited"))

	err := n.Deliver(context.Background(), chID, domain.OutboundMessage{SenderName: "Ann", Body: "hello"})

	var derr *domain.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "send", derr.Op)
	assert.Zero(t, p.LiveHooks(), "webhook must be deleted even when the send fails")
}

func TestDeliver_ReleasesWebhookWhenContextAlreadyCancelled(t *testing.T) {
	n, p, chID := newTestNotifier(t)
	p.SetExecuteErr(context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.Deliver(ctx, chID, domain.OutboundMessage{Body: "late"})
	require.Error(t, err)
	assert.Zero(t, p.LiveHooks())
}

func TestDeliver_UnknownChannel(t *testing.T) {
	n, p, _ := newTestNotifier(t)

	err := n.Deliver(context.Background(), "missing", domain.OutboundMessage{Body: "x"})

	var derr *domain.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "resolve channel", derr.Op)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, p.Sent())
}

func TestDeliver_WebhookCreateFails(t *testing.T) {
	n, p, chID := newTestNotifier(t)
	p.HookErr = errors.New("missing permissions")

	err := n.Deliver(context.Background(), chID, domain.OutboundMessage{Body: "x"})

	var derr *domain.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "create webhook", derr.Op)
	assert.Empty(t, p.Sent())
}

func TestDeliver_ReleaseFailureDoesNotFailDelivery(t *testing.T) {
	n, p, chID := newTestNotifier(t)
	p.DeleteErr = errors.New("boom")

	err := n.Deliver(context.Background(), chID, domain.OutboundMessage{Body: "x"})
	assert.NoError(t, err)
	assert.Len(t, p.Sent(), 1)
}
