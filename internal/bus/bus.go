// Package bus carries resolved inbound deliveries from the platform listener
// to the relay gateway.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
)

const (
	defaultBufferSize     = 100
	defaultPublishTimeout = 10 * time.Second
)

// InMemoryBus is a Go-channel based delivery bus for in-process communication.
type InMemoryBus struct {
	deliveries     chan domain.Delivery
	publishTimeout time.Duration
	mu             sync.RWMutex
	closed         bool
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		deliveries:     make(chan domain.Delivery, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// Publish blocks up to the publish timeout if the bus is full, then drops.
func (b *InMemoryBus) Publish(d domain.Delivery) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "identity", d.Identity)
		return
	}

	select {
	case b.deliveries <- d:
	default:
		b.logger.Warn("delivery bus full, waiting...", "identity", d.Identity, "channel_id", d.Event.ChannelID)
		timer := time.NewTimer(b.publishTimeout)
		defer timer.Stop()
		select {
		case b.deliveries <- d:
			b.logger.Info("delivery queued after wait", "identity", d.Identity)
		case <-timer.C:
			metrics.InboundTotal.WithLabelValues(metrics.ResultDropped).Inc()
			b.logger.Error("delivery dropped: bus full",
				"identity", d.Identity,
				"channel_id", d.Event.ChannelID,
				"waited", b.publishTimeout,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Delivery {
	return b.deliveries
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.deliveries)
	}
}
