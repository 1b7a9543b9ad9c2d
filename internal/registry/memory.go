// Package registry stores the visitor identity <-> channel mapping.
package registry

import (
	"context"
	"sync"

	"chatbridge/internal/domain"
)

// Memory is a process-lifetime IdentityRegistry. It starts empty.
type Memory struct {
	mu         sync.RWMutex
	byIdentity map[domain.VisitorIdentity]string
	byChannel  map[string]domain.VisitorIdentity
}

func NewMemory() *Memory {
	return &Memory{
		byIdentity: make(map[domain.VisitorIdentity]string),
		byChannel:  make(map[string]domain.VisitorIdentity),
	}
}

func (m *Memory) Resolve(_ context.Context, identity domain.VisitorIdentity) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIdentity[identity]
	return id, ok, nil
}

func (m *Memory) Record(_ context.Context, identity domain.VisitorIdentity, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.byIdentity[identity]; ok {
		if current == channelID {
			return nil
		}
		return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "identity already mapped to " + current}
	}
	if owner, ok := m.byChannel[channelID]; ok {
		return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "channel owned by " + string(owner)}
	}

	m.byIdentity[identity] = channelID
	m.byChannel[channelID] = identity
	return nil
}

func (m *Memory) Replace(_ context.Context, identity domain.VisitorIdentity, staleChannelID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byIdentity[identity]
	if ok && current == channelID {
		return nil
	}
	if !ok || current != staleChannelID {
		return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "stale channel no longer mapped"}
	}
	if owner, ok := m.byChannel[channelID]; ok && owner != identity {
		return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "channel owned by " + string(owner)}
	}

	delete(m.byChannel, staleChannelID)
	m.byIdentity[identity] = channelID
	m.byChannel[channelID] = identity
	return nil
}

func (m *Memory) FindIdentityByChannel(_ context.Context, channelID string) (domain.VisitorIdentity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.byChannel[channelID]
	return identity, ok, nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byIdentity), nil
}

func (m *Memory) Close() error { return nil }
