package sessionstore

import (
	"context"
	"sort"
	"sync"

	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	creds map[string]transport.Credentials
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{creds: make(map[string]transport.Credentials)}
}

func (m *Memory) Load(_ context.Context, tenantID string) (transport.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[tenantID]
	if !ok || c.Empty() {
		return transport.Credentials{}, ErrNoSession
	}
	return c, nil
}

func (m *Memory) Save(_ context.Context, tenantID string, creds transport.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[tenantID] = creds
	return nil
}

func (m *Memory) Erase(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, tenantID)
	return nil
}

func (m *Memory) Exists(_ context.Context, tenantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[tenantID]
	return ok && !c.Empty(), nil
}

func (m *Memory) Tenants(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.creds))
	for id := range m.creds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
