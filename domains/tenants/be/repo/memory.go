package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aisarahjmlh/viletorder/domains/tenants/be/service"
)

// Memory is an in-process tenant registry used by tests.
type Memory struct {
	mu      sync.Mutex
	tenants map[string]service.Tenant
}

var _ service.Repository = (*Memory)(nil)

// NewMemory builds an empty registry.
func NewMemory() *Memory {
	return &Memory{tenants: make(map[string]service.Tenant)}
}

func (m *Memory) Create(_ context.Context, t service.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return service.ErrDuplicateTenant
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *Memory) Get(_ context.Context, tenantID string) (service.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	return t, nil
}

func (m *Memory) List(_ context.Context) ([]service.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]service.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *Memory) UpdateLease(_ context.Context, tenantID string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return service.ErrNotFound
	}
	t.LeaseExpiresAt = expiresAt
	m.tenants[tenantID] = t
	return nil
}

func (m *Memory) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenantID]; !ok {
		return service.ErrNotFound
	}
	delete(m.tenants, tenantID)
	return nil
}
