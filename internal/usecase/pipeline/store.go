package pipeline

import (
	"context"
	"sort"
	"sync"

	"chorus/internal/domain"
)

// MemoryStore is an in-memory domain.RouteStore that lives as long as the process.
type MemoryStore struct {
	mu       sync.RWMutex
	routes   map[string]domain.Route
	messages map[string]domain.PipelineMessage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:   make(map[string]domain.Route),
		messages: make(map[string]domain.PipelineMessage),
	}
}

func (m *MemoryStore) CreateRoute(_ context.Context, r domain.Route) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[r.Name]; ok {
		return false, nil
	}
	m.routes[r.Name] = r.Clone()
	return true, nil
}

func (m *MemoryStore) GetRoute(_ context.Context, name string) (domain.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[name]
	if !ok {
		return domain.Route{}, domain.NewSubSystemError("pipeline", "MemoryStore.GetRoute", domain.ErrRouteNotFound, name)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRoutes(_ context.Context) ([]domain.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteRoute(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[name]; !ok {
		return domain.NewSubSystemError("pipeline", "MemoryStore.DeleteRoute", domain.ErrRouteNotFound, name)
	}
	delete(m.routes, name)
	return nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg domain.PipelineMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg.Clone()
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.PipelineMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.PipelineMessage{}, domain.NewSubSystemError("pipeline", "MemoryStore.GetMessage", domain.ErrMessageNotFound, id)
	}
	return msg.Clone(), nil
}

var _ domain.RouteStore = (*MemoryStore)(nil)
