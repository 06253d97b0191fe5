package permission

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存授权记录，主要用于测试。
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]Grant
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]map[string]Grant)}
}

// SaveGrant 实现 Store 接口。
func (m *MemoryStore) SaveGrant(_ context.Context, grant Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[grant.Plugin] == nil {
		m.grants[grant.Plugin] = make(map[string]Grant)
	}
	m.grants[grant.Plugin][grant.Permission] = grant
	return nil
}

// ListGrants 实现 Store 接口，按权限名排序。
func (m *MemoryStore) ListGrants(_ context.Context, plugin string) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, 0, len(m.grants[plugin]))
	for _, g := range m.grants[plugin] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, nil
}
