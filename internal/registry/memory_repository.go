package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/permission"
)

// MemoryRepository 以内存方式保存注册表，主要用于测试与单机运行。
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryRepository 创建 MemoryRepository。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

// Create 实现 Repository 接口。
func (m *MemoryRepository) Create(_ context.Context, rec Record) error {
	name := rec.Entry.Name()
	if err := checkUnique(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[name]; ok && existing.Entry.Status == StatusActive {
		return alreadyRegistered(name)
	}
	m.records[name] = cloneRecord(rec)
	return nil
}

// Insert 实现 Repository 接口。
func (m *MemoryRepository) Insert(_ context.Context, rec Record) error {
	name := rec.Entry.Name()
	if err := checkUnique(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; ok {
		return duplicateName(name)
	}
	m.records[name] = cloneRecord(rec)
	return nil
}

// checkUnique 模拟 SQL 主键约束，使两种实现对重复行的行为一致。
func checkUnique(rec Record) error {
	seenGrant := make(map[string]struct{}, len(rec.Grants))
	for _, g := range rec.Grants {
		if _, ok := seenGrant[g.Permission]; ok {
			return xerrors.New(xerrors.CodeStorageFailure, "duplicate grant "+g.Permission)
		}
		seenGrant[g.Permission] = struct{}{}
	}
	seenBinding := make(map[Binding]struct{}, len(rec.Bindings))
	for _, b := range rec.Bindings {
		if _, ok := seenBinding[b]; ok {
			return xerrors.New(xerrors.CodeStorageFailure, "duplicate binding "+b.EventType)
		}
		seenBinding[b] = struct{}{}
	}
	return nil
}

// Delete 实现 Repository 接口。
func (m *MemoryRepository) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		return notFound(name)
	}
	delete(m.records, name)
	return nil
}

// Get 实现 Repository 接口。
func (m *MemoryRepository) Get(_ context.Context, name string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return Entry{}, notFound(name)
	}
	return rec.Entry.clone(), nil
}

// List 实现 Repository 接口。
func (m *MemoryRepository) List(_ context.Context, status Status) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.records))
	for _, rec := range m.records {
		if status != "" && rec.Entry.Status != status {
			continue
		}
		out = append(out, rec.Entry.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// UpdateStatus 实现 Repository 接口。
func (m *MemoryRepository) UpdateStatus(_ context.Context, name string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return notFound(name)
	}
	rec.Entry.Status = status
	rec.Entry.UpdatedAt = at
	return nil
}

// UpdateConfig 实现 Repository 接口。
func (m *MemoryRepository) UpdateConfig(_ context.Context, name string, cfg map[string]any, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return notFound(name)
	}
	rec.Entry.Config = cloneConfig(cfg)
	rec.Entry.UpdatedAt = at
	return nil
}

// Bindings 实现 Repository 接口。
func (m *MemoryRepository) Bindings(_ context.Context, name string) ([]Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, notFound(name)
	}
	out := append([]Binding(nil), rec.Bindings...)
	sortBindings(out)
	return out, nil
}

// SubscribersOf 实现 Repository 接口。
func (m *MemoryRepository) SubscribersOf(_ context.Context, eventType string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, rec := range m.records {
		for _, b := range rec.Bindings {
			if b.Direction == DirectionSubscribe && b.EventType == eventType {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// SaveGrant 实现 permission.Store 接口。插件必须已注册。
func (m *MemoryRepository) SaveGrant(_ context.Context, grant permission.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[grant.Plugin]
	if !ok {
		return notFound(grant.Plugin)
	}
	for i := range rec.Grants {
		if rec.Grants[i].Permission == grant.Permission {
			rec.Grants[i] = grant
			return nil
		}
	}
	rec.Grants = append(rec.Grants, grant)
	return nil
}

// ListGrants 实现 permission.Store 接口，未注册的插件返回空列表。
func (m *MemoryRepository) ListGrants(_ context.Context, plugin string) ([]permission.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[plugin]
	if !ok {
		return nil, nil
	}
	out := append([]permission.Grant(nil), rec.Grants...)
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, nil
}

func cloneRecord(rec Record) *Record {
	return &Record{
		Entry:    rec.Entry.clone(),
		Grants:   append([]permission.Grant(nil), rec.Grants...),
		Bindings: append([]Binding(nil), rec.Bindings...),
	}
}
