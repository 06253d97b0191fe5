package submission

import (
	"context"
	"slices"
	"strings"
	"sync"

	xerrors "ExtensionHub/internal/errors"
)

// Filter 限定 List 的返回范围，零值表示全部。
type Filter struct {
	Status Status
	Plugin string
}

func (f Filter) match(s Submission) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Plugin != "" && s.Manifest.Name != f.Plugin {
		return false
	}
	return true
}

// Store 持久化提交记录。Update 仅在存储中的状态仍为 expected 时生效，
// 否则返回 Conflict，防止并发审核互相覆盖。
type Store interface {
	Create(ctx context.Context, sub Submission) error
	Get(ctx context.Context, id string) (Submission, error)
	List(ctx context.Context, filter Filter) ([]Submission, error)
	Update(ctx context.Context, sub Submission, expected Status) error
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (map[Status]int, error)
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, "提交不存在: "+id, xerrors.WithMetadata("submission", id))
}

func conflict(id string, expected, actual Status) error {
	return xerrors.New(xerrors.CodeConflict, "提交状态已被修改",
		xerrors.WithMetadata("submission", id),
		xerrors.WithMetadata("expected", string(expected)),
		xerrors.WithMetadata("actual", string(actual)))
}

// MemoryStore 是进程内实现，用于测试和无数据库部署。
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Submission
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Submission)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, sub Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "提交已存在: "+sub.ID)
	}
	m.subs[sub.ID] = sub.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return Submission{}, notFound(id)
	}
	return sub.Clone(), nil
}

// List 实现 Store 接口，按提交时间排序。
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Submission, error) {
	m.mu.RLock()
	out := make([]Submission, 0, len(m.subs))
	for _, sub := range m.subs {
		if filter.match(sub) {
			out = append(out, sub.Clone())
		}
	}
	m.mu.RUnlock()
	sortSubmissions(out)
	return out, nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, sub Submission, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.subs[sub.ID]
	if !ok {
		return notFound(sub.ID)
	}
	if current.Status != expected {
		return conflict(sub.ID, expected, current.Status)
	}
	m.subs[sub.ID] = sub.Clone()
	return nil
}

// Delete 实现 Store 接口。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return notFound(id)
	}
	delete(m.subs, id)
	return nil
}

// Counts 实现 Store 接口。
func (m *MemoryStore) Counts(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int, len(Statuses))
	for _, sub := range m.subs {
		counts[sub.Status]++
	}
	return counts, nil
}

func sortSubmissions(subs []Submission) {
	slices.SortFunc(subs, func(a, b Submission) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
