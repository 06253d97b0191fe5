package manager

import (
	"context"
	"log/slog"
	"sort"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/plugin"
)

// Status 返回单个插件的状态。
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	rt := m.lookup(name)
	if rt == nil {
		entry, err := m.registry.GetByName(ctx, name)
		if err != nil {
			return Status{}, err
		}
		return entryStatus(entry), nil
	}
	return m.describe(ctx, rt), nil
}

// List 返回注册表中的插件及其运行时状态，status 为空时返回全部。
func (m *Manager) List(ctx context.Context, status registry.Status) ([]Status, error) {
	var (
		entries []registry.Entry
		err     error
	)
	if status == "" {
		entries, err = m.registry.ListAll(ctx)
	} else {
		entries, err = m.registry.ListByStatus(ctx, status)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(entries))
	for _, entry := range entries {
		rt := m.lookup(entry.Name())
		if rt == nil {
			out = append(out, entryStatus(entry))
			continue
		}
		out = append(out, m.merge(rt, &entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// StateCounts 按生命周期状态统计运行时数量。
func (m *Manager) StateCounts() map[plugin.State]int {
	counts := make(map[plugin.State]int)
	for _, rt := range m.snapshot() {
		counts[rt.currentState()]++
	}
	return counts
}

func (m *Manager) describe(ctx context.Context, rt *runtime) Status {
	entry, err := m.registry.GetByName(ctx, rt.name)
	if err != nil {
		if !xerrors.HasCode(err, xerrors.CodeNotFound) {
			m.log.Warn("读取注册条目失败", slog.String("plugin", rt.name), slog.Any("error", err))
		}
		return m.merge(rt, nil)
	}
	return m.merge(rt, &entry)
}

func (m *Manager) merge(rt *runtime, entry *registry.Entry) Status {
	st := rt.status()
	if entry != nil {
		st.RegistryStatus = entry.Status
		st.EntryID = entry.ID
	}
	st.Subscriptions = m.bus.Subscriptions(rt.name)
	st.Degraded = m.bus.Degraded(rt.name)
	return st
}

func entryStatus(entry registry.Entry) Status {
	return Status{
		Name:           entry.Name(),
		Version:        entry.Descriptor.Version,
		Runtime:        entry.Descriptor.Runtime,
		EntryID:        entry.ID,
		State:          plugin.StateUnloaded,
		RegistryStatus: entry.Status,
		Config:         plugin.CloneConfig(entry.Config),
		UpdatedAt:      entry.UpdatedAt,
	}
}
