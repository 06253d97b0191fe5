package manager

import (
	"context"
	"errors"
	"log/slog"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/plugin"
)

// Reconcile 根据注册表重建运行时状态：ACTIVE 条目被初始化并启动，
// INACTIVE 条目只初始化，FAILED 条目恢复为 FAILED 运行时以便卸载。
// 单个条目失败会将其标记为 FAILED，不影响其余条目。
func (m *Manager) Reconcile(ctx context.Context) error {
	entries, err := m.registry.ListAll(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if err := m.reconcileEntry(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Info("运行时状态已恢复", slog.Int("entries", len(entries)), slog.Int("failures", len(errs)))
	return errors.Join(errs...)
}

func (m *Manager) reconcileEntry(ctx context.Context, entry registry.Entry) error {
	name := entry.Name()
	unlock := m.locks.Lock(name)
	defer unlock()

	if m.lookup(name) != nil {
		return nil
	}
	rt, err := m.restoreLocked(ctx, entry)
	if err != nil {
		return err
	}
	if entry.Status == registry.StatusActive {
		return m.startLocked(ctx, rt)
	}
	return nil
}

// restoreLocked 为只有注册条目的插件创建运行时：加载并初始化。
// FAILED 条目恢复为 FAILED 运行时。调用方必须持有该插件的锁。
func (m *Manager) restoreLocked(ctx context.Context, entry registry.Entry) (*runtime, error) {
	name := entry.Name()
	rt := newRuntime(entry, nil)
	m.mu.Lock()
	m.runtimes[name] = rt
	m.mu.Unlock()

	if entry.Status == registry.StatusFailed {
		m.transition(rt, plugin.StateFailed, "restored from registry")
		return rt, nil
	}
	if err := m.isolation.Validate(rt.desc, m.cfg.Policy); err != nil {
		m.fail(ctx, rt, err)
		return rt, xerrors.Wrap(xerrors.CodeValidationFailed, err, "插件能力不符合隔离策略",
			xerrors.WithMetadata("plugin", name))
	}
	p, err := m.loader.Load(ctx, plugin.ArtifactRef{
		Name:       name,
		Runtime:    rt.desc.Runtime,
		Location:   rt.location,
		Descriptor: rt.desc,
	})
	if err != nil {
		m.fail(ctx, rt, err)
		return rt, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载插件失败",
			xerrors.WithMetadata("plugin", name))
	}
	rt.setPlugin(p)
	m.transition(rt, plugin.StateRegistered, "")
	if err := m.initialize(ctx, rt, false); err != nil {
		return rt, err
	}
	return rt, nil
}
