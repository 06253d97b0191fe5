package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/observability/alerting"
	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/plugin"
)

// InstallRequest 描述一次安装。Plugin 非空时直接使用该实例，否则通过加载器获取。
// Exclusive 为 true 时，同名注册条目（即使没有运行时）也会导致 DuplicateName。
type InstallRequest struct {
	Descriptor plugin.Descriptor
	Config     map[string]any
	Location   string
	Policy     plugin.IsolationPolicy
	Plugin     plugin.Plugin
	Exclusive  bool
}

// InstallManifest 按清单安装插件。
func (m *Manager) InstallManifest(ctx context.Context, manifest plugin.Manifest) (Status, error) {
	return m.Install(ctx, InstallRequest{
		Descriptor: manifest.Descriptor,
		Config:     manifest.Config,
		Location:   manifest.Location,
	})
}

// Install 加载插件、写入注册条目（含自动授权与事件绑定）并完成初始化。
// 初始化失败时插件进入 FAILED，安装时授予的权限被撤销，条目保留以便卸载。
func (m *Manager) Install(ctx context.Context, req InstallRequest) (Status, error) {
	desc := req.Descriptor.Normalize()
	if err := desc.Validate(); err != nil {
		return Status{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin descriptor")
	}
	if err := m.isolation.Validate(desc, req.Policy.Merge(m.cfg.Policy)); err != nil {
		return Status{}, xerrors.Wrap(xerrors.CodeValidationFailed, err, "插件能力不符合隔离策略",
			xerrors.WithMetadata("plugin", desc.Name))
	}

	unlock := m.locks.Lock(desc.Name)
	defer unlock()

	if rt := m.lookup(desc.Name); rt != nil {
		return Status{}, xerrors.New(xerrors.CodeDuplicateName, "plugin "+desc.Name+" is already installed",
			xerrors.WithMetadata("plugin", desc.Name),
			xerrors.WithMetadata("state", string(rt.currentState())))
	}

	p := req.Plugin
	if p == nil {
		loaded, err := m.loader.Load(ctx, plugin.ArtifactRef{
			Name:       desc.Name,
			Runtime:    desc.Runtime,
			Location:   req.Location,
			Descriptor: desc,
		})
		if err != nil {
			return Status{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载插件失败",
				xerrors.WithMetadata("plugin", desc.Name))
		}
		p = loaded
	}
	if info := p.Info(); info.Name != "" && info.Name != desc.Name {
		return Status{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("artifact provides plugin %q, expected %q", info.Name, desc.Name))
	}

	register := m.registry.Register
	if req.Exclusive {
		register = m.registry.RegisterNew
	}
	if _, err := register(ctx, desc, req.Config, req.Location); err != nil {
		if xerrors.HasCode(err, xerrors.CodeAlreadyRegistered) {
			return Status{}, xerrors.Wrap(xerrors.CodeDuplicateName, err, "plugin "+desc.Name+" is active",
				xerrors.WithMetadata("plugin", desc.Name))
		}
		return Status{}, err
	}
	entry, err := m.registry.GetByName(ctx, desc.Name)
	if err != nil {
		return Status{}, err
	}
	m.perms.Forget(desc.Name)

	rt := newRuntime(entry, p)
	m.mu.Lock()
	m.runtimes[rt.name] = rt
	m.mu.Unlock()
	m.transition(rt, plugin.StateRegistered, "")

	if err := m.initialize(ctx, rt, true); err != nil {
		return m.describe(ctx, rt), err
	}
	return m.describe(ctx, rt), nil
}

// Initialize 对 REGISTERED 插件执行初始化，已初始化时直接返回。
func (m *Manager) Initialize(ctx context.Context, name string) (Status, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	rt, err := m.get(name)
	if err != nil {
		return Status{}, err
	}
	switch st := rt.currentState(); st {
	case plugin.StateInitialized:
		return m.describe(ctx, rt), nil
	case plugin.StateRegistered:
	default:
		return m.describe(ctx, rt), invalidTransition(name, st, "initialize")
	}
	err = m.initialize(ctx, rt, true)
	return m.describe(ctx, rt), err
}

func (m *Manager) initialize(ctx context.Context, rt *runtime, rollbackGrants bool) error {
	rt.takeDirty()
	p := rt.handle()
	if err := m.callHook(ctx, rt, p.Initialize); err != nil {
		if rollbackGrants {
			m.revokeInstallGrants(ctx, rt)
		}
		m.fail(ctx, rt, err)
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "插件初始化失败",
			xerrors.WithMetadata("plugin", rt.name))
	}
	m.transition(rt, plugin.StateInitialized, "")
	return nil
}

func (m *Manager) revokeInstallGrants(ctx context.Context, rt *runtime) {
	for _, perm := range rt.desc.RequiredPermissions {
		if err := m.perms.Revoke(ctx, rt.name, perm); err != nil {
			m.log.Error("回滚安装授权失败",
				slog.String("plugin", rt.name),
				slog.String("permission", perm),
				slog.Any("error", err))
		}
	}
	m.perms.Forget(rt.name)
}

// Start 启动 INITIALIZED 或 STOPPED 的插件，并为其声明的全部事件类型登记订阅。
// 只有注册条目、尚无运行时的插件（例如已发布但未自动安装）会先被加载并初始化。
// 任一步骤失败都会使插件进入 FAILED，且不保留部分订阅。
func (m *Manager) Start(ctx context.Context, name string) (Status, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	rt := m.lookup(name)
	if rt == nil {
		entry, err := m.registry.GetByName(ctx, name)
		if err != nil {
			return Status{}, err
		}
		if rt, err = m.restoreLocked(ctx, entry); err != nil {
			return m.describe(ctx, rt), err
		}
	}
	err := m.startLocked(ctx, rt)
	return m.describe(ctx, rt), err
}

func (m *Manager) startLocked(ctx context.Context, rt *runtime) error {
	st := rt.currentState()
	if st != plugin.StateInitialized && st != plugin.StateStopped {
		return invalidTransition(rt.name, st, "start")
	}
	if st == plugin.StateStopped && rt.takeDirty() {
		// 配置在停止期间被修改，重新初始化后再启动。
		if err := m.initialize(ctx, rt, false); err != nil {
			return err
		}
	}

	p := rt.handle()
	if err := m.isolation.Prepare(rt.desc); err != nil {
		m.fail(ctx, rt, err)
		return xerrors.Wrap(CodeStartFailed, err, "准备隔离环境失败", xerrors.WithMetadata("plugin", rt.name))
	}
	if err := m.callHook(ctx, rt, p.Start); err != nil {
		m.cleanupIsolation(rt)
		m.fail(ctx, rt, err)
		return xerrors.Wrap(CodeStartFailed, err, "插件启动失败", xerrors.WithMetadata("plugin", rt.name))
	}
	if err := m.subscribe(rt, p); err != nil {
		m.callHookQuietly(ctx, rt, p.Stop)
		m.cleanupIsolation(rt)
		m.fail(ctx, rt, err)
		return xerrors.Wrap(CodeStartFailed, err, "登记事件订阅失败", xerrors.WithMetadata("plugin", rt.name))
	}
	if err := m.registry.UpdateStatus(ctx, rt.name, registry.StatusActive); err != nil {
		m.drain(ctx, rt)
		m.callHookQuietly(ctx, rt, p.Stop)
		m.cleanupIsolation(rt)
		m.fail(ctx, rt, err)
		return err
	}
	m.transition(rt, plugin.StateStarted, "")
	return nil
}

func (m *Manager) subscribe(rt *runtime, p plugin.Plugin) error {
	if len(rt.desc.SubscribedEvents) == 0 {
		return nil
	}
	handler, ok := p.(plugin.EventHandler)
	if !ok {
		return errors.New("plugin declares subscriptions but does not handle events")
	}
	return m.bus.Subscribe(rt.name, handler, rt.desc.SubscribedEvents)
}

// Stop 先撤销订阅并等待在途事件，再调用停止钩子。钩子失败只记录日志，
// 插件仍进入 STOPPED。对 STOPPED 插件调用是无操作。INITIALIZED 插件直接标记为 STOPPED。
func (m *Manager) Stop(ctx context.Context, name string) (Status, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	rt, err := m.get(name)
	if err != nil {
		return Status{}, err
	}
	switch st := rt.currentState(); st {
	case plugin.StateStopped:
		return m.describe(ctx, rt), nil
	case plugin.StateInitialized:
		m.transition(rt, plugin.StateStopped, "")
		return m.describe(ctx, rt), nil
	case plugin.StateStarted:
	default:
		return m.describe(ctx, rt), invalidTransition(name, st, "stop")
	}
	m.stopLocked(ctx, rt)
	if err := m.registry.UpdateStatus(ctx, name, registry.StatusInactive); err != nil {
		return m.describe(ctx, rt), err
	}
	return m.describe(ctx, rt), nil
}

func (m *Manager) stopLocked(ctx context.Context, rt *runtime) {
	m.drain(ctx, rt)
	if err := m.callHook(ctx, rt, rt.handle().Stop); err != nil {
		m.log.Warn("插件停止钩子失败", slog.String("plugin", rt.name), slog.Any("error", err))
	}
	m.cleanupIsolation(rt)
	m.transition(rt, plugin.StateStopped, "")
}

// drain 撤销插件的全部订阅并等待在途投递结束。
func (m *Manager) drain(ctx context.Context, rt *runtime) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()
	if err := m.bus.UnsubscribeAll(dctx, rt.name); err != nil {
		m.log.Warn("等待在途事件超时", slog.String("plugin", rt.name), slog.Any("error", err))
	}
}

// Uninstall 移除 STOPPED、FAILED 或只有注册条目的插件：注册条目、授权与绑定在一个事务中删除。
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	unlock := m.locks.Lock(name)
	defer unlock()

	rt := m.lookup(name)
	if rt == nil {
		// 只有注册条目的插件没有需要停止的运行时。
		if err := m.registry.Unregister(ctx, name); err != nil {
			return err
		}
		m.perms.Forget(name)
		for _, fn := range m.onUninstall {
			fn(name)
		}
		return nil
	}
	if st := rt.currentState(); st != plugin.StateStopped && st != plugin.StateFailed {
		return invalidTransition(name, st, "uninstall")
	}
	m.drain(ctx, rt)
	if err := m.registry.Unregister(ctx, name); err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		return err
	}
	m.perms.Forget(name)
	m.mu.Lock()
	delete(m.runtimes, name)
	m.mu.Unlock()
	for _, fn := range m.onUninstall {
		fn(name)
	}
	m.transition(rt, plugin.StateUnloaded, "")
	return nil
}

// UpdateConfig 持久化新配置。运行中的插件在下一次启动前重新初始化以读取新配置。
func (m *Manager) UpdateConfig(ctx context.Context, name string, cfg map[string]any) (Status, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	if err := m.registry.UpdateConfig(ctx, name, cfg); err != nil {
		return Status{}, err
	}
	rt := m.lookup(name)
	if rt == nil {
		return Status{}, xerrors.New(xerrors.CodeNotFound, "plugin "+name+" is not installed")
	}
	entry, err := m.registry.GetByName(ctx, name)
	if err != nil {
		return Status{}, err
	}
	rt.setConfig(entry.Config)
	m.log.Info("插件配置已更新", slog.String("plugin", name), slog.String("state", string(rt.currentState())))
	return m.describe(ctx, rt), nil
}

// Grant 为插件授予权限。
func (m *Manager) Grant(ctx context.Context, name, perm string) error {
	unlock := m.locks.Lock(name)
	defer unlock()
	return m.perms.Grant(ctx, name, perm)
}

// Revoke 撤销插件的权限。
func (m *Manager) Revoke(ctx context.Context, name, perm string) error {
	unlock := m.locks.Lock(name)
	defer unlock()
	return m.perms.Revoke(ctx, name, perm)
}

// fail 将插件标记为 FAILED，同步注册表状态并发出告警。
func (m *Manager) fail(ctx context.Context, rt *runtime, cause error) {
	m.transition(rt, plugin.StateFailed, cause.Error())
	if err := m.registry.UpdateStatus(ctx, rt.name, registry.StatusFailed); err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		m.log.Error("同步注册表状态失败", slog.String("plugin", rt.name), slog.Any("error", err))
	}
	if m.alerts == nil {
		return
	}
	evt := alerting.Event{
		Code:       CodePluginFailed,
		Message:    fmt.Sprintf("插件 %s 进入 FAILED: %v", rt.name, cause),
		Plugin:     rt.name,
		Metadata:   map[string]string{"version": rt.desc.Version, "runtime": string(rt.desc.Runtime)},
		OccurredAt: m.now().UTC(),
	}
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.alerts.Notify(actx, evt); err != nil {
			m.log.Warn("发送告警失败", slog.String("plugin", rt.name), slog.Any("error", err))
		}
	}()
}

func (m *Manager) transition(rt *runtime, to plugin.State, reason string) {
	from := rt.setState(to, reason, m.now().UTC())
	m.recorder.ObserveTransition(rt.name, from, to)
	attrs := []any{
		slog.String("plugin", rt.name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	m.audit.Info("plugin_lifecycle", attrs...)
	if to == plugin.StateFailed {
		m.log.Error("插件进入 FAILED", attrs...)
		return
	}
	m.log.Info("插件状态变更", attrs...)
}

// callHook 在超时约束下调用生命周期钩子，插件 panic 会被转换为错误。
func (m *Manager) callHook(ctx context.Context, rt *runtime, hook func(*plugin.ExecutionContext) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	ec := m.execContext(cctx, rt)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("plugin panicked: %v", r)
			}
		}()
		done <- hook(ec)
	}()
	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, cctx.Err(), "插件生命周期调用超时",
			xerrors.WithMetadata("plugin", rt.name))
	}
}

func (m *Manager) callHookQuietly(ctx context.Context, rt *runtime, hook func(*plugin.ExecutionContext) error) {
	if err := m.callHook(ctx, rt, hook); err != nil {
		m.log.Warn("插件回滚停止失败", slog.String("plugin", rt.name), slog.Any("error", err))
	}
}

func (m *Manager) cleanupIsolation(rt *runtime) {
	if err := m.isolation.Cleanup(rt.desc); err != nil {
		m.log.Warn("清理隔离环境失败", slog.String("plugin", rt.name), slog.Any("error", err))
	}
}

func invalidTransition(name string, from plugin.State, op string) error {
	return xerrors.New(xerrors.CodeInvalidStateTransition,
		fmt.Sprintf("cannot %s plugin %s in state %s", op, name, from),
		xerrors.WithMetadata("plugin", name),
		xerrors.WithMetadata("state", string(from)))
}
