package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/eventbus"
	"ExtensionHub/internal/hostapi"
	"ExtensionHub/internal/observability/alerting"
	"ExtensionHub/internal/permission"
	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

type fakePlugin struct {
	plugin.Base

	mu       sync.Mutex
	initErr  error
	startErr error
	stopErr  error
	health   plugin.HealthState
	calls    []string
	configs  []map[string]any
	events   []plugin.Event
	host     plugin.Host
}

func newFake(name string, perms, subs []string) *fakePlugin {
	return &fakePlugin{
		Base: plugin.Base{Descriptor: plugin.Descriptor{
			Name:                name,
			Version:             "1.0.0",
			RequiredPermissions: perms,
			SubscribedEvents:    subs,
		}.Normalize()},
		health: plugin.Healthy,
	}
}

func (p *fakePlugin) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakePlugin) Initialize(ec *plugin.ExecutionContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("initialize")
	p.configs = append(p.configs, ec.Config)
	p.host = ec.Host
	return p.initErr
}

func (p *fakePlugin) Start(*plugin.ExecutionContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("start")
	return p.startErr
}

func (p *fakePlugin) Stop(*plugin.ExecutionContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("stop")
	return p.stopErr
}

func (p *fakePlugin) HealthCheck(context.Context) plugin.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return plugin.Health{State: p.health, Message: "reported " + string(p.health)}
}

func (p *fakePlugin) HandleEvent(_ context.Context, evt plugin.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *fakePlugin) setHealth(h plugin.HealthState) {
	p.mu.Lock()
	p.health = h
	p.mu.Unlock()
}

func (p *fakePlugin) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlugin) received() []plugin.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plugin.Event(nil), p.events...)
}

func (p *fakePlugin) lastConfig() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.configs) == 0 {
		return nil
	}
	return p.configs[len(p.configs)-1]
}

func (p *fakePlugin) hostHandle() plugin.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

// slowPlugin 的健康检查只在上下文结束后返回。
type slowPlugin struct {
	*fakePlugin
}

func (p slowPlugin) HealthCheck(ctx context.Context) plugin.Health {
	<-ctx.Done()
	return plugin.Health{State: plugin.Healthy}
}

// silentPlugin 声明了订阅但没有实现 HandleEvent。
type silentPlugin struct {
	plugin.Base
}

type alertSink struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertSink) Notify(_ context.Context, evt alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}

func (a *alertSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

type harness struct {
	m      *Manager
	repo   registry.Repository
	perms  *permission.Service
	static *plugin.StaticLoader
	kv     *hostapi.KVStore
	alerts *alertSink
}

func newHarness(t *testing.T, repo registry.Repository, cfg Config) *harness {
	t.Helper()
	if repo == nil {
		repo = registry.NewMemoryRepository()
	}
	reg := registry.NewService(repo)
	perms := permission.NewService(repo, permission.WithAuditLogger(logger.Discard()))
	static := plugin.NewStaticLoader()
	kv := hostapi.NewKVStore()
	alerts := &alertSink{}
	m, err := New(reg, perms, plugin.NewRuntimeLoader(static), cfg,
		WithLogger(logger.Discard(), logger.Discard()),
		WithAlerts(alerts),
		WithUninstallHook(kv.Drop),
		WithBus(eventbus.Config{Workers: 2, HandlerTimeout: time.Second},
			eventbus.WithLogger(logger.Discard(), logger.Discard())))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.SetHosts(hostapi.NewStandard(perms, hostapi.NewNoteService(m.Bus()), kv, m.Bus()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{m: m, repo: repo, perms: perms, static: static, kv: kv, alerts: alerts}
}

func (h *harness) install(t *testing.T, p plugin.Plugin, cfg map[string]any) (Status, error) {
	t.Helper()
	desc := p.Info()
	h.static.Register(desc.Name, func() plugin.Plugin { return p })
	return h.m.Install(context.Background(), InstallRequest{Descriptor: desc, Config: cfg, Location: "builtin:" + desc.Name})
}

func (h *harness) mustInstall(t *testing.T, p plugin.Plugin, cfg map[string]any) Status {
	t.Helper()
	st, err := h.install(t, p, cfg)
	if err != nil {
		t.Fatalf("install %s: %v", p.Info().Name, err)
	}
	return st
}

func (h *harness) mustStart(t *testing.T, name string) Status {
	t.Helper()
	st, err := h.m.Start(context.Background(), name)
	if err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func publish(t *testing.T, m *Manager, eventType string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := m.Bus().PublishSync(ctx, plugin.Event{Type: eventType, Source: "test"})
	if err != nil {
		t.Fatalf("publish %s: %v", eventType, err)
	}
	return n
}

func TestStartRequiresInitializedAndRejectsDoubleStart(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	st := h.mustInstall(t, newFake("echo", nil, nil), nil)
	if st.State != plugin.StateInitialized || st.RegistryStatus != registry.StatusInactive {
		t.Fatalf("unexpected status after install: %+v", st)
	}
	if st.EntryID == "" {
		t.Fatalf("expected entry id")
	}

	st = h.mustStart(t, "echo")
	if st.State != plugin.StateStarted || st.RegistryStatus != registry.StatusActive {
		t.Fatalf("unexpected status after start: %+v", st)
	}
	if _, err := h.m.Start(ctx, "echo"); !xerrors.HasCode(err, xerrors.CodeInvalidStateTransition) {
		t.Fatalf("expected InvalidStateTransition on double start, got %v", err)
	}
	if _, err := h.m.Initialize(ctx, "echo"); !xerrors.HasCode(err, xerrors.CodeInvalidStateTransition) {
		t.Fatalf("expected InvalidStateTransition on initialize, got %v", err)
	}
	if _, err := h.m.Start(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDuplicateInstallRejected(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.mustInstall(t, newFake("echo", nil, nil), nil)
	if _, err := h.install(t, newFake("echo", nil, nil), nil); !xerrors.HasCode(err, xerrors.CodeDuplicateName) {
		t.Fatalf("expected DuplicateName, got %v", err)
	}
}

func TestStopIsIdempotentAndToleratesHookFailure(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := newFake("echo", nil, nil)
	p.stopErr = errors.New("stop hook exploded")
	h.mustInstall(t, p, nil)
	h.mustStart(t, "echo")

	st, err := h.m.Stop(ctx, "echo")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != plugin.StateStopped || st.RegistryStatus != registry.StatusInactive {
		t.Fatalf("unexpected status after stop: %+v", st)
	}
	if _, err := h.m.Stop(ctx, "echo"); err != nil {
		t.Fatalf("stop on STOPPED must be a no-op: %v", err)
	}
	want := []string{"initialize", "start", "stop"}
	got := p.callLog()
	if len(got) != len(want) {
		t.Fatalf("unexpected hook calls: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: got %s want %s", i, got[i], want[i])
		}
	}

	h.mustStart(t, "echo")
	if calls := p.callLog(); calls[len(calls)-1] != "start" || len(calls) != 4 {
		t.Fatalf("restart should not re-initialize without config changes: %v", calls)
	}
}

func TestInitializeFailureRollsBackGrants(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := newFake("broken", []string{"notes.read"}, []string{"note.created"})
	p.initErr = errors.New("bad config")

	st, err := h.install(t, p, map[string]any{"level": "loud"})
	if !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected InitializationFailure, got %v", err)
	}
	if st.State != plugin.StateFailed || st.RegistryStatus != registry.StatusFailed || st.LastError != "bad config" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if h.perms.IsGranted(ctx, "broken", "notes.read") {
		t.Fatalf("install grant must be revoked")
	}
	waitFor(t, func() bool { return h.alerts.count() == 1 })

	if _, err := h.m.Start(ctx, "broken"); !xerrors.HasCode(err, xerrors.CodeInvalidStateTransition) {
		t.Fatalf("FAILED plugin must not start, got %v", err)
	}
	if err := h.m.Uninstall(ctx, "broken"); err != nil {
		t.Fatalf("uninstall failed plugin: %v", err)
	}
	if _, err := h.m.Registry().GetByName(ctx, "broken"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected entry removed, got %v", err)
	}
}

func TestStartFailureLeavesNoSubscriptions(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	p := newFake("flaky", nil, []string{"note.created"})
	p.startErr = errors.New("cannot connect")
	h.mustInstall(t, p, nil)
	st, err := h.m.Start(ctx, "flaky")
	if !xerrors.HasCode(err, CodeStartFailed) {
		t.Fatalf("expected start failure code, got %v", err)
	}
	if st.State != plugin.StateFailed || len(st.Subscriptions) != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}

	silent := &silentPlugin{Base: plugin.Base{Descriptor: plugin.Descriptor{
		Name: "silent", Version: "1.0.0", SubscribedEvents: []string{"note.created"},
	}.Normalize()}}
	h.mustInstall(t, silent, nil)
	if _, err := h.m.Start(ctx, "silent"); err == nil {
		t.Fatalf("expected error for subscriber without handler")
	}
	if subs := h.m.Bus().Subscriptions("silent"); len(subs) != 0 {
		t.Fatalf("expected no partial subscriptions, got %v", subs)
	}
	if n := publish(t, h.m, "note.created"); n != 0 {
		t.Fatalf("failed plugins must not receive events, queued %d", n)
	}
}

func TestDeliveryRequiresStartedPlugin(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := newFake("listener", nil, []string{"note.created"})
	h.mustInstall(t, p, nil)

	if n := publish(t, h.m, "note.created"); n != 0 {
		t.Fatalf("initialized plugin must not receive events, queued %d", n)
	}
	st := h.mustStart(t, "listener")
	if len(st.Subscriptions) != 1 || st.Subscriptions[0] != "note.created" {
		t.Fatalf("unexpected subscriptions: %+v", st.Subscriptions)
	}
	if n := publish(t, h.m, "note.created"); n != 1 {
		t.Fatalf("expected delivery to started plugin, queued %d", n)
	}
	if got := p.received(); len(got) != 1 || got[0].Source != "test" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if _, err := h.m.Stop(ctx, "listener"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := publish(t, h.m, "note.created"); n != 0 {
		t.Fatalf("stopped plugin must not receive events, queued %d", n)
	}
}

func TestUninstallLeavesNoResidue(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := newFake("keeper", []string{"storage.write"}, []string{"note.created"})
	h.mustInstall(t, p, map[string]any{"bucket": "a"})
	h.mustStart(t, "keeper")

	if _, err := p.hostHandle().Call(ctx, "storage.put", map[string]any{"key": "k", "value": 1}); err != nil {
		t.Fatalf("storage.put: %v", err)
	}
	if err := h.m.Uninstall(ctx, "keeper"); !xerrors.HasCode(err, xerrors.CodeInvalidStateTransition) {
		t.Fatalf("uninstall of STARTED plugin must fail, got %v", err)
	}
	if _, err := h.m.Stop(ctx, "keeper"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.m.Uninstall(ctx, "keeper"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	if _, err := h.m.Status(ctx, "keeper"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NotFound status, got %v", err)
	}
	grants, err := h.repo.ListGrants(ctx, "keeper")
	if err != nil || len(grants) != 0 {
		t.Fatalf("expected no grants, got %v %v", grants, err)
	}
	subs, err := h.repo.SubscribersOf(ctx, "note.created")
	if err != nil || len(subs) != 0 {
		t.Fatalf("expected no bindings, got %v %v", subs, err)
	}
	if keys := h.kv.Keys("keeper"); len(keys) != 0 {
		t.Fatalf("expected storage dropped, got %v", keys)
	}
	if h.perms.IsGranted(ctx, "keeper", "storage.write") {
		t.Fatalf("cached grant survived uninstall")
	}

	h.mustInstall(t, newFake("keeper", nil, nil), nil)
}

func TestHealthFailureMarksPluginFailed(t *testing.T) {
	h := newHarness(t, nil, Config{FailureThreshold: 3})
	ctx := context.Background()
	flaky := newFake("flaky", nil, []string{"note.created"})
	watcher := newFake("watcher", nil, []string{EventPluginFailed})
	h.mustInstall(t, flaky, nil)
	h.mustInstall(t, watcher, nil)
	h.mustStart(t, "flaky")
	h.mustStart(t, "watcher")

	flaky.setHealth(plugin.Unhealthy)
	h.m.CheckHealth(ctx)
	h.m.CheckHealth(ctx)
	st, _ := h.m.Status(ctx, "flaky")
	if st.State != plugin.StateStarted || st.ConsecutiveFailures != 2 || st.Health != plugin.Unhealthy {
		t.Fatalf("unexpected status after two failures: %+v", st)
	}

	h.m.CheckHealth(ctx)
	st, _ = h.m.Status(ctx, "flaky")
	if st.State != plugin.StateFailed || st.RegistryStatus != registry.StatusFailed {
		t.Fatalf("expected FAILED after threshold: %+v", st)
	}
	if len(st.Subscriptions) != 0 {
		t.Fatalf("failed plugin kept subscriptions: %v", st.Subscriptions)
	}
	waitFor(t, func() bool { return len(watcher.received()) == 1 })
	payload, _ := watcher.received()[0].Payload.(map[string]any)
	if payload["plugin"] != "flaky" {
		t.Fatalf("unexpected failure event payload: %+v", payload)
	}
	waitFor(t, func() bool { return h.alerts.count() == 1 })

	if st, _ := h.m.Status(ctx, "watcher"); st.State != plugin.StateStarted || st.Health != plugin.Healthy {
		t.Fatalf("healthy plugin affected: %+v", st)
	}
}

func TestHealthProbeTimeoutCountsAsUnhealthy(t *testing.T) {
	h := newHarness(t, nil, Config{FailureThreshold: 1, HealthTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	h.mustInstall(t, slowPlugin{newFake("sleepy", nil, nil)}, nil)
	h.mustStart(t, "sleepy")

	h.m.CheckHealth(ctx)
	st, err := h.m.Status(ctx, "sleepy")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != plugin.StateFailed || st.HealthMessage != "health check timed out" {
		t.Fatalf("expected timeout to fail plugin: %+v", st)
	}
}

func TestReconcileRestoresRuntimeState(t *testing.T) {
	repo := registry.NewMemoryRepository()
	ctx := context.Background()

	first := newHarness(t, repo, Config{})
	first.mustInstall(t, newFake("alpha", nil, []string{"note.created"}), nil)
	first.mustStart(t, "alpha")
	first.mustInstall(t, newFake("beta", nil, nil), nil)
	broken := newFake("gamma", nil, nil)
	broken.initErr = errors.New("boom")
	if _, err := first.install(t, broken, nil); err == nil {
		t.Fatalf("expected gamma install to fail")
	}
	if err := first.m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second := newHarness(t, repo, Config{})
	alpha := newFake("alpha", nil, []string{"note.created"})
	second.static.Register("alpha", func() plugin.Plugin { return alpha })
	second.static.Register("beta", func() plugin.Plugin { return newFake("beta", nil, nil) })
	if err := second.m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	want := map[string]plugin.State{
		"alpha": plugin.StateStarted,
		"beta":  plugin.StateInitialized,
		"gamma": plugin.StateFailed,
	}
	list, err := second.m.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != len(want) {
		t.Fatalf("unexpected list: %+v", list)
	}
	for _, st := range list {
		if st.State != want[st.Name] {
			t.Fatalf("%s: got %s want %s", st.Name, st.State, want[st.Name])
		}
	}
	if n := publish(t, second.m, "note.created"); n != 1 || len(alpha.received()) != 1 {
		t.Fatalf("reconciled plugin should receive events, queued %d", n)
	}
	if err := second.m.Uninstall(ctx, "gamma"); err != nil {
		t.Fatalf("uninstall restored FAILED plugin: %v", err)
	}
	if counts := second.m.StateCounts(); counts[plugin.StateStarted] != 1 || counts[plugin.StateInitialized] != 1 {
		t.Fatalf("unexpected state counts: %v", counts)
	}
}

func TestLoggerPluginScenario(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := newFake("logger", []string{"notes.read"}, []string{"note.created"})
	h.mustInstall(t, p, nil)
	h.mustStart(t, "logger")
	host := p.hostHandle()

	if _, err := host.Call(ctx, "notes.create", map[string]any{"title": "hello"}); !xerrors.HasCode(err, xerrors.CodePermissionDenied) {
		t.Fatalf("expected PermissionDenied for notes.write, got %v", err)
	}
	if _, err := host.Call(ctx, "notes.list", nil); err != nil {
		t.Fatalf("notes.read should be allowed: %v", err)
	}

	if err := h.m.Grant(ctx, "logger", "notes.write"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := host.Call(ctx, "notes.create", map[string]any{"title": "hello"}); err != nil {
		t.Fatalf("notes.create after grant: %v", err)
	}
	waitFor(t, func() bool { return len(p.received()) == 1 })
	if evt := p.received()[0]; evt.Type != "note.created" || evt.Source != "logger" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	if err := h.m.Revoke(ctx, "logger", "notes.write"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := host.Call(ctx, "notes.create", map[string]any{"title": "again"}); !xerrors.HasCode(err, xerrors.CodePermissionDenied) {
		t.Fatalf("expected PermissionDenied after revoke, got %v", err)
	}
	if err := h.m.Grant(ctx, "ghost", "notes.read"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("grant on unknown plugin should be NotFound, got %v", err)
	}
}

func TestUpdateConfigReinitializesOnRestart(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := newFake("tuner", nil, nil)
	h.mustInstall(t, p, map[string]any{"level": "info"})
	h.mustStart(t, "tuner")

	st, err := h.m.UpdateConfig(ctx, "tuner", map[string]any{"level": "debug"})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if st.Config["level"] != "debug" {
		t.Fatalf("status should carry new config: %+v", st.Config)
	}
	if _, err := h.m.Stop(ctx, "tuner"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.mustStart(t, "tuner")

	if got := p.lastConfig(); got["level"] != "debug" {
		t.Fatalf("plugin not re-initialized with new config: %+v", got)
	}
	if _, err := h.m.UpdateConfig(ctx, "ghost", map[string]any{}); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestInstallRejectsDeniedCapabilities(t *testing.T) {
	h := newHarness(t, nil, Config{Policy: plugin.IsolationPolicy{DeniedCapabilities: []plugin.Capability{plugin.CapabilityExecution}}})
	p := newFake("runner", nil, nil)
	p.Descriptor.Capabilities = []plugin.Capability{plugin.CapabilityExecution}
	if _, err := h.install(t, p, nil); !xerrors.HasCode(err, xerrors.CodeValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	if _, err := h.m.Registry().GetByName(context.Background(), "runner"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("rejected plugin must not be registered, got %v", err)
	}
}

func TestKeyedMutexReleasesIdleKeys(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("b")
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("different keys must not block each other")
	}
	unlock()
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Fatalf("expected idle locks released, got %d", len(k.locks))
	}
}

func TestStartLoadsRegistryOnlyEntry(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := newFake("published", []string{"notes.read"}, []string{"note.created"})
	h.static.Register("published", func() plugin.Plugin { return p })
	if _, err := h.m.Registry().RegisterNew(ctx, p.Info(), map[string]any{"mode": "fast"}, "builtin:published"); err != nil {
		t.Fatalf("register: %v", err)
	}

	st, err := h.m.Status(ctx, "published")
	if err != nil || st.State != plugin.StateUnloaded {
		t.Fatalf("expected UNLOADED before first start: %+v %v", st, err)
	}
	st = h.mustStart(t, "published")
	if st.State != plugin.StateStarted || st.RegistryStatus != registry.StatusActive {
		t.Fatalf("unexpected status after start: %+v", st)
	}
	if calls := p.callLog(); len(calls) != 2 || calls[0] != "initialize" || calls[1] != "start" {
		t.Fatalf("unexpected hook calls: %v", calls)
	}
	if p.lastConfig()["mode"] != "fast" {
		t.Fatalf("registry config not passed: %v", p.lastConfig())
	}
	if n := publish(t, h.m, "note.created"); n != 1 {
		t.Fatalf("started plugin should receive events, queued %d", n)
	}
	if _, err := h.m.Start(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NotFound for unknown plugin, got %v", err)
	}
}

func TestExclusiveInstallRejectsRegistryOnlyEntry(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	old := newFake("demo", []string{"notes.read"}, nil)
	entryID, err := h.m.Registry().RegisterNew(ctx, old.Info(), nil, "builtin:demo")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	next := newFake("demo", []string{"notes.write"}, nil)
	next.Descriptor.Version = "2.0.0"
	_, err = h.m.Install(ctx, InstallRequest{Descriptor: next.Info(), Plugin: next, Exclusive: true})
	if !xerrors.HasCode(err, xerrors.CodeDuplicateName) {
		t.Fatalf("expected DuplicateName, got %v", err)
	}
	st, err := h.m.Status(ctx, "demo")
	if err != nil || st.EntryID != entryID || st.Version != "1.0.0" {
		t.Fatalf("registry entry replaced: %+v %v", st, err)
	}

	if err := h.m.Uninstall(ctx, "demo"); err != nil {
		t.Fatalf("uninstall registry-only entry: %v", err)
	}
	if _, err := h.m.Status(ctx, "demo"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NotFound after uninstall, got %v", err)
	}
	if _, err := h.m.Install(ctx, InstallRequest{Descriptor: next.Info(), Plugin: next, Exclusive: true}); err != nil {
		t.Fatalf("install after uninstall: %v", err)
	}
}
