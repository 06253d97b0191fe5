// Package manager 驱动插件生命周期：安装、初始化、启动、停止、卸载与健康检查。
//
// 注册表是持久化的事实来源，运行时状态只存在于内存，启动时由 Reconcile 重建。
// 同一插件名上的生命周期操作通过按键互斥锁串行执行，不同插件之间互不阻塞。
package manager

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/eventbus"
	"ExtensionHub/internal/observability/alerting"
	"ExtensionHub/internal/permission"
	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

// 管理器登记的错误码。
const (
	CodeStartFailed  xerrors.Code = "PLUGIN_START_FAILED"
	CodePluginFailed xerrors.Code = "PLUGIN_FAILED"
)

// EventPluginFailed 在插件因健康检查失败进入 FAILED 时发布。
const EventPluginFailed = "system.plugin.failed"

// SystemSource 是宿主发布系统事件时使用的来源。
const SystemSource = "system"

func init() {
	xerrors.Register(CodeStartFailed, xerrors.Attributes{
		Message:    "plugin failed to start",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodePluginFailed, xerrors.Attributes{
		Message:    "plugin entered FAILED state",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// Config 控制生命周期调用超时与健康检查。
type Config struct {
	HealthInterval   time.Duration `yaml:"health_interval"`
	HealthTimeout    time.Duration `yaml:"health_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	// CallTimeout 限制 Initialize/Start/Stop 钩子的执行时间。
	CallTimeout time.Duration `yaml:"call_timeout"`
	// DrainTimeout 是停止或卸载时等待在途事件处理完成的上限。
	DrainTimeout time.Duration          `yaml:"drain_timeout"`
	Policy       plugin.IsolationPolicy `yaml:"policy"`
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// HostProvider 为插件提供受权限约束的宿主接口，hostapi.Facade 实现该接口。
type HostProvider interface {
	For(caller string) plugin.Host
	Publisher(caller string) plugin.Publisher
}

// Recorder 接收生命周期与健康检查指标。
type Recorder interface {
	ObserveTransition(name string, from, to plugin.State)
	ObserveHealth(name string, state plugin.HealthState)
}

// Manager 协调注册表、权限、事件总线与插件实例。
type Manager struct {
	cfg       Config
	registry  *registry.Service
	perms     *permission.Service
	loader    plugin.Loader
	isolation plugin.IsolationStrategy
	bus       *eventbus.Bus
	alerts    alerting.Dispatcher
	recorder  Recorder
	log       *slog.Logger
	audit     *slog.Logger
	now       func() time.Time

	busCfg  eventbus.Config
	busOpts []eventbus.Option

	hostsMu sync.RWMutex
	hosts   HostProvider

	onUninstall []func(name string)

	locks    keyedMutex
	mu       sync.RWMutex
	runtimes map[string]*runtime

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// Option 配置 Manager。
type Option func(*Manager)

// WithIsolation 替换默认的能力隔离策略。
func WithIsolation(strategy plugin.IsolationStrategy) Option {
	return func(m *Manager) { m.isolation = plugin.NewIsolationStrategy(strategy) }
}

// WithAlerts 指定插件进入 FAILED 时的告警出口。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithRecorder 指定指标记录器。
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger 替换运行日志与审计日志。
func WithLogger(log, audit *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
		if audit != nil {
			m.audit = audit
		}
	}
}

// WithBus 配置管理器持有的事件总线。
func WithBus(cfg eventbus.Config, opts ...eventbus.Option) Option {
	return func(m *Manager) {
		m.busCfg = cfg
		m.busOpts = append(m.busOpts, opts...)
	}
}

// WithHosts 指定宿主接口提供者，也可在构造后通过 SetHosts 设置。
func WithHosts(h HostProvider) Option {
	return func(m *Manager) { m.hosts = h }
}

// WithUninstallHook 注册卸载完成后的清理回调，例如删除插件的私有存储。
func WithUninstallHook(fn func(name string)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onUninstall = append(m.onUninstall, fn)
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New 创建管理器，并构造其持有的事件总线。总线的订阅者来自注册表，
// 投递前检查插件是否处于 STARTED。
func New(reg *registry.Service, perms *permission.Service, loader plugin.Loader, cfg Config, opts ...Option) (*Manager, error) {
	if reg == nil || perms == nil || loader == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "manager requires registry, permission service and loader")
	}
	m := &Manager{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		perms:     perms,
		loader:    loader,
		isolation: plugin.NewIsolationStrategy(nil),
		recorder:  nopRecorder{},
		log:       logger.Named("manager"),
		audit:     logger.Audit(),
		now:       time.Now,
		runtimes:  make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(m)
	}
	busOpts := append([]eventbus.Option{
		eventbus.WithSubscriberSource(reg),
		eventbus.WithGate(m.IsStarted),
	}, m.busOpts...)
	m.bus = eventbus.New(m.busCfg, busOpts...)
	reg.OnChange(func(c registry.Change) {
		if c.Kind == registry.ChangeRegistered || c.Kind == registry.ChangeUnregistered {
			m.bus.InvalidateSubscribers()
		}
	})
	return m, nil
}

// Bus 返回管理器持有的事件总线。
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Registry 返回注册表服务。
func (m *Manager) Registry() *registry.Service { return m.registry }

// SetHosts 设置宿主接口提供者。宿主服务通常依赖总线，因此在 New 之后注入。
func (m *Manager) SetHosts(h HostProvider) {
	m.hostsMu.Lock()
	m.hosts = h
	m.hostsMu.Unlock()
}

// IsStarted 报告插件当前是否处于 STARTED，供事件总线在投递时判断。
func (m *Manager) IsStarted(name string) bool {
	rt := m.lookup(name)
	return rt != nil && rt.currentState() == plugin.StateStarted
}

// Shutdown 停止健康检查并停止所有运行中的插件。注册表状态保持不变，
// 以便下次启动时按原状态恢复。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopHealthMonitor()
	for _, rt := range m.snapshot() {
		unlock := m.locks.Lock(rt.name)
		if rt.currentState() == plugin.StateStarted {
			m.stopLocked(ctx, rt)
		}
		unlock()
	}
	return m.bus.Close(ctx)
}

func (m *Manager) lookup(name string) *runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtimes[name]
}

func (m *Manager) get(name string) (*runtime, error) {
	if rt := m.lookup(name); rt != nil {
		return rt, nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "plugin "+name+" is not installed",
		xerrors.WithMetadata("plugin", name))
}

func (m *Manager) snapshot() []*runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt)
	}
	return out
}

func (m *Manager) hostProvider() HostProvider {
	m.hostsMu.RLock()
	defer m.hostsMu.RUnlock()
	return m.hosts
}

func (m *Manager) execContext(ctx context.Context, rt *runtime) *plugin.ExecutionContext {
	ec := &plugin.ExecutionContext{C: ctx, Config: rt.configCopy()}
	if h := m.hostProvider(); h != nil {
		ec.Host = h.For(rt.name)
		ec.Events = h.Publisher(rt.name)
	}
	return ec
}

// keyedMutex 为每个键提供独立的互斥锁，空闲的键会被回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(string, plugin.State, plugin.State) {}
func (nopRecorder) ObserveHealth(string, plugin.HealthState) {}
