// Package eventbus 在宿主与插件之间路由类型化事件。
//
// 每个订阅者拥有一个有界邮箱，邮箱同一时刻最多由一个工作协程处理，
// 从而保证 (事件类型, 订阅者) 维度上的投递顺序。邮箱溢出时丢弃最旧的事件。
package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

// SubscriberSource 解析某事件类型的订阅插件，注册表实现该接口。
type SubscriberSource interface {
	SubscribersOf(ctx context.Context, eventType string) ([]string, error)
}

// Recorder 接收投递结果，用于指标统计。
type Recorder interface {
	ObserveDispatch(plugin, eventType, outcome string, elapsed time.Duration)
	ObserveDrop(plugin, eventType string)
}

// 投递结果。
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeSkipped   = "skipped"
)

// Config 控制工作池与邮箱。
type Config struct {
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	// BatchSize 是工作协程在让出前连续处理同一邮箱的事件数。
	BatchSize int `yaml:"batch_size"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	return c
}

// ErrClosed 表示事件总线已关闭。
var ErrClosed = xerrors.New(xerrors.CodeConflict, "event bus closed")

// Stats 是总线的累计计数。
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	TimedOut    int64 `json:"timed_out"`
	Dropped     int64 `json:"dropped"`
	Skipped     int64 `json:"skipped"`
	Subscribers int   `json:"subscribers"`
}

type counters struct {
	published, delivered, failed, timedOut, dropped, skipped atomic.Int64
}

// Bus 是进程级的事件总线，由管理器创建并显式传递。
type Bus struct {
	cfg      Config
	source   SubscriberSource
	gate     func(plugin string) bool
	recorder Recorder
	log      *slog.Logger
	audit    *slog.Logger
	node     string

	mu         sync.RWMutex
	subs       map[string]*subscriber
	topics     map[string][]string
	generation uint64
	closed     bool

	runMu    sync.Mutex
	runCond  *sync.Cond
	runq     []*subscriber
	stopping bool
	workers  sync.WaitGroup

	bridges      []Bridge
	outbound     chan Envelope
	bridgeWG     sync.WaitGroup
	bridgeCancel context.CancelFunc

	stats counters
}

// Option 配置 Bus。
type Option func(*Bus)

// WithSubscriberSource 指定订阅关系来源。未指定时仅依据实时订阅投递。
func WithSubscriberSource(src SubscriberSource) Option {
	return func(b *Bus) { b.source = src }
}

// WithGate 指定投递前的最后检查，通常用于确认插件仍处于 STARTED。
func WithGate(gate func(plugin string) bool) Option {
	return func(b *Bus) { b.gate = gate }
}

// WithRecorder 指定指标记录器。
func WithRecorder(r Recorder) Option {
	return func(b *Bus) {
		if r != nil {
			b.recorder = r
		}
	}
}

// WithLogger 替换运行日志与审计日志。
func WithLogger(log, audit *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
		if audit != nil {
			b.audit = audit
		}
	}
}

// WithBridge 将事件镜像到其他进程，并接收其他进程发布的事件。
func WithBridge(br Bridge) Option {
	return func(b *Bus) {
		if br != nil {
			b.bridges = append(b.bridges, br)
		}
	}
}

// WithNodeID 指定本进程在桥接中的标识。
func WithNodeID(id string) Option {
	return func(b *Bus) {
		if id != "" {
			b.node = id
		}
	}
}

// New 创建并启动事件总线。
func New(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:      cfg.withDefaults(),
		recorder: nopRecorder{},
		log:      logger.Named("eventbus"),
		audit:    logger.Audit(),
		node:     uuid.NewString(),
		subs:     make(map[string]*subscriber),
		topics:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.runCond = sync.NewCond(&b.runMu)
	for i := 0; i < b.cfg.Workers; i++ {
		b.workers.Add(1)
		go b.worker()
	}
	b.startBridges()
	return b
}

// NodeID 返回本进程的桥接标识。
func (b *Bus) NodeID() string { return b.node }

// Publish 异步投递事件，不等待订阅者处理完成。
func (b *Bus) Publish(ctx context.Context, evt plugin.Event) error {
	_, err := b.publish(ctx, evt, nil, true)
	return err
}

// PublishSync 投递事件并等待所有订阅者处理完成（或被丢弃），返回入队的订阅者数。
func (b *Bus) PublishSync(ctx context.Context, evt plugin.Event) (int, error) {
	var wg sync.WaitGroup
	n, err := b.publish(ctx, evt, &wg, true)
	if err != nil {
		return 0, err
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return n, nil
	case <-ctx.Done():
		return n, ctx.Err()
	}
}

func (b *Bus) publish(ctx context.Context, evt plugin.Event, wg *sync.WaitGroup, forward bool) (int, error) {
	evt, err := prepare(evt)
	if err != nil {
		return 0, err
	}
	recipients := b.recipients(ctx, evt.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.stats.published.Add(1)
	queued := 0
	for _, sub := range recipients {
		if wg != nil {
			wg.Add(1)
		}
		if b.enqueue(sub, delivery{evt: evt, wg: wg}) {
			queued++
		}
	}
	if forward && len(b.bridges) > 0 {
		select {
		case b.outbound <- Envelope{Node: b.node, Event: evt}:
		default:
			b.log.Warn("桥接队列已满，事件未镜像", slog.String("event_type", evt.Type), slog.String("event_id", evt.ID))
		}
	}
	return queued, nil
}

func prepare(evt plugin.Event) (plugin.Event, error) {
	if !ValidEventType(evt.Type) {
		return evt, xerrors.New(xerrors.CodeInvalidArgument, "invalid event type "+evt.Type)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt, nil
}

// ValidEventType 判断事件类型是否为非空且不含空白的字符串。
func ValidEventType(eventType string) bool {
	return eventType != "" && !strings.ContainsAny(eventType, " \t\r\n")
}

// recipients 返回注册表中订阅了该类型且当前在线的订阅者。
func (b *Bus) recipients(ctx context.Context, eventType string) []*subscriber {
	names, ok := b.subscriberNames(ctx, eventType)

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscriber
	if !ok {
		for _, sub := range b.subs {
			out = append(out, sub)
		}
		return out
	}
	for _, name := range names {
		if sub := b.subs[name]; sub != nil {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Bus) subscriberNames(ctx context.Context, eventType string) ([]string, bool) {
	if b.source == nil {
		return nil, false
	}
	b.mu.RLock()
	names, cached := b.topics[eventType]
	gen := b.generation
	b.mu.RUnlock()
	if cached {
		return names, true
	}

	names, err := b.source.SubscribersOf(ctx, eventType)
	if err != nil {
		b.log.Warn("解析订阅者失败，按实时订阅投递", slog.String("event_type", eventType), slog.Any("error", err))
		return nil, false
	}
	if names == nil {
		names = []string{}
	}
	b.mu.Lock()
	if b.generation == gen {
		b.topics[eventType] = names
	}
	b.mu.Unlock()
	return names, true
}

// InvalidateSubscribers 清空订阅者缓存，注册表的订阅关系变化后调用。
func (b *Bus) InvalidateSubscribers() {
	b.mu.Lock()
	b.topics = make(map[string][]string)
	b.generation++
	b.mu.Unlock()
}

// Subscribe 为插件登记实时订阅。所有事件类型先校验，全部合法才生效。
func (b *Bus) Subscribe(name string, handler plugin.EventHandler, eventTypes []string) error {
	if len(eventTypes) == 0 {
		return nil
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin "+name+" subscribes to events but does not handle them",
			xerrors.WithMetadata("plugin", name))
	}
	for _, t := range eventTypes {
		if !ValidEventType(t) {
			return xerrors.New(xerrors.CodeInvalidArgument, "invalid event type "+t, xerrors.WithMetadata("plugin", name))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	sub := b.subs[name]
	if sub == nil {
		sub = newSubscriber(name, handler)
		b.subs[name] = sub
	}
	sub.mu.Lock()
	sub.handler = handler
	for _, t := range eventTypes {
		sub.topics[t] = struct{}{}
	}
	sub.mu.Unlock()
	return nil
}

// Unsubscribe 同步取消一个事件类型的订阅，邮箱中该类型的事件被丢弃。
func (b *Bus) Unsubscribe(name, eventType string) {
	b.mu.Lock()
	sub := b.subs[name]
	if sub == nil {
		b.mu.Unlock()
		return
	}
	sub.mu.Lock()
	delete(sub.topics, eventType)
	var discarded []delivery
	if len(sub.topics) == 0 {
		discarded = sub.removeLocked()
		delete(b.subs, name)
	} else {
		discarded = sub.discardLocked(eventType)
	}
	sub.mu.Unlock()
	b.mu.Unlock()
	finishAll(discarded)
}

// UnsubscribeAll 取消插件的全部订阅并丢弃邮箱，然后等待正在执行的处理函数结束。
// 处理函数受 HandlerTimeout 约束，ctx 可以进一步限制等待时间。
func (b *Bus) UnsubscribeAll(ctx context.Context, name string) error {
	b.mu.Lock()
	sub := b.subs[name]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, name)
	sub.mu.Lock()
	discarded := sub.removeLocked()
	idle := sub.idle
	busy := sub.scheduled
	sub.mu.Unlock()
	b.mu.Unlock()
	finishAll(discarded)

	if !busy {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "wait for in-flight deliveries to "+name)
	}
}

// Subscriptions 返回插件当前的实时订阅。
func (b *Bus) Subscriptions(name string) []string {
	b.mu.RLock()
	sub := b.subs[name]
	b.mu.RUnlock()
	if sub == nil {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]string, 0, len(sub.topics))
	for t := range sub.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Degraded 报告订阅者是否因连续失败被标记为降级。
func (b *Bus) Degraded(name string) bool {
	b.mu.RLock()
	sub := b.subs[name]
	b.mu.RUnlock()
	if sub == nil {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.degraded
}

// Stats 返回累计计数。
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.stats.published.Load(),
		Delivered:   b.stats.delivered.Load(),
		Failed:      b.stats.failed.Load(),
		TimedOut:    b.stats.timedOut.Load(),
		Dropped:     b.stats.dropped.Load(),
		Skipped:     b.stats.skipped.Load(),
		Subscribers: n,
	}
}

// Close 停止接收新事件，等待工作协程处理完已入队的事件后关闭桥接。
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.outbound != nil {
		close(b.outbound)
	}
	b.mu.Unlock()

	b.runMu.Lock()
	b.stopping = true
	b.runCond.Broadcast()
	b.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		if b.bridgeCancel != nil {
			b.bridgeCancel()
		}
		b.bridgeWG.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, br := range b.bridges {
		if cerr := br.Close(); cerr != nil {
			b.log.Warn("关闭事件桥接失败", slog.String("bridge", br.Name()), slog.Any("error", cerr))
		}
	}
	return err
}

type nopRecorder struct{}

func (nopRecorder) ObserveDispatch(string, string, string, time.Duration) {}
func (nopRecorder) ObserveDrop(string, string) {}
