package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ExtensionHub/pkg/plugin"
)

// Envelope 是跨进程传递的事件，Node 标识发布方以避免回环。
type Envelope struct {
	Node  string       `json:"node"`
	Event plugin.Event `json:"event"`
}

// Bridge 将本地事件镜像到外部消息系统，并把其他节点的事件带回本地。
type Bridge interface {
	Name() string
	Forward(ctx context.Context, env Envelope) error
	// Consume 阻塞直到 ctx 结束或连接关闭。
	Consume(ctx context.Context, handle func(Envelope)) error
	Close() error
}

const (
	bridgeBuffer  = 256
	bridgeTimeout = 5 * time.Second
)

func (b *Bus) startBridges() {
	if len(b.bridges) == 0 {
		return
	}
	b.outbound = make(chan Envelope, bridgeBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	b.bridgeCancel = cancel

	b.bridgeWG.Add(1)
	go func() {
		defer b.bridgeWG.Done()
		for env := range b.outbound {
			for _, br := range b.bridges {
				fctx, fcancel := context.WithTimeout(ctx, bridgeTimeout)
				if err := br.Forward(fctx, env); err != nil {
					b.log.Warn("事件镜像失败",
						slog.String("bridge", br.Name()),
						slog.String("event_type", env.Event.Type),
						slog.Any("error", err))
				}
				fcancel()
			}
		}
	}()

	for _, br := range b.bridges {
		br := br
		b.bridgeWG.Add(1)
		go func() {
			defer b.bridgeWG.Done()
			err := br.Consume(ctx, func(env Envelope) {
				if env.Node == b.node {
					return
				}
				if _, err := b.publish(ctx, env.Event, nil, false); err != nil {
					b.log.Warn("投递远端事件失败",
						slog.String("bridge", br.Name()),
						slog.String("node", env.Node),
						slog.Any("error", err))
				}
			})
			if err != nil && ctx.Err() == nil {
				b.log.Error("事件桥接消费中断", slog.String("bridge", br.Name()), slog.Any("error", err))
			}
		}()
	}
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode event envelope: %w", err)
	}
	return raw, nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Event.Type == "" {
		return env, fmt.Errorf("decode event envelope: missing event type")
	}
	return env, nil
}

// MemoryHub 在进程内连接多个 MemoryBridge，主要用于测试。
type MemoryHub struct {
	mu      sync.Mutex
	members map[*MemoryBridge]struct{}
}

// NewMemoryHub 创建 MemoryHub。
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[*MemoryBridge]struct{})}
}

// MemoryBridge 通过 channel 在 MemoryHub 成员之间广播事件。
type MemoryBridge struct {
	hub    *MemoryHub
	ch     chan Envelope
	once   sync.Once
	closed chan struct{}
}

// Bridge 创建一个连接到 hub 的桥接，size 为接收缓冲。
func (h *MemoryHub) Bridge(size int) *MemoryBridge {
	if size <= 0 {
		size = 64
	}
	br := &MemoryBridge{hub: h, ch: make(chan Envelope, size), closed: make(chan struct{})}
	h.mu.Lock()
	h.members[br] = struct{}{}
	h.mu.Unlock()
	return br
}

// Name 实现 Bridge 接口。
func (m *MemoryBridge) Name() string { return "memory" }

// Forward 将事件广播给 hub 的所有成员，接收缓冲已满的成员会错过该事件。
func (m *MemoryBridge) Forward(ctx context.Context, env Envelope) error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	for member := range m.hub.members {
		select {
		case member.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Consume 实现 Bridge 接口。
func (m *MemoryBridge) Consume(ctx context.Context, handle func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return nil
		case env := <-m.ch:
			handle(env)
		}
	}
}

// Close 将桥接移出 hub。
func (m *MemoryBridge) Close() error {
	m.once.Do(func() {
		m.hub.mu.Lock()
		delete(m.hub.members, m)
		m.hub.mu.Unlock()
		close(m.closed)
	})
	return nil
}
