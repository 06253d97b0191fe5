package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel 是 Redis 桥接默认使用的 pub/sub 频道。
const DefaultRedisChannel = "extensionhub:events"

// RedisBridge 通过 Redis pub/sub 镜像事件。
type RedisBridge struct {
	client  *redis.Client
	channel string
}

// NewRedisBridge 基于已连接的客户端创建桥接，桥接关闭时一并关闭客户端。
func NewRedisBridge(client *redis.Client, channel string) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBridge{client: client, channel: channel}
}

// Name 实现 Bridge 接口。
func (r *RedisBridge) Name() string { return "redis" }

// Forward 将事件发布到频道。
func (r *RedisBridge) Forward(ctx context.Context, env Envelope) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Consume 订阅频道并回调每条可解析的消息。
func (r *RedisBridge) Consume(ctx context.Context, handle func(Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("Redis 订阅频道失败: %w", err)
	}
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				continue
			}
			handle(env)
		}
	}
}

// Close 关闭 Redis 连接。
func (r *RedisBridge) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
