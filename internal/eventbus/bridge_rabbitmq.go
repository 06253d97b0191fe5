package eventbus

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 桥接的连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// RabbitMQBridge 将事件发布到 topic 交换机，路由键为事件类型。
// 每个节点使用独占的临时队列接收其他节点的事件。
type RabbitMQBridge struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	sub      *amqp.Channel
	exchange string
	queue    string
}

// NewRabbitMQBridge 建立连接并声明交换机与节点队列。
func NewRabbitMQBridge(cfg RabbitMQConfig) (*RabbitMQBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "extensionhub.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := pub.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	q, err := sub.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if err := sub.QueueBind(q.Name, "#", exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQBridge{conn: conn, pub: pub, sub: sub, exchange: exchange, queue: q.Name}, nil
}

// Name 实现 Bridge 接口。
func (q *RabbitMQBridge) Name() string { return "rabbitmq" }

// Forward 发布事件。
func (q *RabbitMQBridge) Forward(ctx context.Context, env Envelope) error {
	if q == nil || q.pub == nil {
		return errors.New("RabbitMQ 桥接未初始化")
	}
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return q.pub.PublishWithContext(ctx, q.exchange, env.Event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.Event.ID,
		Timestamp:    env.Event.Timestamp,
		AppId:        env.Node,
		DeliveryMode: amqp.Transient,
		Body:         raw,
	})
}

// Consume 以自动确认模式消费节点队列。
func (q *RabbitMQBridge) Consume(ctx context.Context, handle func(Envelope)) error {
	if q == nil || q.sub == nil {
		return errors.New("RabbitMQ 桥接未初始化")
	}
	msgs, err := q.sub.Consume(q.queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope(msg.Body)
			if err != nil {
				continue
			}
			handle(env)
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQBridge) Close() error {
	if q == nil {
		return nil
	}
	if q.pub != nil {
		_ = q.pub.Close()
	}
	if q.sub != nil {
		_ = q.sub.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
