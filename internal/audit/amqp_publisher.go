package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述审计广播使用的 RabbitMQ 参数。
type AMQPConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// AMQPPublisher 将审计记录以 JSON 发布到 topic exchange，
// routing key 形如 audit.<action>.<status>。
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher 建立连接并声明 exchange。
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentguard.audit"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// RoutingKey 返回审计记录的路由键。
func RoutingKey(entry *Entry) string {
	return fmt.Sprintf("audit.%s.%s", entry.Action, entry.Status)
}

// Publish 实现 Publisher。
func (p *AMQPPublisher) Publish(ctx context.Context, entry *Entry) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ publisher 未初始化")
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("编码审计记录失败: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(entry), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID,
		Timestamp:    entry.Timestamp,
		Type:         string(entry.Action),
		Body:         body,
	})
}

// Close 关闭 channel 与连接。
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
