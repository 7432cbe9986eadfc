package notify

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"marking-backend/internal/shared/telemetry"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes notifications to a topic exchange.
type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    amqpChannel
	exchange   string
	routingKey string
}

// DialAMQP connects, opens a channel and declares the exchange.
func DialAMQP(url, exchange, routingKey string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	p, err := newAMQPPublisher(ch, exchange, routingKey)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	telemetry.Info("notify.amqp_connected", map[string]any{"exchange": exchange})
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange, routingKey string) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, routingKey: routingKey}, nil
}

// Publish sends one notification. The routing key is suffixed with the event
// kind so consumers can bind selectively.
func (p *AMQPPublisher) Publish(ctx context.Context, n Notification) error {
	body, err := Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.channel.PublishWithContext(
		publishCtx,
		p.exchange,
		p.routingKey+"."+n.Kind,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    n.RecordedAt,
			MessageId:    fmt.Sprintf("%d", n.Sequence),
		},
	)
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
