package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const exchangeName = "events"

// AMQPPort publishes notifications to a RabbitMQ topic exchange. Routing key
// is "contract.<kind>" so the conversation service can bind selectively.
type AMQPPort struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewAMQPPort(url string) (*AMQPPort, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare exchange: %w", err)
	}

	return &AMQPPort{conn: conn, channel: ch}, nil
}

func (p *AMQPPort) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		exchangeName,
		"contract."+string(ev.Kind),
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func (p *AMQPPort) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
