// Package messaging provides the topic-exchange publish transport the
// outbox poller delivers notifications through. Messages are durable
// and routed on notification type ("ORDER_CONFIRMED", "ORDER_FAILED");
// consumers live outside this service and dedupe on
// order_id + notification_type.
package messaging

import (
	"context"
	"fmt"
	"log"

	"github.com/rabbitmq/amqp091-go"
)

const exchangeName = "notifications"

// RabbitMQ is the message bus connection the outbox publisher writes to.
type RabbitMQ struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	url     string
}

func NewRabbitMQ(url string) *RabbitMQ {
	return &RabbitMQ{url: url}
}

// Connect dials the broker and declares the notifications exchange.
func (r *RabbitMQ) Connect() error {
	conn, err := amqp091.Dial(r.url)
	if err != nil {
		return fmt.Errorf("messaging: connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("messaging: open channel: %w", err)
	}

	r.conn = conn
	r.channel = ch

	err = ch.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("messaging: declare exchange: %w", err)
	}

	return nil
}

// Publish sends one notification envelope, routed on its type. Messages
// are marked persistent so a broker restart does not drop them.
func (r *RabbitMQ) Publish(notificationType string, body []byte) error {
	if r.channel == nil {
		return fmt.Errorf("messaging: channel not initialized")
	}

	err := r.channel.PublishWithContext(
		context.Background(),
		exchangeName,     // exchange
		notificationType, // routing key
		false,            // mandatory
		false,            // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("messaging: publish %s: %w", notificationType, err)
	}

	log.Printf("📤 Published notification: %s", notificationType)
	return nil
}

// Close closes the channel and connection.
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
