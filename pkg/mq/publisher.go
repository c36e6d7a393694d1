package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventsExchange is the topic exchange flow engine events are published to.
const EventsExchange = "flowengine.events"

// Publisher publishes JSON bodies to one exchange.
type Publisher struct {
	conn     *Connection
	exchange string
	logger   *slog.Logger
}

// NewPublisher creates a publisher for exchange.
func NewPublisher(conn *Connection, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, exchange: exchange, logger: logger}
}

// Publish sends body with the given routing key as a persistent message.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	id := uuid.NewString()
	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    id,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", p.exchange, routingKey, err)
		}
		p.logger.Debug("published message", "exchange", p.exchange, "routing_key", routingKey, "message_id", id)
		return nil
	})
}
