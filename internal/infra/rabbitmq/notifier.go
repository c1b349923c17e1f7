// Package rabbitmq announces performed session transitions on a topic exchange so
// downstream consumers (reminders, analytics) can react to a quiz going live or ending.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
)

// DefaultExchange is used when no exchange is configured.
const DefaultExchange = "quiz.events"

// SessionEvent is the message body published for every performed transition.
type SessionEvent struct {
	EventType string              `json:"eventType"`
	Session   domain.Session      `json:"session"`
	Change    domain.StatusChange `json:"change"`
	SentAt    time.Time           `json:"sentAt"`
}

// RoutingKey returns the key a transition to status is published under.
func RoutingKey(status domain.Status) string {
	return "quiz.session." + string(status)
}

// Notifier implements app.Notifier on a RabbitMQ topic exchange.
type Notifier struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewNotifier dials url and declares a durable topic exchange.
func NewNotifier(url, exchange string) (*Notifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	log.Info().Str("exchange", exchange).Msg("transition notifier ready")
	return &Notifier{conn: conn, channel: channel, exchange: exchange}, nil
}

func (n *Notifier) SessionTransitioned(ctx context.Context, session domain.Session, change domain.StatusChange) error {
	body, err := json.Marshal(SessionEvent{
		EventType: RoutingKey(change.To),
		Session:   session,
		Change:    change,
		SentAt:    change.At,
	})
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.channel.PublishWithContext(ctx, n.exchange, RoutingKey(change.To), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    change.At,
		Body:         body,
		Headers: amqp.Table{
			"session_id": session.ID,
			"status":     string(change.To),
			"forced":     change.Forced,
		},
	})
	if err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.channel.Close(); err != nil {
		log.Warn().Err(err).Msg("closing RabbitMQ channel")
	}
	return n.conn.Close()
}
