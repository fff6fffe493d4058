// Package events fans recorded delivery events out to other systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/model"
)

// Publisher announces delivery events after they are stored
type Publisher interface {
	Publish(ctx context.Context, event *model.EmailEvent) error
	Close() error
}

// New builds the publisher selected by cfg.Publisher
func New(cfg config.EventsConfig, rdb RedisPublisher, log *logger.Logger) (Publisher, error) {
	switch cfg.Publisher {
	case "", "none":
		return Nop{}, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis event publisher requires a redis connection")
		}
		return NewRedis(rdb, cfg.RedisChannel), nil
	case "amqp":
		return NewAMQP(cfg.AMQPURL, cfg.Exchange, log)
	default:
		return nil, fmt.Errorf("unknown event publisher %q", cfg.Publisher)
	}
}

// Nop discards events
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, *model.EmailEvent) error { return nil }

// Close implements Publisher
func (Nop) Close() error { return nil }

// RedisPublisher is the subset of database.Redis used here
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Redis publishes events as JSON on a pub/sub channel
type Redis struct {
	rdb     RedisPublisher
	channel string
}

// NewRedis creates a Redis pub/sub publisher
func NewRedis(rdb RedisPublisher, channel string) *Redis {
	return &Redis{rdb: rdb, channel: channel}
}

// Publish implements Publisher
func (r *Redis) Publish(ctx context.Context, event *model.EmailEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, body); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close implements Publisher. The connection is owned by the caller.
func (r *Redis) Close() error { return nil }

// AMQP publishes events to a topic exchange with routing key email.<type>
type AMQP struct {
	exchange string
	log      *logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP dials the broker and declares the exchange
func NewAMQP(url, exchange string, log *logger.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQP{
		exchange: exchange,
		log:      log.WithComponent("amqp_publisher"),
		conn:     conn,
		ch:       ch,
	}, nil
}

// Publish implements Publisher
func (a *AMQP) Publish(ctx context.Context, event *model.EmailEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch == nil {
		return fmt.Errorf("amqp publisher is closed")
	}

	err = a.ch.Publish(
		a.exchange,
		RoutingKey(event),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Timestamp,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close implements Publisher
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// RoutingKey returns the topic routing key for an event
func RoutingKey(event *model.EmailEvent) string {
	return "email." + event.EventType
}
