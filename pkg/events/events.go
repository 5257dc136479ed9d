// Package events announces generation lifecycle changes to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"logogen/pkg/domain"
)

// Kind names a lifecycle transition.
type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindDeleted   Kind = "deleted"
)

// Event is the message body published for each transition.
type Event struct {
	Kind         Kind               `json:"kind"`
	GenerationID string             `json:"generationId"`
	Generation   *domain.Generation `json:"generation,omitempty"`
	OccurredAt   time.Time          `json:"occurredAt"`
}

// Publisher delivers lifecycle events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// RoutingKey is "generation.<kind>".
func RoutingKey(kind Kind) string {
	return "generation." + string(kind)
}

// NewEvent builds an event for gen, stamping the current time.
func NewEvent(kind Kind, id string, gen *domain.Generation) Event {
	return Event{Kind: kind, GenerationID: id, Generation: gen, OccurredAt: time.Now().UTC()}
}

// BuildMessage encodes evt as a persistent JSON message.
func BuildMessage(evt Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.GenerationID + ":" + string(evt.Kind),
		Timestamp:    evt.OccurredAt,
		Type:         RoutingKey(evt.Kind),
		Body:         body,
	}, nil
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// NewAMQPPublisher dials url and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp url required")
	}
	if exchange == "" {
		exchange = "logogen.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	msg, err := BuildMessage(evt)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(evt.Kind), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKey(evt.Kind), err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.ch != nil {
		err = p.ch.Close()
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
