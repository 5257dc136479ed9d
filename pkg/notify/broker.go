package notify

import (
	"context"

	"logogen/pkg/domain"
)

// Event carries the full snapshot of a generation after a write.
// A nil Snapshot means the record was deleted.
type Event struct {
	GenerationID string             `json:"generationId"`
	Snapshot     *domain.Generation `json:"snapshot"`
}

// Broker fans generation events out to subscribers keyed by generation ID.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns once the subscription is live: every event published
	// after it returns is delivered.
	Subscribe(ctx context.Context, generationID string) (Subscription, error)
	Close() error
}

// Subscription is a live stream of events for one generation.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan Event
	// Err reports why the stream ended, nil after Close.
	Err() error
	// Close stops delivery. It is safe to call more than once.
	Close() error
}
