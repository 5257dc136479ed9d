package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"logogen/pkg/domain"
)

type fakeChannel struct {
	mu   sync.Mutex
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, exchange+"/"+key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestRoutingKey(t *testing.T) {
	cases := map[Kind]string{
		KindStarted:   "generation.started",
		KindCompleted: "generation.completed",
		KindFailed:    "generation.failed",
		KindDeleted:   "generation.deleted",
	}
	for kind, want := range cases {
		if got := RoutingKey(kind); got != want {
			t.Fatalf("RoutingKey(%s) = %q, want %q", kind, got, want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	gen := &domain.Generation{ID: "gen-1", Prompt: "owl", Style: domain.StyleMonogram, Status: domain.StatusDone, ImageURL: "https://img"}
	msg, err := BuildMessage(NewEvent(KindCompleted, gen.ID, gen))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected headers: %+v", msg)
	}
	if msg.MessageId != "gen-1:completed" {
		t.Fatalf("message id = %q", msg.MessageId)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != KindCompleted || decoded.Generation == nil || decoded.Generation.ImageURL != "https://img" {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestAMQPPublisherUsesExchangeAndKey(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "logogen.events"}
	if err := p.Publish(context.Background(), NewEvent(KindStarted, "gen-2", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ch.keys) != 1 || ch.keys[0] != "logogen.events/generation.started" {
		t.Fatalf("unexpected keys: %v", ch.keys)
	}

	ch.err = errors.New("channel closed")
	if err := p.Publish(context.Background(), NewEvent(KindFailed, "gen-2", nil)); !errors.Is(err, ch.err) {
		t.Fatalf("expected wrapped channel error, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher("", ""); err == nil {
		t.Fatalf("expected error")
	}
}
