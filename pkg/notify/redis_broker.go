package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker delivers events over Redis pub/sub, one channel per generation.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker creates a pub/sub broker.
func NewRedisBroker(addr, password, prefix string) (*RedisBroker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewRedisBrokerWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix), nil
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, prefix string) *RedisBroker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "logogen"
	}
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.Publish(ctx, b.channel(ev.GenerationID), payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, generationID string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel(generationID))
	// Wait for the subscribe confirmation so no later publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", generationID, err)
	}
	sub := &redisSub{
		ps:   ps,
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

func (b *RedisBroker) Close() error { return b.client.Close() }

func (b *RedisBroker) channel(generationID string) string {
	return fmt.Sprintf("%s:events:%s", b.prefix, generationID)
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Event
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *redisSub) run() {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				s.fail(errors.New("pubsub channel closed"))
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.fail(fmt.Errorf("decode event: %w", err))
				return
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *redisSub) Events() <-chan Event { return s.out }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
