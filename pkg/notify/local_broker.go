package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed ends subscriptions when their broker shuts down.
var ErrBrokerClosed = errors.New("broker closed")

// LocalBroker is an in-process Broker. Each subscriber has its own unbounded
// FIFO mailbox, so a slow subscriber never loses or reorders events.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[*localSub]struct{})}
}

func (b *LocalBroker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subs[ev.GenerationID] {
		sub.push(ev)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, generationID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &localSub{
		broker: b,
		id:     generationID,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	set, ok := b.subs[generationID]
	if !ok {
		set = make(map[*localSub]struct{})
		b.subs[generationID] = set
	}
	set[sub] = struct{}{}
	go sub.pump()
	return sub, nil
}

// Close ends every open subscription with ErrBrokerClosed.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*localSub
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*localSub]struct{})
	b.mu.Unlock()
	for _, sub := range all {
		sub.stop(ErrBrokerClosed)
	}
	return nil
}

func (b *LocalBroker) remove(sub *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.id]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.id)
	}
}

type localSub struct {
	broker *LocalBroker
	id     string

	mu    sync.Mutex
	queue []Event
	err   error

	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *localSub) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *localSub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}

func (s *localSub) Events() <-chan Event { return s.out }

func (s *localSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *localSub) Close() error {
	s.broker.remove(s)
	s.stop(nil)
	return nil
}

func (s *localSub) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}
