package store

import (
	"context"
	"log/slog"
	"sync"

	"logogen/pkg/domain"
	"logogen/pkg/notify"
)

// Unsubscribe stops delivery to a watcher. It is idempotent.
type Unsubscribe func()

// Feed composes a Store with a Broker: every successful write is published as
// a full snapshot, and watchers subscribe to a live stream per generation.
type Feed struct {
	store  Store
	broker notify.Broker
}

// NewFeed wires a store to a broker.
func NewFeed(s Store, b notify.Broker) *Feed {
	return &Feed{store: s, broker: b}
}

// Create writes a new record and publishes it.
func (f *Feed) Create(ctx context.Context, gen domain.Generation) (domain.Generation, error) {
	created, err := f.store.Create(ctx, gen)
	if err != nil {
		return domain.Generation{}, err
	}
	f.publish(ctx, created.ID, &created)
	return created, nil
}

// Update writes a patch and publishes the resulting snapshot.
func (f *Feed) Update(ctx context.Context, id string, patch Patch) (domain.Generation, error) {
	updated, err := f.store.Update(ctx, id, patch)
	if err != nil {
		return domain.Generation{}, err
	}
	f.publish(ctx, id, &updated)
	return updated, nil
}

// Delete removes a record and publishes a nil snapshot.
func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := f.store.Delete(ctx, id); err != nil {
		return err
	}
	f.publish(ctx, id, nil)
	return nil
}

func (f *Feed) Get(ctx context.Context, id string) (domain.Generation, bool, error) {
	return f.store.Get(ctx, id)
}

func (f *Feed) ListRecent(ctx context.Context, limit int) ([]domain.Generation, error) {
	return f.store.ListRecent(ctx, limit)
}

// ListProcessing returns records still processing. ok is false when the
// store cannot enumerate them.
func (f *Feed) ListProcessing(ctx context.Context) (gens []domain.Generation, ok bool, err error) {
	lister, ok := f.store.(PendingLister)
	if !ok {
		return nil, false, nil
	}
	gens, err = lister.ListProcessing(ctx)
	return gens, true, err
}

// Close releases the broker and the store.
func (f *Feed) Close() error {
	berr := f.broker.Close()
	if err := f.store.Close(); err != nil {
		return err
	}
	return berr
}

// publish never fails the write: the record is already committed.
func (f *Feed) publish(ctx context.Context, id string, snap *domain.Generation) {
	if err := f.broker.Publish(ctx, notify.Event{GenerationID: id, Snapshot: snap}); err != nil {
		slog.Warn("publish generation event failed", "generation_id", id, "err", err)
	}
}

// Subscribe registers a watcher for one generation.
//
// The first delivery is the current snapshot, or nil when the record does not
// exist yet. Later deliveries carry strictly increasing versions, one per
// committed write, in write order. Callbacks run on a single goroutine.
// onError fires at most once, with a *domain.SubscriptionError, after which
// delivery ends. Delivery also ends when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, id string, onChange func(*domain.Generation), onError func(error)) (Unsubscribe, error) {
	sub, err := f.broker.Subscribe(ctx, id)
	if err != nil {
		return nil, &domain.SubscriptionError{GenerationID: id, Err: err}
	}
	current, ok, err := f.store.Get(ctx, id)
	if err != nil {
		_ = sub.Close()
		return nil, &domain.SubscriptionError{GenerationID: id, Err: err}
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	stopped := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	go func() {
		var (
			last    int64
			deleted bool
			first   *domain.Generation
		)
		if ok {
			snap := current
			first = &snap
			last = snap.Version
		}
		if stopped() {
			return
		}
		onChange(first)
		sentNil := first == nil

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				unsubscribe()
				return
			case ev, open := <-sub.Events():
				if !open {
					if err := sub.Err(); err != nil && !stopped() {
						if onError != nil {
							onError(&domain.SubscriptionError{GenerationID: id, Err: err})
						}
						unsubscribe()
					}
					return
				}
				if ev.Snapshot == nil {
					if sentNil {
						continue
					}
					deleted, sentNil = true, true
					if stopped() {
						return
					}
					onChange(nil)
					continue
				}
				// Identifiers are never reused, so nothing follows a deletion.
				if deleted || ev.Snapshot.Version <= last {
					continue
				}
				last = ev.Snapshot.Version
				sentNil = false
				if stopped() {
					return
				}
				snap := *ev.Snapshot
				onChange(&snap)
			}
		}
	}()

	return unsubscribe, nil
}
