// Package watcher drives one client's view of a generation: it starts a job
// through an Initiator and follows its record through a Source until the job
// reaches a terminal state.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"logogen/pkg/domain"
)

// State is the client-side phase.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateAwaiting   State = "awaiting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

var (
	// ErrBusy is returned by Start while a job is being requested or awaited.
	ErrBusy = errors.New("generation already in progress")
	// ErrTimeout marks a job that produced no terminal snapshot in time.
	ErrTimeout = errors.New("timed out waiting for generation")
	// ErrGenerationFailed wraps the error detail of a record that ended in error.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("watcher closed")
)

// Initiator starts generations.
type Initiator interface {
	StartGeneration(ctx context.Context, prompt, style string) (domain.StartResult, error)
}

// Source streams snapshots of one record. onChange receives nil while the
// record does not exist. The returned func releases the subscription.
type Source interface {
	Subscribe(ctx context.Context, id string, onChange func(*domain.Generation), onError func(error)) (func(), error)
}

// Snapshot is the observable watcher state.
type Snapshot struct {
	State        State
	GenerationID string
	Prompt       string
	Style        string
	ImageURL     string
	Err          error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithTimeout fails a job that is still awaiting after d. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.timeout = d }
}

// WithBuffer sets the capacity of the Updates channel.
func WithBuffer(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.buffer = n
		}
	}
}

type job struct {
	cancel context.CancelFunc
	unsub  func()
	timer  *time.Timer
}

func (j *job) release() {
	if j == nil {
		return
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.cancel != nil {
		j.cancel()
	}
	if j.unsub != nil {
		j.unsub()
	}
}

// Watcher is safe for concurrent use.
type Watcher struct {
	initiator Initiator
	source    Source
	timeout   time.Duration
	buffer    int

	base    context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	snap    Snapshot
	epoch   uint64
	current *job
	closed  bool
	updates chan Snapshot
}

func New(initiator Initiator, source Source, opts ...Option) *Watcher {
	w := &Watcher{initiator: initiator, source: source, buffer: 16}
	for _, opt := range opts {
		opt(w)
	}
	w.base, w.stop = context.WithCancel(context.Background())
	w.snap = Snapshot{State: StateIdle}
	w.updates = make(chan Snapshot, w.buffer)
	return w
}

// CanStart reports whether Start would accept prompt right now.
func (w *Watcher) CanStart(prompt string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(prompt) != "" && !w.closed && !w.inFlight()
}

// State returns the current snapshot.
func (w *Watcher) State() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Updates delivers every transition. When the buffer is full the oldest
// pending transition is dropped. The channel is closed by Close.
func (w *Watcher) Updates() <-chan Snapshot {
	return w.updates
}

// Start requests a new generation and begins awaiting it. Starting from
// ready or failed supersedes the previous job.
func (w *Watcher) Start(ctx context.Context, prompt, style string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.inFlight() {
		w.mu.Unlock()
		return ErrBusy
	}
	if strings.TrimSpace(prompt) == "" {
		w.mu.Unlock()
		return &domain.ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	old := w.current
	w.current = nil
	w.epoch++
	epoch := w.epoch
	w.transition(Snapshot{State: StateRequesting, Prompt: prompt, Style: style})
	w.mu.Unlock()
	old.release()

	res, err := w.initiator.StartGeneration(ctx, prompt, style)

	w.mu.Lock()
	if w.epoch != epoch {
		w.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		w.transition(Snapshot{State: StateFailed, Prompt: prompt, Style: style, Err: err})
		w.mu.Unlock()
		return err
	}
	if res.GenerationID == "" {
		err := errors.New("initiator returned no generation id")
		w.transition(Snapshot{State: StateFailed, Prompt: prompt, Style: style, Err: err})
		w.mu.Unlock()
		return err
	}
	subCtx, cancel := context.WithCancel(w.base)
	j := &job{cancel: cancel}
	w.current = j
	w.transition(Snapshot{State: StateAwaiting, GenerationID: res.GenerationID, Prompt: prompt, Style: style})
	if w.timeout > 0 {
		j.timer = time.AfterFunc(w.timeout, func() { w.fail(epoch, ErrTimeout) })
	}
	w.mu.Unlock()

	id := res.GenerationID
	unsub, err := w.source.Subscribe(subCtx, id,
		func(gen *domain.Generation) { w.observe(epoch, gen) },
		func(err error) { w.fail(epoch, wrapSubscription(id, err)) },
	)
	if err != nil {
		w.fail(epoch, wrapSubscription(id, err))
		return nil
	}

	w.mu.Lock()
	if w.epoch == epoch && w.current == j && w.inFlight() {
		j.unsub = unsub
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()
	// Already terminal, superseded or closed.
	unsub()
	return nil
}

// Close releases the active subscription and closes Updates. It is idempotent.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.epoch++
	cur := w.current
	w.current = nil
	close(w.updates)
	w.mu.Unlock()
	cur.release()
	w.stop()
}

func (w *Watcher) observe(epoch uint64, gen *domain.Generation) {
	w.mu.Lock()
	if w.epoch != epoch || w.snap.State != StateAwaiting {
		w.mu.Unlock()
		return
	}
	if gen == nil || !gen.Status.Terminal() {
		w.mu.Unlock()
		return
	}
	next := w.snap
	switch gen.Status {
	case domain.StatusDone:
		next.State = StateReady
		next.ImageURL = gen.ImageURL
	case domain.StatusError:
		next.State = StateFailed
		next.Err = fmt.Errorf("%w: %s", ErrGenerationFailed, gen.Error)
	}
	w.transition(next)
	cur := w.current
	w.current = nil
	w.mu.Unlock()
	cur.release()
}

func (w *Watcher) fail(epoch uint64, err error) {
	w.mu.Lock()
	if w.epoch != epoch || w.snap.State != StateAwaiting {
		w.mu.Unlock()
		return
	}
	next := w.snap
	next.State = StateFailed
	next.Err = err
	w.transition(next)
	cur := w.current
	w.current = nil
	w.mu.Unlock()
	cur.release()
}

// inFlight must be called with w.mu held.
func (w *Watcher) inFlight() bool {
	return w.snap.State == StateRequesting || w.snap.State == StateAwaiting
}

// transition must be called with w.mu held.
func (w *Watcher) transition(next Snapshot) {
	w.snap = next
	if w.closed {
		return
	}
	select {
	case w.updates <- next:
		return
	default:
	}
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- next:
	default:
	}
}

func wrapSubscription(id string, err error) error {
	var subErr *domain.SubscriptionError
	if errors.As(err, &subErr) {
		return err
	}
	return &domain.SubscriptionError{GenerationID: id, Err: err}
}
