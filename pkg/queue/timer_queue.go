package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TimerQueue runs each task once on an in-process timer.
// Tasks do not survive a restart and failed tasks are not retried.
type TimerQueue struct {
	mu      sync.Mutex
	ctx     context.Context
	handler Handler
	sem     chan struct{}
	pending []Task
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
}

// NewTimerQueue creates an idle timer queue. Tasks scheduled before Start are
// held until Start is called.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{timers: make(map[*time.Timer]struct{})}
}

func (q *TimerQueue) Schedule(_ context.Context, task Task) error {
	if task.GenerationID == "" {
		return errors.New("generationId required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handler == nil {
		q.pending = append(q.pending, task)
		return nil
	}
	if q.ctx.Err() != nil {
		return q.ctx.Err()
	}
	q.arm(task)
	return nil
}

func (q *TimerQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	q.ctx = ctx
	q.handler = handler
	q.sem = make(chan struct{}, concurrency)
	pending := q.pending
	q.pending = nil
	for _, task := range pending {
		q.arm(task)
	}
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		for t := range q.timers {
			if t.Stop() {
				q.wg.Done()
			}
		}
		q.timers = make(map[*time.Timer]struct{})
		q.mu.Unlock()
	}()
}

// Wait blocks until every fired task has returned.
func (q *TimerQueue) Wait() {
	q.wg.Wait()
}

// arm must be called with q.mu held.
func (q *TimerQueue) arm(task Task) {
	delay := time.Until(task.RunAt)
	if delay < 0 {
		delay = 0
	}
	var timer *time.Timer
	q.wg.Add(1)
	timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.mu.Lock()
		if _, ok := q.timers[timer]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.timers, timer)
		ctx, handler, sem := q.ctx, q.handler, q.sem
		q.mu.Unlock()

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-sem }()

		task.Attempts = 1
		if err := handler(ctx, task); err != nil {
			slog.Error("deferred task failed", "generation_id", task.GenerationID, "err", err)
		}
	})
	q.timers[timer] = struct{}{}
}
