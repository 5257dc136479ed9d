package app

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"logogen/pkg/domain"
	"logogen/pkg/events"
	"logogen/pkg/notify"
	"logogen/pkg/queue"
	"logogen/pkg/storage"
	"logogen/pkg/store"
)

type flakyStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	createErr error
	deleteErr error
	// updateErrs is consumed one per Update call; nil entries pass through.
	updateErrs []error
}

func (f *flakyStore) Create(ctx context.Context, gen domain.Generation) (domain.Generation, error) {
	if f.createErr != nil {
		return domain.Generation{}, f.createErr
	}
	return f.MemoryStore.Create(ctx, gen)
}

func (f *flakyStore) Update(ctx context.Context, id string, patch store.Patch) (domain.Generation, error) {
	f.mu.Lock()
	var err error
	if len(f.updateErrs) > 0 {
		err, f.updateErrs = f.updateErrs[0], f.updateErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return domain.Generation{}, err
	}
	return f.MemoryStore.Update(ctx, id, patch)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryStore.Delete(ctx, id)
}

type recordingScheduler struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (s *recordingScheduler) Schedule(_ context.Context, task queue.Task) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingScheduler) Start(context.Context, int, queue.Handler) {}

type recordingEvents struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recordingEvents) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, evt.Kind)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

type failOnce struct{ err error }

func (f *failOnce) Fail(string) error {
	err := f.err
	f.err = nil
	return err
}

type harness struct {
	app    *App
	store  *flakyStore
	sched  *recordingScheduler
	events *recordingEvents
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:  &flakyStore{MemoryStore: store.NewMemoryStore()},
		sched:  &recordingScheduler{},
		events: &recordingEvents{},
	}
	cfg := Config{
		Feed:      store.NewFeed(h.store, notify.NewLocalBroker()),
		Scheduler: h.sched,
		Events:    h.events,
		MinDelay:  30 * time.Second,
		MaxDelay:  60 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = a
	return h
}

func TestStartGenerationHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	before := time.Now()

	res, err := h.app.StartGeneration(ctx, "A blue lion logo reading 'HEXA'", "abstract")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Success || res.GenerationID == "" || res.Message != "Generation started successfully" {
		t.Fatalf("unexpected result: %+v", res)
	}

	gen, err := h.app.GetGeneration(ctx, res.GenerationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gen.Status != domain.StatusProcessing || gen.ImageURL != "" || gen.Style != domain.StyleAbstract {
		t.Fatalf("unexpected record: %+v", gen)
	}

	if len(h.sched.tasks) != 1 {
		t.Fatalf("scheduled %d tasks, want 1", len(h.sched.tasks))
	}
	task := h.sched.tasks[0]
	if task.GenerationID != res.GenerationID {
		t.Fatalf("task for %q, want %q", task.GenerationID, res.GenerationID)
	}
	if delay := task.RunAt.Sub(before); delay < 30*time.Second || delay > 61*time.Second {
		t.Fatalf("delay %v outside 30..60s", delay)
	}

	if err := h.app.Complete(ctx, res.GenerationID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	gen, _ = h.app.GetGeneration(ctx, res.GenerationID)
	if gen.Status != domain.StatusDone || gen.ImageURL != storage.DefaultImageURL {
		t.Fatalf("unexpected terminal record: %+v", gen)
	}
	if !gen.UpdatedAt.After(gen.CreatedAt) && !gen.UpdatedAt.Equal(gen.CreatedAt) {
		t.Fatalf("updatedAt before createdAt")
	}
	want := []events.Kind{events.KindStarted, events.KindCompleted}
	if len(h.events.kinds) != 2 || h.events.kinds[0] != want[0] || h.events.kinds[1] != want[1] {
		t.Fatalf("events = %v, want %v", h.events.kinds, want)
	}
}

func TestStartGenerationValidation(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name, prompt, style string
		wantMessage         string
	}{
		{"missing style", "x", "", "Missing required fields: prompt and style"},
		{"missing prompt", "   ", "mascot", "Missing required fields: prompt and style"},
		{"unknown style", "owl", "baroque", "unknown style: baroque"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.app.StartGeneration(context.Background(), tc.prompt, tc.style)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if vErr.Message != tc.wantMessage {
				t.Fatalf("message = %q, want %q", vErr.Message, tc.wantMessage)
			}
		})
	}
	list, _ := h.app.ListGenerations(context.Background(), 0)
	if len(list) != 0 || len(h.sched.tasks) != 0 {
		t.Fatalf("rejected requests left %d records and %d tasks", len(list), len(h.sched.tasks))
	}
}

func TestStartGenerationStoreUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.store.createErr = errors.New("connection refused")

	_, err := h.app.StartGeneration(context.Background(), "owl", "none")
	var tErr *domain.TransientStoreError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected transient store error, got %v", err)
	}
	if len(h.sched.tasks) != 0 {
		t.Fatalf("task scheduled despite store failure")
	}
}

func TestStartGenerationScheduleFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.err = errors.New("redis down")

	_, err := h.app.StartGeneration(context.Background(), "owl", "none")
	var tErr *domain.TransientStoreError
	if !errors.As(err, &tErr) || tErr.Op != "schedule completion" {
		t.Fatalf("expected schedule transient error, got %v", err)
	}
	list, err := h.store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("unscheduled start left records: %+v", list)
	}
	if len(h.events.kinds) != 0 {
		t.Fatalf("unexpected events: %v", h.events.kinds)
	}
}

func TestStartGenerationScheduleFailureMarksErrorWhenDeleteFails(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.err = errors.New("redis down")
	h.store.deleteErr = errors.New("store down")

	if _, err := h.app.StartGeneration(context.Background(), "owl", "none"); err == nil {
		t.Fatalf("expected start to fail")
	}
	list, _ := h.store.ListRecent(context.Background(), 10)
	if len(list) != 1 || list[0].Status != domain.StatusError || list[0].Error == "" {
		t.Fatalf("undeletable record not closed as error: %+v", list)
	}
}

func TestCompleteFallsBackToError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Faults = &failOnce{err: ErrSimulatedFailure} })
	ctx := context.Background()
	res, err := h.app.StartGeneration(ctx, "owl", "mascot")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.app.Complete(ctx, res.GenerationID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	gen, _ := h.app.GetGeneration(ctx, res.GenerationID)
	if gen.Status != domain.StatusError || gen.Error != ErrSimulatedFailure.Error() || gen.ImageURL != "" {
		t.Fatalf("unexpected record: %+v", gen)
	}
	if last := h.events.kinds[len(h.events.kinds)-1]; last != events.KindFailed {
		t.Fatalf("last event = %s, want failed", last)
	}
}

func TestCompleteBothWritesFail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.app.StartGeneration(ctx, "owl", "mascot")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	primary, fallback := errors.New("write done failed"), errors.New("write error failed")
	h.store.updateErrs = []error{primary, fallback}

	err = h.app.Complete(ctx, res.GenerationID)
	var cErr *domain.CompletionError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected completion error, got %v", err)
	}
	if !errors.Is(err, primary) || !errors.Is(err, fallback) {
		t.Fatalf("completion error does not wrap both causes: %v", err)
	}
	gen, _ := h.app.GetGeneration(ctx, res.GenerationID)
	if gen.Status != domain.StatusProcessing {
		t.Fatalf("status = %s, want processing", gen.Status)
	}

	// A redelivery finishes the job.
	if err := h.app.Complete(ctx, res.GenerationID); err != nil {
		t.Fatalf("retry complete: %v", err)
	}
	gen, _ = h.app.GetGeneration(ctx, res.GenerationID)
	if gen.Status != domain.StatusDone {
		t.Fatalf("status after retry = %s, want done", gen.Status)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.app.StartGeneration(ctx, "owl", "monogram")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.app.Complete(ctx, res.GenerationID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	first, _ := h.app.GetGeneration(ctx, res.GenerationID)
	if err := h.app.HandleTask(ctx, queue.Task{GenerationID: res.GenerationID, Attempts: 2}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	second, _ := h.app.GetGeneration(ctx, res.GenerationID)
	if second.Version != first.Version || second.Status != domain.StatusDone {
		t.Fatalf("redelivery rewrote terminal record: %+v -> %+v", first, second)
	}
	if err := h.app.Complete(ctx, "missing"); err != nil {
		t.Fatalf("complete missing: %v", err)
	}
}

func TestCompleteAfterDeleteIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.app.StartGeneration(ctx, "owl", "none")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.app.DeleteGeneration(ctx, res.GenerationID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.app.Complete(ctx, res.GenerationID); err != nil {
		t.Fatalf("complete deleted: %v", err)
	}
	if _, err := h.app.GetGeneration(ctx, res.GenerationID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.app.StartGeneration(ctx, "owl", "abstract")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	snaps := make(chan *domain.Generation, 4)
	unsub, err := h.app.Subscribe(ctx, res.GenerationID, func(g *domain.Generation) { snaps <- g }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	first := <-snaps
	if first == nil || first.Status != domain.StatusProcessing {
		t.Fatalf("unexpected first snapshot: %+v", first)
	}
	if err := h.app.Complete(ctx, res.GenerationID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	select {
	case got := <-snaps:
		if got == nil || got.Status != domain.StatusDone {
			t.Fatalf("unexpected snapshot: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminal snapshot")
	}
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, nil)
	health := h.app.HealthCheck()
	if !health.Success || health.Message != "Generation service is working correctly" || health.Timestamp.IsZero() {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	_, err := New(Config{
		Feed:      store.NewFeed(store.NewMemoryStore(), notify.NewLocalBroker()),
		Scheduler: queue.NewTimerQueue(),
		MinDelay:  time.Minute,
		MaxDelay:  time.Second,
	})
	if err == nil {
		t.Fatalf("expected error for inverted delay window")
	}
}

func TestEndToEndWithTimerQueue(t *testing.T) {
	sched := queue.NewTimerQueue()
	a, err := New(Config{
		Feed:      store.NewFeed(store.NewMemoryStore(), notify.NewLocalBroker()),
		Scheduler: sched,
		MinDelay:  10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, 2, a.HandleTask)

	res, err := a.StartGeneration(ctx, "A blue lion logo reading 'HEXA'", "abstract")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		gen, err := a.GetGeneration(ctx, res.GenerationID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if gen.Status == domain.StatusDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("generation never completed: %+v", gen)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdenticalRequestsCompleteIndependently(t *testing.T) {
	sched := queue.NewTimerQueue()
	a, err := New(Config{
		Feed:      store.NewFeed(store.NewMemoryStore(), notify.NewLocalBroker()),
		Scheduler: sched,
		MinDelay:  10 * time.Millisecond,
		MaxDelay:  30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, 2, a.HandleTask)

	first, err := a.StartGeneration(ctx, "fox", "mascot")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := a.StartGeneration(ctx, "fox", "mascot")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.GenerationID == second.GenerationID {
		t.Fatalf("identical requests share id %s", first.GenerationID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for _, id := range []string{first.GenerationID, second.GenerationID} {
		for {
			gen, err := a.GetGeneration(ctx, id)
			if err != nil {
				t.Fatalf("get %s: %v", id, err)
			}
			if gen.Status == domain.StatusDone {
				if gen.Version != 2 || gen.ImageURL == "" {
					t.Fatalf("unexpected completed record: %+v", gen)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("generation %s never completed: %+v", id, gen)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	list, _ := a.ListGenerations(ctx, 10)
	if len(list) != 2 {
		t.Fatalf("expected two records, got %d", len(list))
	}
}

func TestResumePendingReschedulesProcessing(t *testing.T) {
	sqlite, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	ctx := context.Background()
	now := time.Now()
	stale, _ := sqlite.Create(ctx, domain.Generation{Prompt: "old", Style: domain.StyleNone, CreatedAt: now.Add(-time.Hour)})
	fresh, _ := sqlite.Create(ctx, domain.Generation{Prompt: "new", Style: domain.StyleNone, CreatedAt: now})
	finished, _ := sqlite.Create(ctx, domain.Generation{Prompt: "done", Style: domain.StyleNone})
	if _, err := sqlite.Update(ctx, finished.ID, store.Patch{Status: store.StatusPtr(domain.StatusDone), ImageURL: store.StringPtr("u")}); err != nil {
		t.Fatalf("update: %v", err)
	}

	sched := &recordingScheduler{}
	a, err := New(Config{
		Feed:      store.NewFeed(sqlite, notify.NewLocalBroker()),
		Scheduler: sched,
		MinDelay:  30 * time.Second,
		MaxDelay:  60 * time.Second,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.now = func() time.Time { return now }

	n, err := a.ResumePending(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n != 2 || len(sched.tasks) != 2 {
		t.Fatalf("resumed %d, scheduled %d, want 2", n, len(sched.tasks))
	}
	if sched.tasks[0].GenerationID != stale.ID || !sched.tasks[0].RunAt.Equal(now) {
		t.Fatalf("overdue task = %+v, want immediate run", sched.tasks[0])
	}
	wait := sched.tasks[1].RunAt.Sub(fresh.CreatedAt)
	if sched.tasks[1].GenerationID != fresh.ID || wait < 30*time.Second || wait > 60*time.Second {
		t.Fatalf("fresh task = %+v, want original window", sched.tasks[1])
	}
}

func TestResumePendingSkipsVolatileStore(t *testing.T) {
	h := newHarness(t, nil)
	n, err := h.app.ResumePending(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("resume = %d, %v", n, err)
	}
}

type countingObjects struct {
	mu       sync.Mutex
	presigns int
}

func (c *countingObjects) Put(_ context.Context, _ string, r io.Reader, _ int64, _ string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (c *countingObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presigns++
	return "https://objects.local/" + key + "?sig=" + strconv.Itoa(c.presigns), nil
}

func (c *countingObjects) Delete(context.Context, string) error { return nil }

func TestImageURLPresignsOnRead(t *testing.T) {
	objects := &countingObjects{}
	h := newHarness(t, func(c *Config) {
		c.Images = storage.NewObjectImagePublisher(objects, time.Hour, "https://api.example")
	})
	ctx := context.Background()
	res, err := h.app.StartGeneration(ctx, "owl", "none")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.app.ImageURL(ctx, res.GenerationID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("image of processing generation: %v, want ErrNotFound", err)
	}
	if err := h.app.Complete(ctx, res.GenerationID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	gen, _ := h.app.GetGeneration(ctx, res.GenerationID)
	if gen.ImageURL != "https://api.example/generations/"+res.GenerationID+"/image" {
		t.Fatalf("recorded url = %q", gen.ImageURL)
	}

	first, err := h.app.ImageURL(ctx, res.GenerationID)
	if err != nil {
		t.Fatalf("image url: %v", err)
	}
	second, _ := h.app.ImageURL(ctx, res.GenerationID)
	if first == second || !strings.HasSuffix(second, "?sig=2") {
		t.Fatalf("expected a fresh presign per read, got %q then %q", first, second)
	}
}
