package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"logogen/internal/util"
	"logogen/pkg/domain"
	"logogen/pkg/events"
	"logogen/pkg/queue"
	"logogen/pkg/storage"
	"logogen/pkg/store"
)

const (
	startedMessage = "Generation started successfully"
	healthMessage  = "Generation service is working correctly"
)

// CompletionFaults can force the primary completion write to fail.
type CompletionFaults interface {
	// Fail returns a non-nil error to make the completion of id fail.
	Fail(id string) error
}

// FailureRate fails the given fraction of completions.
type FailureRate float64

func (r FailureRate) Fail(string) error {
	if r > 0 && rand.Float64() < float64(r) {
		return ErrSimulatedFailure
	}
	return nil
}

// Config holds runtime dependencies.
type Config struct {
	Feed      *store.Feed
	Scheduler queue.Scheduler
	Images    storage.ImagePublisher
	Events    events.Publisher
	Faults    CompletionFaults
	// MinDelay and MaxDelay bound the uniformly random completion delay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// App owns the generation lifecycle: initiation, deferred completion and reads.
type App struct {
	feed      *store.Feed
	scheduler queue.Scheduler
	images    storage.ImagePublisher
	events    events.Publisher
	faults    CompletionFaults
	minDelay  time.Duration
	maxDelay  time.Duration
	now       func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("feed required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler required")
	}
	if cfg.MinDelay < 0 || cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("invalid completion delay window %s..%s", cfg.MinDelay, cfg.MaxDelay)
	}
	a := &App{
		feed:      cfg.Feed,
		scheduler: cfg.Scheduler,
		images:    cfg.Images,
		events:    cfg.Events,
		faults:    cfg.Faults,
		minDelay:  cfg.MinDelay,
		maxDelay:  cfg.MaxDelay,
		now:       time.Now,
	}
	if a.images == nil {
		a.images = storage.StaticImage{}
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	return a, nil
}

// StartGeneration validates the request, records a processing job, schedules
// its completion and returns the new id without waiting for it.
func (a *App) StartGeneration(ctx context.Context, prompt, style string) (domain.StartResult, error) {
	if strings.TrimSpace(prompt) == "" || strings.TrimSpace(style) == "" {
		field := "prompt"
		if strings.TrimSpace(prompt) != "" {
			field = "style"
		}
		return domain.StartResult{}, &domain.ValidationError{Field: field, Message: missingFieldsMessage}
	}
	cleanPrompt, err := domain.ValidatePrompt(prompt)
	if err != nil {
		return domain.StartResult{}, err
	}
	parsedStyle, err := domain.ParseStyle(style)
	if err != nil {
		return domain.StartResult{}, err
	}

	logger := util.LoggerFromContext(ctx)
	logger.Info("starting generation", "style", parsedStyle, "prompt_runes", len([]rune(cleanPrompt)))

	gen, err := a.feed.Create(ctx, domain.Generation{
		Prompt: cleanPrompt,
		Style:  parsedStyle,
		Status: domain.StatusProcessing,
	})
	if err != nil {
		logger.Error("create generation failed", "err", err)
		return domain.StartResult{}, &domain.TransientStoreError{Op: "create generation", Err: err}
	}

	delay := a.completionDelay()
	task := queue.Task{GenerationID: gen.ID, RunAt: a.now().Add(delay)}
	if err := a.scheduler.Schedule(ctx, task); err != nil {
		logger.Error("schedule completion failed", "generation_id", gen.ID, "err", err)
		a.discardUnscheduled(ctx, gen.ID, err)
		return domain.StartResult{}, &domain.TransientStoreError{Op: "schedule completion", Err: err}
	}
	logger.Info("generation scheduled", "generation_id", gen.ID, "delay_ms", delay.Milliseconds())
	a.emit(ctx, events.KindStarted, gen.ID, &gen)

	return domain.StartResult{Success: true, GenerationID: gen.ID, Message: startedMessage}, nil
}

// discardUnscheduled removes a record whose completion could not be queued.
// If the delete fails too, the record is closed as error so it cannot stay
// processing forever.
func (a *App) discardUnscheduled(ctx context.Context, id string, cause error) {
	logger := util.LoggerFromContext(ctx)
	derr := a.feed.Delete(ctx, id)
	if derr == nil || errors.Is(derr, domain.ErrNotFound) {
		return
	}
	logger.Error("remove unscheduled generation failed", "generation_id", id, "err", derr)
	msg := "schedule completion: " + cause.Error()
	if _, uerr := a.feed.Update(ctx, id, store.Patch{
		Status:   store.StatusPtr(domain.StatusError),
		Error:    &msg,
		IfStatus: store.StatusPtr(domain.StatusProcessing),
	}); uerr != nil {
		logger.Error("mark unscheduled generation failed", "generation_id", id, "err", uerr)
	}
}

func (a *App) completionDelay() time.Duration {
	span := a.maxDelay - a.minDelay
	if span <= 0 {
		return a.minDelay
	}
	return a.minDelay + time.Duration(rand.Int64N(int64(span)+1))
}

// ResumePending schedules completions for every record still processing.
// It is for schedulers that lose their tasks on restart. Each task keeps
// the record's original window and runs at once if that has passed.
func (a *App) ResumePending(ctx context.Context) (int, error) {
	pending, ok, err := a.feed.ListProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processing generations: %w", err)
	}
	if !ok {
		return 0, nil
	}
	now := a.now()
	for i, gen := range pending {
		runAt := gen.CreatedAt.Add(a.completionDelay())
		if runAt.Before(now) {
			runAt = now
		}
		if err := a.scheduler.Schedule(ctx, queue.Task{GenerationID: gen.ID, RunAt: runAt}); err != nil {
			return i, fmt.Errorf("schedule generation %s: %w", gen.ID, err)
		}
	}
	if len(pending) > 0 {
		util.LoggerFromContext(ctx).Info("resumed pending generations", "count", len(pending))
	}
	return len(pending), nil
}

// HealthCheck reports liveness with the current time.
func (a *App) HealthCheck() domain.Health {
	return domain.Health{Success: true, Message: healthMessage, Timestamp: a.now().UTC()}
}

// HandleTask adapts Complete to the queue handler signature.
func (a *App) HandleTask(ctx context.Context, task queue.Task) error {
	ctx = util.ContextWithLogger(ctx, slog.Default().With("generation_id", task.GenerationID, "attempt", task.Attempts))
	return a.Complete(ctx, task.GenerationID)
}

// Complete moves a processing generation to done, or to error when that
// fails. Missing or already terminal records are left alone, so repeated
// deliveries are harmless. It returns a *domain.CompletionError only when no
// terminal state could be written.
func (a *App) Complete(ctx context.Context, id string) error {
	logger := util.LoggerFromContext(ctx)
	gen, ok, err := a.feed.Get(ctx, id)
	if err != nil {
		return &domain.CompletionError{GenerationID: id, Primary: fmt.Errorf("load generation: %w", err)}
	}
	if !ok {
		logger.Warn("completion for missing generation skipped", "generation_id", id)
		return nil
	}
	if gen.Status.Terminal() {
		return nil
	}

	updated, primary := a.markDone(ctx, &gen)
	if primary == nil {
		logger.Info("generation completed", "generation_id", id, "image_url", updated.ImageURL)
		a.emit(ctx, events.KindCompleted, id, &updated)
		return nil
	}
	if settled(primary) {
		return nil
	}
	logger.Error("generation completion failed", "generation_id", id, "err", primary)

	msg := primary.Error()
	failed, fallback := a.feed.Update(ctx, id, store.Patch{
		Status:   store.StatusPtr(domain.StatusError),
		Error:    &msg,
		IfStatus: store.StatusPtr(domain.StatusProcessing),
	})
	if fallback == nil {
		a.emit(ctx, events.KindFailed, id, &failed)
		return nil
	}
	if settled(fallback) {
		return nil
	}
	cerr := &domain.CompletionError{GenerationID: id, Primary: primary, Fallback: fallback}
	logger.Error("generation left in processing", "generation_id", id, "err", cerr)
	return cerr
}

func (a *App) markDone(ctx context.Context, gen *domain.Generation) (domain.Generation, error) {
	if a.faults != nil {
		if err := a.faults.Fail(gen.ID); err != nil {
			return domain.Generation{}, err
		}
	}
	url, err := a.images.Publish(ctx, gen)
	if err != nil {
		return domain.Generation{}, fmt.Errorf("publish image: %w", err)
	}
	return a.feed.Update(ctx, gen.ID, store.Patch{
		Status:   store.StatusPtr(domain.StatusDone),
		ImageURL: &url,
		IfStatus: store.StatusPtr(domain.StatusProcessing),
	})
}

// settled reports errors meaning another writer already finished or removed the job.
func settled(err error) bool {
	return errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound)
}

// GetGeneration returns the persisted record.
func (a *App) GetGeneration(ctx context.Context, id string) (domain.Generation, error) {
	gen, ok, err := a.feed.Get(ctx, id)
	if err != nil {
		return domain.Generation{}, err
	}
	if !ok {
		return domain.Generation{}, domain.ErrNotFound
	}
	return gen, nil
}

// ImageURL returns a fetchable URL for the image of a done generation.
// Object-backed images are presigned per call; others use the recorded URL.
func (a *App) ImageURL(ctx context.Context, id string) (string, error) {
	gen, err := a.GetGeneration(ctx, id)
	if err != nil {
		return "", err
	}
	if gen.Status != domain.StatusDone {
		return "", domain.ErrNotFound
	}
	loc, ok := a.images.(storage.ImageLocator)
	if !ok {
		return gen.ImageURL, nil
	}
	url, err := loc.Locate(ctx, id)
	if err != nil {
		return "", &domain.TransientStoreError{Op: "locate image", Err: err}
	}
	return url, nil
}

// ListGenerations returns the newest records first.
func (a *App) ListGenerations(ctx context.Context, limit int) ([]domain.Generation, error) {
	return a.feed.ListRecent(ctx, limit)
}

// DeleteGeneration removes a record and its stored image. Deleting an unknown id succeeds.
func (a *App) DeleteGeneration(ctx context.Context, id string) error {
	if err := a.feed.Delete(ctx, id); err != nil {
		return err
	}
	if err := a.images.Remove(ctx, id); err != nil {
		util.LoggerFromContext(ctx).Warn("remove generation image failed", "generation_id", id, "err", err)
	}
	a.emit(ctx, events.KindDeleted, id, nil)
	return nil
}

// Subscribe streams snapshots of one generation; see store.Feed.Subscribe.
func (a *App) Subscribe(ctx context.Context, id string, onChange func(*domain.Generation), onError func(error)) (func(), error) {
	unsub, err := a.feed.Subscribe(ctx, id, onChange, onError)
	if err != nil {
		return nil, err
	}
	return unsub, nil
}

func (a *App) emit(ctx context.Context, kind events.Kind, id string, gen *domain.Generation) {
	if err := a.events.Publish(ctx, events.NewEvent(kind, id, gen)); err != nil {
		util.LoggerFromContext(ctx).Warn("publish lifecycle event failed", "kind", kind, "generation_id", id, "err", err)
	}
}
