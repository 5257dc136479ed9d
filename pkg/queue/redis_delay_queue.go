package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript re-leases expired leases first, then moves due tasks into the
// leased set. Both sets are scored in unix milliseconds.
var claimScript = redis.NewScript(`
local claimed = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, id in ipairs(claimed) do
  redis.call("ZADD", KEYS[2], ARGV[2], id)
end
local remaining = tonumber(ARGV[3]) - #claimed
if remaining > 0 then
  local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, remaining)
  for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[2], id)
    table.insert(claimed, id)
  end
end
return claimed
`)

// DeadLetter records a task that exhausted its retries.
type DeadLetter struct {
	GenerationID string    `json:"generationId"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error"`
	FailedAt     time.Time `json:"failedAt"`
}

// Stats summarizes queue depth.
type Stats struct {
	Due    int64 `json:"due"`
	Leased int64 `json:"leased"`
	Dead   int64 `json:"dead"`
}

// RedisDelayQueue is a durable delayed-job table in Redis. Tasks survive
// restarts and are delivered at least once; a lease that expires before the
// handler acknowledges it is delivered again.
type RedisDelayQueue struct {
	client       *redis.Client
	prefix       string
	maxRetries   int
	retryDelay   time.Duration
	leaseTimeout time.Duration
	pollInterval time.Duration
	batchSize    int64
}

// RedisDelayQueueConfig configures RedisDelayQueue.
type RedisDelayQueueConfig struct {
	Addr         string
	Password     string
	Prefix       string
	MaxRetries   int
	RetryDelay   time.Duration
	LeaseTimeout time.Duration
	PollInterval time.Duration
	BatchSize    int64
}

// NewRedisDelayQueue creates a Redis-backed delayed queue.
func NewRedisDelayQueue(cfg RedisDelayQueueConfig) (*RedisDelayQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "logogen:completion"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	leaseTimeout := cfg.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = 30 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	return &RedisDelayQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix:       prefix,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
		leaseTimeout: leaseTimeout,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}, nil
}

func (q *RedisDelayQueue) Schedule(ctx context.Context, task Task) error {
	id := strings.TrimSpace(task.GenerationID)
	if id == "" {
		return errors.New("generationId required")
	}
	runAt := task.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(id), map[string]any{
		"runAt":    runAt.UTC().Format(time.RFC3339Nano),
		"attempts": strconv.Itoa(task.Attempts),
	})
	pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisDelayQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go q.pollLoop(ctx, handler)
	}
}

func (q *RedisDelayQueue) pollLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		ids, err := q.claim(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("claim deferred tasks failed", "err", err)
		}
		for _, id := range ids {
			q.handle(ctx, id, handler)
		}
		if len(ids) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisDelayQueue) claim(ctx context.Context) ([]string, error) {
	now := time.Now()
	return claimScript.Run(ctx, q.client, []string{q.dueKey(), q.leasedKey()},
		now.UnixMilli(),
		now.Add(q.leaseTimeout).UnixMilli(),
		q.batchSize,
	).StringSlice()
}

func (q *RedisDelayQueue) handle(ctx context.Context, id string, handler Handler) {
	attempts, err := q.client.HIncrBy(ctx, q.taskKey(id), "attempts", 1).Result()
	if err != nil {
		return
	}
	task := Task{GenerationID: id, Attempts: int(attempts)}
	if raw, err := q.client.HGet(ctx, q.taskKey(id), "runAt").Result(); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			task.RunAt = t
		}
	}

	herr := handler(ctx, task)
	if herr == nil {
		q.ack(ctx, id)
		return
	}
	if task.Attempts >= q.maxRetries {
		if err := q.deadLetter(ctx, task, herr); err != nil {
			slog.Error("dead-letter deferred task failed", "generation_id", id, "err", err)
			return
		}
		slog.Error("deferred task dead-lettered", "generation_id", id, "attempts", task.Attempts, "err", herr)
		return
	}
	slog.Warn("deferred task failed, will retry", "generation_id", id, "attempts", task.Attempts, "err", herr)
	if err := q.retry(ctx, id, herr); err != nil {
		slog.Warn("reschedule deferred task failed", "generation_id", id, "err", err)
	}
}

func (q *RedisDelayQueue) ack(ctx context.Context, id string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey(), id)
	pipe.Del(ctx, q.taskKey(id))
	_, _ = pipe.Exec(ctx)
}

func (q *RedisDelayQueue) retry(ctx context.Context, id string, cause error) error {
	next := time.Now().Add(q.retryDelay)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(id), "lastError", cause.Error())
	pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: float64(next.UnixMilli()), Member: id})
	pipe.ZRem(ctx, q.leasedKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisDelayQueue) deadLetter(ctx context.Context, task Task, cause error) error {
	payload, err := json.Marshal(DeadLetter{
		GenerationID: task.GenerationID,
		Attempts:     task.Attempts,
		Error:        cause.Error(),
		FailedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.dlqKey(), payload)
	pipe.ZRem(ctx, q.leasedKey(), task.GenerationID)
	pipe.Del(ctx, q.taskKey(task.GenerationID))
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetters returns the most recent dead-lettered tasks first.
func (q *RedisDelayQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 25
	}
	raw, err := q.client.LRange(ctx, q.dlqKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Stats reports how many tasks are waiting, in flight and dead-lettered.
func (q *RedisDelayQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	due := pipe.ZCard(ctx, q.dueKey())
	leased := pipe.ZCard(ctx, q.leasedKey())
	dead := pipe.LLen(ctx, q.dlqKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Due: due.Val(), Leased: leased.Val(), Dead: dead.Val()}, nil
}

func (q *RedisDelayQueue) Close() error { return q.client.Close() }

func (q *RedisDelayQueue) dueKey() string    { return q.prefix + ":due" }
func (q *RedisDelayQueue) leasedKey() string { return q.prefix + ":leased" }
func (q *RedisDelayQueue) dlqKey() string    { return q.prefix + ":dlq" }

func (q *RedisDelayQueue) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", q.prefix, id)
}
