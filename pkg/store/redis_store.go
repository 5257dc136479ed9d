package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"logogen/pkg/domain"
)

var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "prompt", ARGV[2], "style", ARGV[3], "status", ARGV[4],
  "version", ARGV[5], "createdAt", ARGV[6], "updatedAt", ARGV[7])
redis.call("ZADD", KEYS[2], ARGV[8], ARGV[1])
return 1
`)

// updateScript returns 0 when the record is missing, -1 on a status
// precondition mismatch, and the full hash otherwise.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if ARGV[1] ~= "" and redis.call("HGET", KEYS[1], "status") ~= ARGV[1] then
  return -1
end
for i = 3, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("HSET", KEYS[1], "updatedAt", ARGV[2])
redis.call("HINCRBY", KEYS[1], "version", 1)
return redis.call("HGETALL", KEYS[1])
`)

// RedisStore keeps generation records in Redis hashes with a sorted-set index.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStoreConfig configures RedisStore.
type RedisStoreConfig struct {
	Addr     string
	Password string
	Prefix   string
	// TTL expires records after creation; zero keeps them forever.
	TTL time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "logogen"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, gen domain.Generation) (domain.Generation, error) {
	gen = prepareCreate(gen)
	key := s.genKey(gen.ID)
	created, err := createScript.Run(ctx, s.client, []string{key, s.indexKey()},
		gen.ID,
		gen.Prompt,
		string(gen.Style),
		string(gen.Status),
		gen.Version,
		gen.CreatedAt.Format(time.RFC3339Nano),
		gen.UpdatedAt.Format(time.RFC3339Nano),
		gen.CreatedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return domain.Generation{}, fmt.Errorf("create generation: %w", err)
	}
	if created == 0 {
		return domain.Generation{}, fmt.Errorf("generation %s already exists", gen.ID)
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return gen, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (domain.Generation, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Generation{}, false, nil
	}
	data, err := s.client.HGetAll(ctx, s.genKey(id)).Result()
	if err != nil {
		return domain.Generation{}, false, err
	}
	if len(data) == 0 {
		return domain.Generation{}, false, nil
	}
	return decodeGeneration(id, data), true, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) (domain.Generation, error) {
	ifStatus := ""
	if patch.IfStatus != nil {
		ifStatus = string(*patch.IfStatus)
	}
	args := []any{ifStatus, time.Now().UTC().Format(time.RFC3339Nano)}
	if patch.Status != nil {
		args = append(args, "status", string(*patch.Status))
	}
	if patch.ImageURL != nil {
		args = append(args, "imageUrl", *patch.ImageURL)
	}
	if patch.Error != nil {
		args = append(args, "error", *patch.Error)
	}
	res, err := updateScript.Run(ctx, s.client, []string{s.genKey(id)}, args...).Result()
	if err != nil {
		return domain.Generation{}, fmt.Errorf("update generation: %w", err)
	}
	switch v := res.(type) {
	case int64:
		if v == 0 {
			return domain.Generation{}, domain.ErrNotFound
		}
		return domain.Generation{}, domain.ErrConflict
	case []any:
		return decodeGeneration(id, pairsToMap(v)), nil
	default:
		return domain.Generation{}, fmt.Errorf("update generation: unexpected reply %T", res)
	}
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.genKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListRecent(ctx context.Context, limit int) ([]domain.Generation, error) {
	limit = clampLimit(limit)
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.genKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]domain.Generation, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, decodeGeneration(ids[i], data))
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}

// ListProcessing walks the whole index, oldest first.
func (s *RedisStore) ListProcessing(ctx context.Context) ([]domain.Generation, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.Generation
	for start := 0; start < len(ids); start += 100 {
		batch := ids[start:min(start+100, len(ids))]
		pipe := s.client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(batch))
		for i, id := range batch {
			cmds[i] = pipe.HGetAll(ctx, s.genKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		for i, cmd := range cmds {
			data := cmd.Val()
			if len(data) == 0 || domain.Status(data["status"]) != domain.StatusProcessing {
				continue
			}
			out = append(out, decodeGeneration(batch[i], data))
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) genKey(id string) string {
	return fmt.Sprintf("%s:gen:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":gen:index"
}

func pairsToMap(values []any) map[string]string {
	out := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		out[k] = v
	}
	return out
}

func decodeGeneration(id string, data map[string]string) domain.Generation {
	gen := domain.Generation{
		ID:       id,
		Prompt:   data["prompt"],
		Style:    domain.Style(data["style"]),
		Status:   domain.Status(data["status"]),
		ImageURL: data["imageUrl"],
		Error:    data["error"],
	}
	if v := data["version"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			gen.Version = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			gen.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			gen.UpdatedAt = t
		}
	}
	return gen
}
