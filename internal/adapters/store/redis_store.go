package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces every key written by the store
const DefaultRedisPrefix = "phishguard:"

// casScript swaps a task payload only if its stored status matches ARGV[1].
// KEYS: task key, old status index, new status index.
// ARGV: expected status, payload, status_since millis, task id.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return -1
end
local task = cjson.decode(cur)
if task['status'] ~= ARGV[1] then
	return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
return 1
`)

// RedisOptions configures the Redis backend
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a task key lives; zero disables expiry.
	TTL time.Duration
}

// RedisStore implements core.Store on Redis. Task payloads live under their
// own key with a TTL; sorted sets index them by submission time and by
// status.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisStore(client, opts, logger), nil
}

func newRedisStore(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: opts.TTL, logger: logger}
}

func (s *RedisStore) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "tasks"
}

func (s *RedisStore) statusKey(status core.TaskStatus) string {
	return s.prefix + "status:" + string(status)
}

func (s *RedisStore) statsKey() string {
	return s.prefix + "stats"
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Create implements core.TaskStore
func (s *RedisStore) Create(ctx context.Context, task *core.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return core.WrapError(core.KindStore, "failed to encode task", err)
	}

	ok, err := s.client.SetNX(ctx, s.taskKey(task.ID), payload, s.ttl).Result()
	if err != nil {
		return core.WrapError(core.KindStore, "failed to insert task", err)
	}
	if !ok {
		return core.Errorf(core.KindConflict, "task %s already exists", task.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: millis(task.SubmittedAt), Member: task.ID})
		pipe.ZAdd(ctx, s.statusKey(task.Status), &redis.Z{Score: millis(task.StatusSince()), Member: task.ID})
		return nil
	})
	if err != nil {
		return core.WrapError(core.KindStore, "failed to index task", err)
	}
	return nil
}

// Get implements core.TaskStore
func (s *RedisStore) Get(ctx context.Context, id string) (*core.Task, error) {
	payload, err := s.client.Get(ctx, s.taskKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.Errorf(core.KindNotFound, "task %s not found", id)
		}
		return nil, core.WrapError(core.KindStore, "failed to query task", err)
	}
	return decodeTask(payload)
}

// CompareAndSwap implements core.TaskStore
func (s *RedisStore) CompareAndSwap(ctx context.Context, expected core.TaskStatus, task *core.Task) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, core.WrapError(core.KindStore, "failed to encode task", err)
	}

	keys := []string{s.taskKey(task.ID), s.statusKey(expected), s.statusKey(task.Status)}
	res, err := casScript.Run(ctx, s.client, keys,
		string(expected), string(payload), millis(task.StatusSince()), task.ID).Int()
	if err != nil {
		return false, core.WrapError(core.KindStore, "failed to update task", err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, core.Errorf(core.KindNotFound, "task %s not found", task.ID)
	default:
		return false, nil
	}
}

// load fetches payloads for ids, skipping keys that already expired
func (s *RedisStore) load(ctx context.Context, ids []string) ([]*core.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to load tasks", err)
	}

	tasks := make([]*core.Task, 0, len(values))
	for _, v := range values {
		payload, ok := v.(string)
		if !ok {
			continue
		}
		task, err := decodeTask(payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// List implements core.TaskStore
func (s *RedisStore) List(ctx context.Context, filter core.HistoryFilter) (*core.HistoryPage, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.From.IsZero() {
		rng.Min = strconv.FormatInt(filter.From.UnixMilli(), 10)
	}
	if !filter.To.IsZero() {
		rng.Max = "(" + strconv.FormatInt(filter.To.UnixMilli(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.indexKey(), rng).Result()
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to list tasks", err)
	}

	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	matched := tasks[:0]
	for _, task := range tasks {
		if filter.Matches(task) {
			matched = append(matched, task)
		}
	}

	total := len(matched)
	start, end := pageBounds(filter, total)
	return core.NewHistoryPage(matched[start:end], total, filter), nil
}

// ListStale implements core.TaskStore
func (s *RedisStore) ListStale(ctx context.Context, status core.TaskStatus, before time.Time) ([]*core.Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.statusKey(status), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to list stale tasks", err)
	}

	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	stale := tasks[:0]
	for _, task := range tasks {
		if task.Status == status {
			stale = append(stale, task)
		}
	}
	return stale, nil
}

// DeleteExpired implements core.TaskStore
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, core.WrapError(core.KindStore, "failed to list expired tasks", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = s.taskKey(id)
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		for _, status := range []core.TaskStatus{core.StatusQueued, core.StatusProcessing, core.StatusCompleted, core.StatusFailed} {
			pipe.ZRem(ctx, s.statusKey(status), members...)
		}
		return nil
	})
	if err != nil {
		return 0, core.WrapError(core.KindStore, "failed to delete expired tasks", err)
	}

	s.logger.Debug("Deleted expired tasks", zap.String("backend", "redis"), zap.Int64("expired_count", deleted.Val()))
	return deleted.Val(), nil
}

// SaveDailyStat implements core.StatStore
func (s *RedisStore) SaveDailyStat(ctx context.Context, stat core.DailyStat) error {
	payload, err := json.Marshal(stat)
	if err != nil {
		return core.WrapError(core.KindStore, "failed to encode daily stat", err)
	}
	if err := s.client.HSet(ctx, s.statsKey(), stat.Date, payload).Err(); err != nil {
		return core.WrapError(core.KindStore, "failed to save daily stat", err)
	}
	return nil
}

// DailyStats implements core.StatStore
func (s *RedisStore) DailyStats(ctx context.Context, from, to time.Time) ([]core.DailyStat, error) {
	all, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to query daily stats", err)
	}

	lo, hi := core.DayKey(from), core.DayKey(to)
	var stats []core.DailyStat
	for day, payload := range all {
		if day < lo || day > hi {
			continue
		}
		var stat core.DailyStat
		if err := json.Unmarshal([]byte(payload), &stat); err != nil {
			s.logger.Warn("Skipping undecodable daily stat", zap.String("day", day), zap.Error(err))
			continue
		}
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Date < stats[j].Date })
	return stats, nil
}

// Close implements core.Store
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	return nil
}
