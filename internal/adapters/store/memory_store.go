package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// memoryShards is the number of independently locked task maps
const memoryShards = 32

type memoryShard struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

// MemoryStore is an in-memory implementation of core.Store. Tasks are spread
// over shards so that unrelated ids never contend on the same lock.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	statMu sync.RWMutex
	stats  map[string]core.DailyStat
	logger *zap.Logger
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		stats:  make(map[string]core.DailyStat),
		logger: logger,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{tasks: make(map[string]*core.Task)}
	}
	return s
}

func (s *MemoryStore) shard(id string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%memoryShards]
}

// Create implements core.TaskStore
func (s *MemoryStore) Create(ctx context.Context, task *core.Task) error {
	sh := s.shard(task.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.tasks[task.ID]; ok {
		return core.Errorf(core.KindConflict, "task %s already exists", task.ID)
	}
	sh.tasks[task.ID] = task.Clone()
	return nil
}

// Get implements core.TaskStore
func (s *MemoryStore) Get(ctx context.Context, id string) (*core.Task, error) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	task, ok := sh.tasks[id]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "task %s not found", id)
	}
	return task.Clone(), nil
}

// CompareAndSwap implements core.TaskStore
func (s *MemoryStore) CompareAndSwap(ctx context.Context, expected core.TaskStatus, task *core.Task) (bool, error) {
	sh := s.shard(task.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.tasks[task.ID]
	if !ok {
		return false, core.Errorf(core.KindNotFound, "task %s not found", task.ID)
	}
	if current.Status != expected {
		return false, nil
	}
	sh.tasks[task.ID] = task.Clone()
	return true, nil
}

// List implements core.TaskStore
func (s *MemoryStore) List(ctx context.Context, filter core.HistoryFilter) (*core.HistoryPage, error) {
	var matched []*core.Task
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, task := range sh.tasks {
			if filter.Matches(task) {
				matched = append(matched, task)
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})

	total := len(matched)
	start, end := pageBounds(filter, total)
	results := make([]*core.Task, 0, end-start)
	for _, task := range matched[start:end] {
		results = append(results, task.Clone())
	}
	return core.NewHistoryPage(results, total, filter), nil
}

// ListStale implements core.TaskStore
func (s *MemoryStore) ListStale(ctx context.Context, status core.TaskStatus, before time.Time) ([]*core.Task, error) {
	var stale []*core.Task
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, task := range sh.tasks {
			if task.Status == status && task.StatusSince().Before(before) {
				stale = append(stale, task.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].SubmittedAt.Before(stale[j].SubmittedAt) })
	return stale, nil
}

// DeleteExpired implements core.TaskStore
func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, task := range sh.tasks {
			if task.SubmittedAt.Before(before) {
				delete(sh.tasks, id)
				deleted++
			}
		}
		sh.mu.Unlock()
	}

	s.logger.Debug("Deleted expired tasks", zap.Int64("expired_count", deleted))
	return deleted, nil
}

// SaveDailyStat implements core.StatStore
func (s *MemoryStore) SaveDailyStat(ctx context.Context, stat core.DailyStat) error {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	s.stats[stat.Date] = stat
	return nil
}

// DailyStats implements core.StatStore
func (s *MemoryStore) DailyStats(ctx context.Context, from, to time.Time) ([]core.DailyStat, error) {
	lo, hi := core.DayKey(from), core.DayKey(to)

	s.statMu.RLock()
	defer s.statMu.RUnlock()

	var out []core.DailyStat
	for day, stat := range s.stats {
		if day >= lo && day <= hi {
			out = append(out, stat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Close implements core.Store
func (s *MemoryStore) Close() error {
	return nil
}

// pageBounds returns the slice bounds of the requested page
func pageBounds(filter core.HistoryFilter, total int) (int, int) {
	if filter.PerPage <= 0 || filter.Page <= 0 {
		return 0, 0
	}
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}
	return start, end
}
