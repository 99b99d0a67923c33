// Package aggregator rolls completed tasks into per-day statistics.
//
// A single writer goroutine owns the live bucket for the current UTC day.
// Readers never lock: they load an immutable view published through an
// atomic pointer after every change. Buckets are written to the stat store
// on a timer, on explicit Flush, on Stop and, marked finalized, when the
// day rolls over.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultFlushInterval is how often the live bucket is persisted
	DefaultFlushInterval = time.Minute

	// DefaultBuffer is the number of completions queued for the writer
	DefaultBuffer = 256

	writeTimeout = 10 * time.Second
)

// Config controls persistence of daily statistics
type Config struct {
	FlushInterval time.Duration
	Buffer        int
}

// DefaultConfig returns the default aggregator settings
func DefaultConfig() Config {
	return Config{
		FlushInterval: DefaultFlushInterval,
		Buffer:        DefaultBuffer,
	}
}

// view is what readers see; it is never mutated after publication
type view struct {
	current core.DailyStat
	// finalized days whose write failed and is still being retried
	unsaved []core.DailyStat
}

// Aggregator implements core.TaskObserver and the pipeline's trend source
type Aggregator struct {
	cfg    Config
	store  core.StatStore
	logger *zap.Logger
	now    func() time.Time

	events  chan *core.Task
	flushes chan chan error
	stop    chan struct{}
	done    chan struct{}
	view    atomic.Pointer[view]

	mu      sync.Mutex
	started bool
	stopped bool
	stopErr error
}

// New creates an aggregator backed by store. Call Start before use.
func New(cfg Config, store core.StatStore, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Aggregator{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		now:     time.Now,
		events:  make(chan *core.Task, cfg.Buffer),
		flushes: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start reloads today's partial bucket and launches the writer
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("aggregator already started")
	}

	today := a.now().UTC()
	current := core.DailyStat{Date: core.DayKey(today)}
	stored, err := a.store.DailyStats(ctx, today, today)
	if err != nil {
		return fmt.Errorf("failed to load today's statistics: %w", err)
	}
	for _, stat := range stored {
		if stat.Date == current.Date {
			current = stat
			current.Finalized = false
		}
	}

	a.started = true
	a.view.Store(&view{current: current})
	go a.run(&view{current: current})

	a.logger.Info("Aggregator started",
		zap.String("date", current.Date),
		zap.Int64("reloaded_total", current.Total))
	return nil
}

// Stop counts what is already queued, persists the live bucket and waits
// for the writer to exit
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.stop)
	a.mu.Unlock()

	select {
	case <-a.done:
		return a.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnTaskCompleted queues a completed task for counting. It blocks only
// while the writer's buffer is full.
func (a *Aggregator) OnTaskCompleted(ctx context.Context, task *core.Task) {
	if task == nil || task.Result == nil {
		return
	}
	select {
	case <-a.stop:
		a.drop(task, "aggregator stopped")
		return
	default:
	}
	if a.view.Load() == nil {
		a.drop(task, "aggregator not started")
		return
	}

	select {
	case a.events <- task:
	case <-a.stop:
		a.drop(task, "aggregator stopped")
	case <-ctx.Done():
		a.drop(task, "caller gave up")
	}
}

func (a *Aggregator) drop(task *core.Task, reason string) {
	metrics.StatEventsDroppedTotal.Inc()
	a.logger.Warn("Dropped completed task from statistics",
		zap.String("task_id", task.ID),
		zap.String("reason", reason))
}

// Flush persists the live bucket and any finalized day still pending
func (a *Aggregator) Flush(ctx context.Context) error {
	if a.view.Load() == nil {
		return errors.New("aggregator not started")
	}
	reply := make(chan error, 1)
	select {
	case a.flushes <- reply:
	case <-a.done:
		return errors.New("aggregator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the live bucket of the current day
func (a *Aggregator) Snapshot() core.DailyStat {
	v := a.view.Load()
	if v == nil {
		return core.DailyStat{Date: core.DayKey(a.now())}
	}
	return v.current
}

// Trend returns one entry per day for the last days days, oldest first and
// ending today. Days without data are zero-filled.
func (a *Aggregator) Trend(ctx context.Context, days int) ([]core.DailyStat, error) {
	if days < 1 {
		return nil, core.Errorf(core.KindInvalidInput, "days must be at least 1, got %d", days)
	}

	today := a.now().UTC()
	todayKey := core.DayKey(today)
	from := today.AddDate(0, 0, -(days - 1))

	stored, err := a.store.DailyStats(ctx, from, today)
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to load daily statistics", err)
	}
	byDate := make(map[string]core.DailyStat, len(stored)+1)
	for _, stat := range stored {
		byDate[stat.Date] = stat
	}
	// The writer's copy is newer than anything it has persisted
	if v := a.view.Load(); v != nil {
		for _, stat := range v.unsaved {
			byDate[stat.Date] = stat
		}
		byDate[v.current.Date] = v.current
	}

	trend := make([]core.DailyStat, 0, days)
	for i := 0; i < days; i++ {
		key := core.DayKey(from.AddDate(0, 0, i))
		stat, ok := byDate[key]
		if !ok {
			stat = core.DailyStat{Date: key, Finalized: key < todayKey}
		}
		trend = append(trend, stat)
	}
	return trend, nil
}

// run is the single writer. It owns st and publishes a copy after each
// change.
func (a *Aggregator) run(st *view) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case task := <-a.events:
			a.add(st, task)
			dirty = true
		case <-ticker.C:
			a.rollover(st, a.today())
			if dirty || len(st.unsaved) > 0 {
				if err := a.persist(st); err != nil {
					a.logger.Error("Failed to persist daily statistics", zap.Error(err))
				} else {
					dirty = false
				}
			}
		case reply := <-a.flushes:
			a.drain(st)
			a.rollover(st, a.today())
			err := a.persist(st)
			if err == nil {
				dirty = false
			}
			a.publish(st)
			reply <- err
		case <-a.stop:
			a.drain(st)
			a.rollover(st, a.today())
			a.stopErr = a.persist(st)
			a.publish(st)
			a.logger.Info("Aggregator stopped",
				zap.String("date", st.current.Date),
				zap.Int64("total", st.current.Total))
			return
		}
		a.publish(st)
	}
}

// drain counts completions already buffered
func (a *Aggregator) drain(st *view) {
	for {
		select {
		case task := <-a.events:
			a.add(st, task)
		default:
			return
		}
	}
}

func (a *Aggregator) publish(st *view) {
	a.view.Store(&view{
		current: st.current,
		unsaved: append([]core.DailyStat(nil), st.unsaved...),
	})
}

func (a *Aggregator) today() string {
	return core.DayKey(a.now())
}

// add counts a task on the day it completed. A task whose day was already
// finalized counts toward the live bucket instead.
func (a *Aggregator) add(st *view, task *core.Task) {
	day := a.today()
	if task.CompletedAt != nil {
		day = core.DayKey(*task.CompletedAt)
	}
	a.rollover(st, day)
	count(&st.current, task)
}

// rollover finalizes the live bucket when day is later than it
func (a *Aggregator) rollover(st *view, day string) {
	if st.current.Date >= day {
		return
	}

	finished := st.current
	finished.Finalized = true
	st.current = core.DailyStat{Date: day}

	if err := a.save(finished); err != nil {
		st.unsaved = append(st.unsaved, finished)
		a.logger.Error("Failed to finalize daily statistics",
			zap.String("date", finished.Date),
			zap.Error(err))
		return
	}
	a.logger.Info("Finalized daily statistics",
		zap.String("date", finished.Date),
		zap.Int64("total", finished.Total),
		zap.Float64("average_score", finished.AverageScore()))
}

// persist writes pending finalized days and then the live bucket
func (a *Aggregator) persist(st *view) error {
	var errs error
	remaining := st.unsaved[:0]
	for _, stat := range st.unsaved {
		if err := a.save(stat); err != nil {
			errs = multierr.Append(errs, err)
			remaining = append(remaining, stat)
		}
	}
	st.unsaved = remaining

	if err := a.save(st.current); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (a *Aggregator) save(stat core.DailyStat) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := a.store.SaveDailyStat(ctx, stat); err != nil {
		metrics.StatFlushErrorsTotal.Inc()
		return fmt.Errorf("failed to save statistics for %s: %w", stat.Date, err)
	}
	return nil
}

// count adds one completed task to a bucket
func count(stat *core.DailyStat, task *core.Task) {
	stat.Total++
	stat.ScoreSum += task.Result.ThreatScore
	switch task.Result.RiskLevel {
	case core.RiskLow:
		stat.Low++
	case core.RiskMedium:
		stat.Medium++
	case core.RiskHigh:
		stat.High++
	}
	switch task.Kind {
	case core.SourceContent:
		stat.ContentCount++
	case core.SourceFile:
		stat.FileCount++
	case core.SourceBatchMember:
		stat.BatchCount++
	}
}
