// Package pipeline runs submitted emails through parsing, detection and
// scoring on a bounded worker pool, recording every transition in the task
// store.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Default limits
const (
	DefaultWorkers                = 4
	DefaultTaskTimeout            = 30 * time.Second
	DefaultTimeoutGrace           = 5 * time.Second
	DefaultQueueTimeout           = 10 * time.Minute
	DefaultSweepInterval          = 30 * time.Second
	DefaultRetentionWindow        = 90 * 24 * time.Hour
	DefaultRetentionSweepInterval = time.Hour
	DefaultMaxFileBytes           = 16 << 20
	DefaultMaxTextBytes           = 1 << 20
	DefaultMaxBatchItems          = 10
	DefaultStoreRetries           = 3
	DefaultRetryBackoff           = 50 * time.Millisecond
	DefaultMaxRetryBackoff        = 2 * time.Second
	DefaultPerPage                = 20
	MaxPerPage                    = 100
	MaxTrendDays                  = 366
)

// Config holds the orchestrator settings
type Config struct {
	Workers     int
	TaskTimeout time.Duration
	// TimeoutGrace is added to TaskTimeout before the sweep treats a
	// processing task as abandoned.
	TimeoutGrace           time.Duration
	QueueTimeout           time.Duration
	SweepInterval          time.Duration
	RetentionWindow        time.Duration
	RetentionSweepInterval time.Duration
	MaxFileBytes           int
	MaxTextBytes           int
	MaxBatchItems          int
	StoreRetries           int
	RetryBackoff           time.Duration
	MaxRetryBackoff        time.Duration
}

// DefaultConfig returns the default orchestrator settings
func DefaultConfig() Config {
	return Config{
		Workers:                DefaultWorkers,
		TaskTimeout:            DefaultTaskTimeout,
		TimeoutGrace:           DefaultTimeoutGrace,
		QueueTimeout:           DefaultQueueTimeout,
		SweepInterval:          DefaultSweepInterval,
		RetentionWindow:        DefaultRetentionWindow,
		RetentionSweepInterval: DefaultRetentionSweepInterval,
		MaxFileBytes:           DefaultMaxFileBytes,
		MaxTextBytes:           DefaultMaxTextBytes,
		MaxBatchItems:          DefaultMaxBatchItems,
		StoreRetries:           DefaultStoreRetries,
		RetryBackoff:           DefaultRetryBackoff,
		MaxRetryBackoff:        DefaultMaxRetryBackoff,
	}
}

// Validate checks that every setting is usable
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.TaskTimeout <= 0:
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	case c.QueueTimeout <= 0:
		return fmt.Errorf("queue timeout must be positive, got %s", c.QueueTimeout)
	case c.SweepInterval <= 0 || c.RetentionSweepInterval <= 0:
		return fmt.Errorf("sweep intervals must be positive")
	case c.RetentionWindow <= 0:
		return fmt.Errorf("retention window must be positive, got %s", c.RetentionWindow)
	case c.MaxFileBytes < 1 || c.MaxTextBytes < 1:
		return fmt.Errorf("size limits must be positive")
	case c.MaxBatchItems < 1:
		return fmt.Errorf("max batch items must be at least 1, got %d", c.MaxBatchItems)
	case c.StoreRetries < 0 || c.RetryBackoff < 0 || c.MaxRetryBackoff < c.RetryBackoff:
		return fmt.Errorf("invalid store retry settings")
	}
	return nil
}

// TrendSource serves daily statistics, typically the aggregator
type TrendSource interface {
	Trend(ctx context.Context, days int) ([]core.DailyStat, error)
}

// Service is the analysis orchestrator
type Service struct {
	cfg       Config
	store     core.TaskStore
	parser    core.EmailParser
	detectors []core.Detector
	scorer    *core.Scorer
	trends    TrendSource
	observers []core.TaskObserver
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	queue *jobQueue

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	started bool
	stopped bool

	cancelRun    context.CancelCauseFunc
	cancelSweeps context.CancelFunc
	workers      *errgroup.Group
	sweeps       *errgroup.Group
}

// NewService wires the orchestrator. detectors must hold exactly one
// detector per core.Categories entry.
func NewService(
	cfg Config,
	store core.TaskStore,
	parser core.EmailParser,
	detectors []core.Detector,
	scorer *core.Scorer,
	trends TrendSource,
	logger *zap.Logger,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if store == nil || parser == nil || scorer == nil {
		return nil, errors.New("store, parser and scorer are required")
	}
	ordered, err := orderDetectors(detectors)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		parser:    parser,
		detectors: ordered,
		scorer:    scorer,
		trends:    trends,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		queue:     newJobQueue(),
		running:   make(map[string]context.CancelCauseFunc),
	}, nil
}

// orderDetectors checks the detector set is closed and sorts it by category
func orderDetectors(detectors []core.Detector) ([]core.Detector, error) {
	byCategory := make(map[core.Category]core.Detector, len(detectors))
	for _, d := range detectors {
		if d == nil {
			return nil, errors.New("nil detector")
		}
		cat := d.Category()
		if !cat.Valid() {
			return nil, fmt.Errorf("detector has unknown category %q", cat)
		}
		if _, dup := byCategory[cat]; dup {
			return nil, fmt.Errorf("more than one %s detector", cat)
		}
		byCategory[cat] = d
	}

	ordered := make([]core.Detector, 0, len(core.Categories))
	for _, cat := range core.Categories {
		d, ok := byCategory[cat]
		if !ok {
			return nil, fmt.Errorf("missing %s detector", cat)
		}
		ordered = append(ordered, d)
	}
	return ordered, nil
}

// AddObserver registers an observer for completed tasks. It must be called
// before Start.
func (s *Service) AddObserver(o core.TaskObserver) {
	s.observers = append(s.observers, o)
}

// Start launches the worker pool and the background sweeps
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("pipeline already started")
	}
	s.started = true

	runCtx, cancelRun := context.WithCancelCause(ctx)
	s.cancelRun = cancelRun
	s.workers, runCtx = errgroup.WithContext(runCtx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Go(func() error {
			return s.work(runCtx)
		})
	}

	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	s.cancelSweeps = cancelSweeps
	s.sweeps = &errgroup.Group{}
	s.sweeps.Go(func() error {
		s.every(sweepCtx, s.cfg.SweepInterval, s.SweepTimeouts)
		return nil
	})
	s.sweeps.Go(func() error {
		s.every(sweepCtx, s.cfg.RetentionSweepInterval, s.SweepRetention)
		return nil
	})

	s.logger.Info("Pipeline started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("task_timeout", s.cfg.TaskTimeout))
	return nil
}

// Stop stops the sweeps, fails every task still waiting in the queue with
// Cancelled and waits for in-flight tasks. When ctx ends first, in-flight
// tasks are cancelled too.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancelSweeps()
	_ = s.sweeps.Wait()

	drained := s.queue.close()
	for _, j := range drained {
		s.failQueued(context.WithoutCancel(ctx), j.id,
			core.Errorf(core.KindCancelled, "pipeline stopped before the task was processed"))
	}
	if len(drained) > 0 {
		s.logger.Info("Cancelled queued tasks on shutdown", zap.Int("count", len(drained)))
	}

	done := make(chan error, 1)
	go func() {
		done <- s.workers.Wait()
	}()

	select {
	case err := <-done:
		s.cancelRun(nil)
		s.logger.Info("Pipeline stopped")
		return err
	case <-ctx.Done():
		s.cancelRun(core.Errorf(core.KindCancelled, "pipeline shut down during analysis"))
		err := <-done
		s.logger.Warn("Pipeline stopped before in-flight tasks finished", zap.Error(ctx.Err()))
		if err != nil {
			return err
		}
		return ctx.Err()
	}
}

// validate rejects a submission before any task exists
func (s *Service) validate(kind core.SourceKind, data []byte) error {
	limit := 0
	switch kind {
	case core.SourceContent:
		limit = s.cfg.MaxTextBytes
	case core.SourceFile:
		limit = s.cfg.MaxFileBytes
	default:
		return core.Errorf(core.KindInvalidInput, "unsupported source kind %q", kind)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return core.Errorf(core.KindInvalidInput, "email content is empty")
	}
	if len(data) > limit {
		return core.Errorf(core.KindInvalidInput, "%s submission of %d bytes exceeds the %d byte limit", kind, len(data), limit)
	}
	return nil
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Submit records a queued task and hands it to the worker pool. It never
// analyses synchronously.
func (s *Service) Submit(ctx context.Context, kind core.SourceKind, data []byte) (string, error) {
	if err := s.validate(kind, data); err != nil {
		metrics.RejectedTotal.WithLabelValues(string(core.KindOf(err))).Inc()
		return "", err
	}
	if s.isStopped() {
		return "", core.Errorf(core.KindCancelled, "pipeline is stopped")
	}

	task := &core.Task{
		ID:          s.newID(),
		Kind:        kind,
		Status:      core.StatusQueued,
		SubmittedAt: s.now().UTC(),
		SizeBytes:   len(data),
	}
	if err := s.enqueue(ctx, task, data); err != nil {
		return "", err
	}

	s.logger.Debug("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("kind", string(kind)),
		zap.Int("size_bytes", len(data)))
	return task.ID, nil
}

// enqueue persists a queued task and pushes its job
func (s *Service) enqueue(ctx context.Context, task *core.Task, data []byte) error {
	if err := s.createTask(ctx, task); err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	metrics.SubmittedTotal.WithLabelValues(string(task.Kind)).Inc()

	if !s.queue.push(job{id: task.ID, data: data}) {
		s.failQueued(ctx, task.ID, core.Errorf(core.KindCancelled, "pipeline stopped before the task was processed"))
	}
	return nil
}

// GetStatus returns the latest state of a task. Tasks past the retention
// window are reported as NotFound even before the sweep removes them.
func (s *Service) GetStatus(ctx context.Context, id string) (*core.Task, error) {
	if id == "" {
		return nil, core.Errorf(core.KindNotFound, "task id is empty")
	}
	task, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.expired(task) {
		return nil, core.Errorf(core.KindNotFound, "task %s has expired", id)
	}
	return task, nil
}

func (s *Service) expired(task *core.Task) bool {
	return task.SubmittedAt.Before(s.now().Add(-s.cfg.RetentionWindow))
}

// Cancel fails a queued task immediately. For a processing task it signals
// the worker, which stops at its next checkpoint. Terminal tasks yield
// Conflict. Cancelling a batch cancels its unfinished children.
func (s *Service) Cancel(ctx context.Context, id string) error {
	task, err := s.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return core.Errorf(core.KindConflict, "task %s is already %s", id, task.Status)
	}
	if task.Kind == core.SourceBatch {
		return s.cancelBatch(ctx, task)
	}

	cause := core.Errorf(core.KindCancelled, "task cancelled by request")
	if task.Status == core.StatusQueued {
		ok, err := s.failTask(ctx, task, core.StatusQueued, cause)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Claimed in the meantime; fall through to the advisory path
	}

	s.mu.Lock()
	cancel, running := s.running[id]
	s.mu.Unlock()
	if running {
		cancel(cause)
		s.logger.Info("Cancellation requested for running task", zap.String("task_id", id))
		return nil
	}

	latest, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	if latest.Status.IsTerminal() {
		return core.Errorf(core.KindConflict, "task %s is already %s", id, latest.Status)
	}
	// Owned by another process; the timeout sweep bounds it
	return nil
}

// ListHistory returns one page of tasks. Expired tasks are excluded.
func (s *Service) ListHistory(ctx context.Context, filter core.HistoryFilter) (*core.HistoryPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 {
		filter.PerPage = DefaultPerPage
	}
	if filter.PerPage > MaxPerPage {
		filter.PerPage = MaxPerPage
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, core.Errorf(core.KindInvalidInput, "history range start %s is not before end %s",
			filter.From.Format(time.RFC3339), filter.To.Format(time.RFC3339))
	}
	if cutoff := s.now().Add(-s.cfg.RetentionWindow); filter.From.Before(cutoff) {
		filter.From = cutoff
	}

	var page *core.HistoryPage
	err := s.retry(ctx, "list", func(ctx context.Context) error {
		var err error
		page, err = s.store.List(ctx, filter)
		return err
	})
	return page, err
}

// GetTrend returns the daily statistics of the last days, oldest first
func (s *Service) GetTrend(ctx context.Context, days int) ([]core.DailyStat, error) {
	if days < 1 || days > MaxTrendDays {
		return nil, core.Errorf(core.KindInvalidInput, "days must be between 1 and %d, got %d", MaxTrendDays, days)
	}
	if s.trends == nil {
		return nil, core.Errorf(core.KindInternal, "trend statistics are not available")
	}
	return s.trends.Trend(ctx, days)
}

// GetSummary totals the trend of the last days
func (s *Service) GetSummary(ctx context.Context, days int) (core.TrendSummary, error) {
	stats, err := s.GetTrend(ctx, days)
	if err != nil {
		return core.TrendSummary{}, err
	}
	return core.SummarizeTrend(stats), nil
}
