package pipeline

import (
	"context"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"go.uber.org/zap"
)

// every runs fn on each tick until ctx is done
func (s *Service) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.logger.Error("Background sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// SweepTimeouts fails tasks whose owner went away: processing tasks past the
// time limit plus grace, and queued tasks past the queue timeout that this
// process does not hold. Batch parents are reconciled instead.
func (s *Service) SweepTimeouts(ctx context.Context) error {
	now := s.now()

	processing, err := s.store.ListStale(ctx, core.StatusProcessing, now.Add(-(s.cfg.TaskTimeout + s.cfg.TimeoutGrace)))
	if err != nil {
		return err
	}
	for _, task := range processing {
		if task.Kind == core.SourceBatch {
			s.reconcileBatch(ctx, task.ID)
			continue
		}
		// A local worker is still writing its outcome
		if s.isRunning(task.ID) {
			continue
		}
		ok, err := s.failTask(ctx, task, core.StatusProcessing,
			core.Errorf(core.KindTimeout, "no result within the %s limit, worker presumed lost", s.cfg.TaskTimeout))
		if err != nil {
			return err
		}
		if ok {
			metrics.SweptTotal.WithLabelValues("processing_timeout").Inc()
			s.logger.Warn("Force-failed abandoned task",
				zap.String("task_id", task.ID),
				zap.Timep("started_at", task.StartedAt))
		}
	}

	queued, err := s.store.ListStale(ctx, core.StatusQueued, now.Add(-s.cfg.QueueTimeout))
	if err != nil {
		return err
	}
	for _, task := range queued {
		// Still waiting for a local worker
		if s.queue.holds(task.ID) || s.isRunning(task.ID) {
			continue
		}
		ok, err := s.failTask(ctx, task, core.StatusQueued,
			core.Errorf(core.KindTimeout, "task waited in the queue longer than %s", s.cfg.QueueTimeout))
		if err != nil {
			return err
		}
		if ok {
			metrics.SweptTotal.WithLabelValues("queue_timeout").Inc()
			s.logger.Warn("Failed orphaned queued task", zap.String("task_id", task.ID))
		}
	}
	return nil
}

// SweepRetention deletes tasks submitted before the retention window.
// Daily statistics are left untouched.
func (s *Service) SweepRetention(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.RetentionWindow)
	n, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.SweptTotal.WithLabelValues("retention").Add(float64(n))
		s.logger.Info("Deleted expired tasks",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff))
	}
	return nil
}
