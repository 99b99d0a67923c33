package pipeline

import (
	"context"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"go.uber.org/zap"
)

// retry runs fn until it succeeds, fails with a non-store error, or the
// configured attempts are spent. Backoff doubles up to MaxRetryBackoff.
func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || core.KindOf(err) != core.KindStore || attempt > s.cfg.StoreRetries {
			return err
		}

		metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
		s.logger.Warn("Retrying store operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}

		backoff *= 2
		if backoff > s.cfg.MaxRetryBackoff {
			backoff = s.cfg.MaxRetryBackoff
		}
	}
}

func (s *Service) createTask(ctx context.Context, task *core.Task) error {
	return s.retry(ctx, "create", func(ctx context.Context) error {
		return s.store.Create(ctx, task)
	})
}

func (s *Service) getTask(ctx context.Context, id string) (*core.Task, error) {
	var task *core.Task
	err := s.retry(ctx, "get", func(ctx context.Context) error {
		var err error
		task, err = s.store.Get(ctx, id)
		return err
	})
	return task, err
}

// swap is CompareAndSwap with retries. A retried swap that reports false is
// checked against the stored task, since the failed attempt may have landed.
func (s *Service) swap(ctx context.Context, expected core.TaskStatus, task *core.Task) (bool, error) {
	var (
		ok       bool
		attempts int
	)
	err := s.retry(ctx, "compare_and_swap", func(ctx context.Context) error {
		attempts++
		var err error
		ok, err = s.store.CompareAndSwap(ctx, expected, task)
		return err
	})
	if err != nil || ok || attempts == 1 {
		return ok, err
	}

	stored, err := s.getTask(ctx, task.ID)
	if err != nil {
		return false, err
	}
	return stored.Status == task.Status && stored.StatusSince().Equal(task.StatusSince()), nil
}
