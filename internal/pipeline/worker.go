package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"go.uber.org/zap"
)

type outcome struct {
	result *core.AnalysisResult
	err    error
}

// work pulls jobs until the queue is closed and drained
func (s *Service) work(ctx context.Context) error {
	for {
		j, ok := s.queue.pop(ctx)
		if !ok {
			return nil
		}
		s.process(ctx, j)
	}
}

// process owns one task from claim to terminal write. The worker stops
// waiting at the time limit even if the analysis goroutine is still busy.
func (s *Service) process(ctx context.Context, j job) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	taskCtx, cancelTimeout := context.WithTimeoutCause(taskCtx, s.cfg.TaskTimeout,
		core.Errorf(core.KindTimeout, "analysis exceeded the %s limit", s.cfg.TaskTimeout))
	defer cancelTimeout()

	// Registered before the claim so a Cancel racing the claim is not lost
	s.track(j.id, cancel)
	defer s.untrack(j.id)
	s.queue.release(j.id)

	writeCtx := context.WithoutCancel(ctx)
	task := s.claim(writeCtx, j.id)
	if task == nil {
		return
	}

	metrics.WorkersInFlight.Inc()
	defer metrics.WorkersInFlight.Dec()
	start := time.Now()

	done := make(chan outcome, 1)
	go func() {
		result, err := s.analyze(taskCtx, j.data)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-taskCtx.Done():
		out.err = context.Cause(taskCtx)
	}

	status := core.StatusCompleted
	if out.err != nil {
		status = core.StatusFailed
		s.failTask(writeCtx, task, core.StatusProcessing, out.err)
	} else if err := s.completeTask(writeCtx, task, out.result); err != nil {
		status = core.StatusFailed
		s.failTask(writeCtx, task, core.StatusProcessing,
			core.WrapError(core.KindStore, "failed to store analysis result", err))
	}
	metrics.AnalysisDurationSeconds.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
}

func (s *Service) track(id string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// claim moves a queued task to processing. It returns nil when the task is
// gone, no longer queued, or another worker won the swap.
func (s *Service) claim(ctx context.Context, id string) *core.Task {
	task, err := s.getTask(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to load queued task", zap.String("task_id", id), zap.Error(err))
		return nil
	}
	if task.Status != core.StatusQueued {
		s.logger.Debug("Skipping task that is no longer queued",
			zap.String("task_id", id),
			zap.String("status", string(task.Status)))
		return nil
	}

	claimed := task.Clone()
	started := s.now().UTC()
	claimed.Status = core.StatusProcessing
	claimed.StartedAt = &started

	ok, err := s.swap(ctx, core.StatusQueued, claimed)
	if err != nil {
		s.logger.Error("Failed to claim task", zap.String("task_id", id), zap.Error(err))
		return nil
	}
	if !ok {
		s.logger.Debug("Lost claim on task", zap.String("task_id", id))
		return nil
	}
	return claimed
}

// completeTask writes the result; a lost swap means the task was already
// force-failed and the result is dropped
func (s *Service) completeTask(ctx context.Context, task *core.Task, result *core.AnalysisResult) error {
	completed := task.Clone()
	finished := s.now().UTC()
	completed.Status = core.StatusCompleted
	completed.CompletedAt = &finished
	completed.Result = result

	ok, err := s.swap(ctx, core.StatusProcessing, completed)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("Task left processing before its result was stored, result discarded",
			zap.String("task_id", task.ID))
		return nil
	}

	metrics.FinishedTotal.WithLabelValues(string(core.StatusCompleted), string(result.RiskLevel)).Inc()
	s.logger.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.Float64("threat_score", result.ThreatScore),
		zap.String("risk_level", string(result.RiskLevel)),
		zap.Int("skipped_categories", len(result.Skipped)))

	s.notify(ctx, completed)
	if completed.ParentID != "" {
		s.reconcileBatch(ctx, completed.ParentID)
	}
	return nil
}

// failTask moves task from expected to failed with the classified cause
func (s *Service) failTask(ctx context.Context, task *core.Task, expected core.TaskStatus, cause error) (bool, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	failed := task.Clone()
	finished := s.now().UTC()
	failed.Status = core.StatusFailed
	failed.CompletedAt = &finished
	failed.Error = core.NewTaskError(cause)

	ok, err := s.swap(ctx, expected, failed)
	if err != nil {
		s.logger.Error("Failed to record task failure",
			zap.String("task_id", task.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return false, err
	}
	if !ok {
		return false, nil
	}

	metrics.FinishedTotal.WithLabelValues(string(core.StatusFailed), string(failed.Error.Kind)).Inc()
	s.logger.Info("Task failed",
		zap.String("task_id", task.ID),
		zap.String("error_kind", string(failed.Error.Kind)),
		zap.String("detail", failed.Error.Detail))

	if failed.ParentID != "" {
		s.reconcileBatch(ctx, failed.ParentID)
	}
	return true, nil
}

// failQueued fails a task by id if it is still queued
func (s *Service) failQueued(ctx context.Context, id string, cause error) {
	task, err := s.getTask(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to load task to fail", zap.String("task_id", id), zap.Error(err))
		return
	}
	if task.Status != core.StatusQueued {
		return
	}
	s.failTask(ctx, task, core.StatusQueued, cause)
}

func (s *Service) notify(ctx context.Context, task *core.Task) {
	for _, o := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Task observer panicked",
						zap.String("task_id", task.ID),
						zap.String("observer", fmt.Sprintf("%T", o)),
						zap.Any("panic", r))
				}
			}()
			o.OnTaskCompleted(ctx, task.Clone())
		}()
	}
}
