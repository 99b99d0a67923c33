package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"go.uber.org/zap"
)

// BatchItem is one email of a batch submission
type BatchItem struct {
	Kind core.SourceKind
	Data []byte
}

// SubmitBatch records a parent task plus one child per item. Items that fail
// validation become failed children instead of rejecting the batch. The
// parent completes once every child is terminal.
func (s *Service) SubmitBatch(ctx context.Context, items []BatchItem) (string, error) {
	if len(items) == 0 {
		return "", core.Errorf(core.KindInvalidInput, "batch is empty")
	}
	if len(items) > s.cfg.MaxBatchItems {
		metrics.RejectedTotal.WithLabelValues(string(core.KindTooManyItems)).Inc()
		return "", core.Errorf(core.KindTooManyItems, "batch of %d items exceeds the limit of %d", len(items), s.cfg.MaxBatchItems)
	}
	if s.isStopped() {
		return "", core.Errorf(core.KindCancelled, "pipeline is stopped")
	}

	now := s.now().UTC()
	children := make([]string, len(items))
	size := 0
	for i, item := range items {
		children[i] = s.newID()
		size += len(item.Data)
	}

	parent := &core.Task{
		ID:          s.newID(),
		Kind:        core.SourceBatch,
		Status:      core.StatusProcessing,
		SubmittedAt: now,
		StartedAt:   &now,
		SizeBytes:   size,
		Batch: &core.BatchRecord{
			Children: children,
			Summary:  core.BatchSummary{Total: len(items)},
		},
	}
	if err := s.createTask(ctx, parent); err != nil {
		return "", fmt.Errorf("failed to record batch: %w", err)
	}
	metrics.SubmittedTotal.WithLabelValues(string(core.SourceBatch)).Inc()

	// Every child is recorded before any is queued, so reconciliation
	// never sees a sibling that does not exist yet
	var pending []job
	for i, item := range items {
		child := &core.Task{
			ID:          children[i],
			ParentID:    parent.ID,
			Kind:        core.SourceBatchMember,
			Status:      core.StatusQueued,
			SubmittedAt: now,
			SizeBytes:   len(item.Data),
		}

		if err := s.validate(item.Kind, item.Data); err != nil {
			child.Status = core.StatusFailed
			child.CompletedAt = &now
			child.Error = core.NewTaskError(err)
			if err := s.createTask(ctx, child); err != nil {
				return "", s.abortBatch(ctx, parent, pending, fmt.Errorf("failed to record batch item %d: %w", i, err))
			}
			metrics.FinishedTotal.WithLabelValues(string(core.StatusFailed), string(child.Error.Kind)).Inc()
			continue
		}

		if err := s.createTask(ctx, child); err != nil {
			return "", s.abortBatch(ctx, parent, pending, fmt.Errorf("failed to record batch item %d: %w", i, err))
		}
		metrics.SubmittedTotal.WithLabelValues(string(child.Kind)).Inc()
		pending = append(pending, job{id: child.ID, data: item.Data})
	}

	for _, j := range pending {
		if !s.queue.push(j) {
			s.failQueued(ctx, j.id, core.Errorf(core.KindCancelled, "pipeline stopped before the task was processed"))
		}
	}

	s.logger.Info("Batch submitted",
		zap.String("task_id", parent.ID),
		zap.Int("items", len(items)))

	// All items may already be terminal when every one was invalid
	s.reconcileBatch(ctx, parent.ID)
	return parent.ID, nil
}

// abortBatch fails the parent and the children recorded so far when the
// batch could not be recorded completely
func (s *Service) abortBatch(ctx context.Context, parent *core.Task, pending []job, cause error) error {
	if _, err := s.failTask(ctx, parent, core.StatusProcessing, cause); err != nil {
		s.logger.Error("Failed to fail aborted batch", zap.String("task_id", parent.ID), zap.Error(err))
	}
	for _, j := range pending {
		s.failQueued(ctx, j.id, core.Errorf(core.KindCancelled, "batch %s was aborted", parent.ID))
	}
	return cause
}

// GetBatch returns a batch parent and its children in submission order.
// Children that expired or were never recorded are omitted.
func (s *Service) GetBatch(ctx context.Context, parentID string) (*core.BatchStatus, error) {
	parent, err := s.GetStatus(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Kind != core.SourceBatch || parent.Batch == nil {
		return nil, core.Errorf(core.KindNotFound, "task %s is not a batch", parentID)
	}

	children := make([]*core.Task, 0, len(parent.Batch.Children))
	for _, id := range parent.Batch.Children {
		child, err := s.getTask(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, err
		}
		children = append(children, child)
	}
	return &core.BatchStatus{Parent: parent, Children: children}, nil
}

// cancelBatch cancels every unfinished child; the parent follows through
// reconciliation
func (s *Service) cancelBatch(ctx context.Context, parent *core.Task) error {
	if parent.Batch == nil {
		return nil
	}
	for _, id := range parent.Batch.Children {
		err := s.Cancel(ctx, id)
		if err != nil && !errors.Is(err, core.ErrConflict) && !errors.Is(err, core.ErrNotFound) {
			return err
		}
	}
	s.reconcileBatch(ctx, parent.ID)
	return nil
}

// reconcileBatch completes the parent once all children are terminal.
// Missing children count as failed.
func (s *Service) reconcileBatch(ctx context.Context, parentID string) {
	parent, err := s.getTask(ctx, parentID)
	if err != nil {
		s.logger.Warn("Failed to load batch parent", zap.String("task_id", parentID), zap.Error(err))
		return
	}
	if parent.Status.IsTerminal() || parent.Batch == nil {
		return
	}

	summary := core.BatchSummary{Total: len(parent.Batch.Children)}
	for _, id := range parent.Batch.Children {
		child, err := s.getTask(ctx, id)
		switch {
		case errors.Is(err, core.ErrNotFound):
			summary.Failed++
			continue
		case err != nil:
			s.logger.Warn("Failed to load batch child",
				zap.String("task_id", parentID),
				zap.String("child_id", id),
				zap.Error(err))
			return
		case !child.Status.IsTerminal():
			return
		}

		if child.Status == core.StatusFailed {
			summary.Failed++
			continue
		}
		summary.Completed++
		switch child.RiskLevel() {
		case core.RiskLow:
			summary.Low++
		case core.RiskMedium:
			summary.Medium++
		case core.RiskHigh:
			summary.High++
		}
	}

	completed := parent.Clone()
	finished := s.now().UTC()
	completed.Status = core.StatusCompleted
	completed.CompletedAt = &finished
	completed.Batch.Summary = summary

	ok, err := s.swap(ctx, core.StatusProcessing, completed)
	if err != nil {
		s.logger.Error("Failed to complete batch", zap.String("task_id", parentID), zap.Error(err))
		return
	}
	if ok {
		s.logger.Info("Batch completed",
			zap.String("task_id", parentID),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("high", summary.High))
	}
}
