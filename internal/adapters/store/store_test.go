package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func newTask(id string, status core.TaskStatus, submitted time.Time) *core.Task {
	return &core.Task{
		ID:          id,
		Kind:        core.SourceContent,
		Status:      status,
		SubmittedAt: submitted,
		SizeBytes:   42,
	}
}

func completedTask(id string, risk core.RiskLevel, score float64, submitted time.Time) *core.Task {
	task := newTask(id, core.StatusCompleted, submitted)
	started := submitted.Add(time.Second)
	done := submitted.Add(2 * time.Second)
	task.StartedAt = &started
	task.CompletedAt = &done
	task.Result = &core.AnalysisResult{
		ThreatScore: score,
		RiskLevel:   risk,
		Findings: map[core.Category][]core.Finding{
			core.CategoryHeader:     {{Indicator: "spf_fail", Category: core.CategoryHeader, Weight: 0.35, Evidence: "spf=fail"}},
			core.CategoryContent:    {},
			core.CategoryLink:       {},
			core.CategoryAttachment: {},
		},
		CategoryScores: map[core.Category]float64{
			core.CategoryHeader: 0.35, core.CategoryContent: 0, core.CategoryLink: 0, core.CategoryAttachment: 0,
		},
		Recommendations: []string{core.RecommendHeader},
		Subject:         "hello",
		Sender:          "a@x.com",
		AnalyzedAt:      done,
	}
	return task
}

// testStoreContract exercises the behaviour every core.Store backend shares
func testStoreContract(t *testing.T, newStore func(t *testing.T) core.Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		task := completedTask("t1", core.RiskLow, 0.07, base)
		require.NoError(t, s.Create(ctx, task))

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task, got)

		got.Status = core.StatusFailed
		again, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, core.StatusCompleted, again.Status)

		err = s.Create(ctx, newTask("t1", core.StatusQueued, base))
		assert.True(t, errors.Is(err, core.ErrConflict))

		_, err = s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		task := newTask("t2", core.StatusQueued, base)
		require.NoError(t, s.Create(ctx, task))

		started := base.Add(time.Second)
		claimed := task.Clone()
		claimed.Status = core.StatusProcessing
		claimed.StartedAt = &started

		ok, err := s.CompareAndSwap(ctx, core.StatusQueued, claimed)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompareAndSwap(ctx, core.StatusQueued, claimed)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, core.StatusProcessing, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.True(t, started.Equal(*got.StartedAt))

		_, err = s.CompareAndSwap(ctx, core.StatusQueued, newTask("nope", core.StatusProcessing, base))
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})

	t.Run("list history", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, completedTask("a", core.RiskHigh, 0.9, base)))
		require.NoError(t, s.Create(ctx, completedTask("b", core.RiskLow, 0.1, base.Add(time.Hour))))
		require.NoError(t, s.Create(ctx, completedTask("c", core.RiskHigh, 0.8, base.Add(2*time.Hour))))
		require.NoError(t, s.Create(ctx, newTask("d", core.StatusQueued, base.Add(3*time.Hour))))
		require.NoError(t, s.Create(ctx, completedTask("e", core.RiskMedium, 0.5, base.Add(24*time.Hour))))

		page, err := s.List(ctx, core.HistoryFilter{Page: 1, PerPage: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		assert.Equal(t, 3, page.Pages)
		assert.True(t, page.HasNext)
		assert.False(t, page.HasPrev)
		assert.Equal(t, []string{"e", "d"}, taskIDs(page.Results))

		page, err = s.List(ctx, core.HistoryFilter{Page: 3, PerPage: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, taskIDs(page.Results))
		assert.False(t, page.HasNext)
		assert.True(t, page.HasPrev)

		page, err = s.List(ctx, core.HistoryFilter{RiskLevel: core.RiskHigh, Page: 1, PerPage: 20})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, taskIDs(page.Results))

		page, err = s.List(ctx, core.HistoryFilter{Status: core.StatusQueued, Page: 1, PerPage: 20})
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, taskIDs(page.Results))

		page, err = s.List(ctx, core.HistoryFilter{
			From: base.Add(time.Hour), To: base.Add(3 * time.Hour), Page: 1, PerPage: 20,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, taskIDs(page.Results))

		page, err = s.List(ctx, core.HistoryFilter{Page: 9, PerPage: 20})
		require.NoError(t, err)
		assert.Empty(t, page.Results)
		assert.NotNil(t, page.Results)
	})

	t.Run("list stale", func(t *testing.T) {
		s := newStore(t)
		old := newTask("old", core.StatusProcessing, base)
		oldStart := base.Add(time.Second)
		old.StartedAt = &oldStart
		fresh := newTask("fresh", core.StatusProcessing, base)
		freshStart := base.Add(time.Hour)
		fresh.StartedAt = &freshStart

		require.NoError(t, s.Create(ctx, old))
		require.NoError(t, s.Create(ctx, fresh))
		require.NoError(t, s.Create(ctx, newTask("queued", core.StatusQueued, base)))

		stale, err := s.ListStale(ctx, core.StatusProcessing, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, taskIDs(stale))

		stale, err = s.ListStale(ctx, core.StatusQueued, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"queued"}, taskIDs(stale))
	})

	t.Run("delete expired", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Create(ctx, completedTask(fmt.Sprintf("old-%d", i), core.RiskLow, 0, base.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, s.Create(ctx, completedTask("new", core.RiskLow, 0, base.Add(48*time.Hour))))

		n, err := s.DeleteExpired(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		_, err = s.Get(ctx, "old-0")
		assert.True(t, errors.Is(err, core.ErrNotFound))
		_, err = s.Get(ctx, "new")
		assert.NoError(t, err)

		page, err := s.List(ctx, core.HistoryFilter{Page: 1, PerPage: 20})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
	})

	t.Run("daily stats", func(t *testing.T) {
		s := newStore(t)
		day1 := core.DailyStat{Date: "2024-05-05", Total: 3, ScoreSum: 1.5, Low: 1, Medium: 1, High: 1, ContentCount: 2, FileCount: 1, Finalized: true}
		day2 := core.DailyStat{Date: "2024-05-06", Total: 1, ScoreSum: 0.2, Low: 1, ContentCount: 1}
		require.NoError(t, s.SaveDailyStat(ctx, day2))
		require.NoError(t, s.SaveDailyStat(ctx, day1))

		day2.Total, day2.ScoreSum, day2.Low = 2, 0.4, 2
		require.NoError(t, s.SaveDailyStat(ctx, day2))

		stats, err := s.DailyStats(ctx, base.AddDate(0, 0, -7), base)
		require.NoError(t, err)
		assert.Equal(t, []core.DailyStat{day1, day2}, stats)

		stats, err = s.DailyStats(ctx, base, base)
		require.NoError(t, err)
		assert.Equal(t, []core.DailyStat{day2}, stats)
	})
}

func taskIDs(tasks []*core.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
