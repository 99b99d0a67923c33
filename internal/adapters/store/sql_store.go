package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// dialect captures the statements that differ between SQL backends
type dialect struct {
	name        string
	schema      []string
	upsertStat  string
	isDuplicate func(error) bool
}

const statColumns = "day, total, score_sum, low_count, medium_count, high_count, content_count, file_count, batch_count, finalized, updated_at"

// SQLStore implements core.Store on database/sql. Tasks are stored as a JSON
// payload next to the columns needed for filtering; status transitions are
// guarded by the status column in the UPDATE predicate.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, dialect: d, logger: logger, now: time.Now}
}

// migrate creates tables and indexes if they don't exist
func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Create implements core.TaskStore
func (s *SQLStore) Create(ctx context.Context, task *core.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return core.WrapError(core.KindStore, "failed to encode task", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, parent_id, kind, status, risk_level, submitted_at, status_since, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ParentID, string(task.Kind), string(task.Status), string(task.RiskLevel()),
		task.SubmittedAt.UnixNano(), task.StatusSince().UnixNano(), string(payload))
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return core.Errorf(core.KindConflict, "task %s already exists", task.ID)
		}
		return core.WrapError(core.KindStore, "failed to insert task", err)
	}
	return nil
}

// Get implements core.TaskStore
func (s *SQLStore) Get(ctx context.Context, id string) (*core.Task, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM tasks WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.Errorf(core.KindNotFound, "task %s not found", id)
		}
		return nil, core.WrapError(core.KindStore, "failed to query task", err)
	}
	return decodeTask(payload)
}

// CompareAndSwap implements core.TaskStore
func (s *SQLStore) CompareAndSwap(ctx context.Context, expected core.TaskStatus, task *core.Task) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, core.WrapError(core.KindStore, "failed to encode task", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, risk_level = ?, status_since = ?, payload = ?
		WHERE id = ? AND status = ?
	`, string(task.Status), string(task.RiskLevel()), task.StatusSince().UnixNano(), string(payload),
		task.ID, string(expected))
	if err != nil {
		return false, core.WrapError(core.KindStore, "failed to update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, core.WrapError(core.KindStore, "failed to read affected rows", err)
	}
	if n == 1 {
		return true, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, task.ID).Scan(&count); err != nil {
		return false, core.WrapError(core.KindStore, "failed to query task", err)
	}
	if count == 0 {
		return false, core.Errorf(core.KindNotFound, "task %s not found", task.ID)
	}
	return false, nil
}

// List implements core.TaskStore
func (s *SQLStore) List(ctx context.Context, filter core.HistoryFilter) (*core.HistoryPage, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.RiskLevel != "" {
		clauses = append(clauses, "risk_level = ?")
		args = append(args, string(filter.RiskLevel))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "submitted_at >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "submitted_at < ?")
		args = append(args, filter.To.UnixNano())
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, core.WrapError(core.KindStore, "failed to count tasks", err)
	}

	limit, offset := filter.PerPage, filter.Offset()
	if limit <= 0 || offset < 0 {
		return core.NewHistoryPage(nil, total, filter), nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM tasks"+where+" ORDER BY submitted_at DESC, id ASC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to list tasks", err)
	}
	results, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	return core.NewHistoryPage(results, total, filter), nil
}

// ListStale implements core.TaskStore
func (s *SQLStore) ListStale(ctx context.Context, status core.TaskStatus, before time.Time) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM tasks
		WHERE status = ? AND status_since < ?
		ORDER BY submitted_at ASC
	`, string(status), before.UnixNano())
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to list stale tasks", err)
	}
	return scanTasks(rows)
}

// DeleteExpired implements core.TaskStore
func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE submitted_at < ?`, before.UnixNano())
	if err != nil {
		return 0, core.WrapError(core.KindStore, "failed to delete expired tasks", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to get rows affected during retention sweep", zap.Error(err))
		return 0, nil
	}
	s.logger.Debug("Deleted expired tasks", zap.String("backend", s.dialect.name), zap.Int64("expired_count", n))
	return n, nil
}

// SaveDailyStat implements core.StatStore
func (s *SQLStore) SaveDailyStat(ctx context.Context, stat core.DailyStat) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertStat,
		stat.Date, stat.Total, stat.ScoreSum, stat.Low, stat.Medium, stat.High,
		stat.ContentCount, stat.FileCount, stat.BatchCount, stat.Finalized, s.now().UnixNano())
	if err != nil {
		return core.WrapError(core.KindStore, "failed to save daily stat", err)
	}
	return nil
}

// DailyStats implements core.StatStore
func (s *SQLStore) DailyStats(ctx context.Context, from, to time.Time) ([]core.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, total, score_sum, low_count, medium_count, high_count,
			content_count, file_count, batch_count, finalized
		FROM daily_stats
		WHERE day >= ? AND day <= ?
		ORDER BY day ASC
	`, core.DayKey(from), core.DayKey(to))
	if err != nil {
		return nil, core.WrapError(core.KindStore, "failed to query daily stats", err)
	}
	defer rows.Close()

	var stats []core.DailyStat
	for rows.Next() {
		var d core.DailyStat
		if err := rows.Scan(&d.Date, &d.Total, &d.ScoreSum, &d.Low, &d.Medium, &d.High,
			&d.ContentCount, &d.FileCount, &d.BatchCount, &d.Finalized); err != nil {
			return nil, core.WrapError(core.KindStore, "failed to scan daily stat", err)
		}
		stats = append(stats, d)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.KindStore, "failed to read daily stats", err)
	}
	return stats, nil
}

// Close implements core.Store
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close %s database: %w", s.dialect.name, err)
	}
	return nil
}

func scanTasks(rows *sql.Rows) ([]*core.Task, error) {
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, core.WrapError(core.KindStore, "failed to scan task", err)
		}
		task, err := decodeTask(payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.KindStore, "failed to read tasks", err)
	}
	return tasks, nil
}

func decodeTask(payload string) (*core.Task, error) {
	var task core.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, core.WrapError(core.KindStore, "failed to decode task", err)
	}
	return &task, nil
}
