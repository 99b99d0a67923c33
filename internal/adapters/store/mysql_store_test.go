package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jknair0/beforeeach"
	"github.com/mikey/phishguard/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	db    *sql.DB
	mock  sqlmock.Sqlmock
	mysqs *SQLStore
)

func setUp() {
	db, mock, _ = sqlmock.New()
	mysqs = newSQLStore(db, mysqlDialect, zap.NewNop())
	mysqs.now = func() time.Time { return base }
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func q(query string) string {
	return regexp.QuoteMeta(query)
}

func payloadOf(t *testing.T, task *core.Task) string {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return string(b)
}

func TestMySQLMigrate(t *testing.T) {
	it(func() {
		mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS tasks")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS daily_stats")).WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, mysqs.migrate(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLCreate(t *testing.T) {
	it(func() {
		ctx := context.Background()
		task := newTask("t1", core.StatusQueued, base)

		mock.ExpectExec(q("INSERT INTO tasks")).
			WithArgs("t1", "", "content", "queued", "", base.UnixNano(), base.UnixNano(), payloadOf(t, task)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		require.NoError(t, mysqs.Create(ctx, task))

		mock.ExpectExec(q("INSERT INTO tasks")).
			WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry 't1'"})
		err := mysqs.Create(ctx, task)
		assert.True(t, errors.Is(err, core.ErrConflict))

		mock.ExpectExec(q("INSERT INTO tasks")).WillReturnError(errors.New("connection reset"))
		err = mysqs.Create(ctx, task)
		assert.True(t, errors.Is(err, core.ErrStore))
		assert.Contains(t, err.Error(), "connection reset")

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLGet(t *testing.T) {
	it(func() {
		ctx := context.Background()
		task := completedTask("t1", core.RiskHigh, 0.75, base)

		mock.ExpectQuery(q("SELECT payload FROM tasks WHERE id = ?")).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payloadOf(t, task)))
		got, err := mysqs.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task, got)

		mock.ExpectQuery(q("SELECT payload FROM tasks WHERE id = ?")).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		_, err = mysqs.Get(ctx, "missing")
		assert.True(t, errors.Is(err, core.ErrNotFound))

		mock.ExpectQuery(q("SELECT payload FROM tasks WHERE id = ?")).
			WithArgs("broken").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow("{not json"))
		_, err = mysqs.Get(ctx, "broken")
		assert.True(t, errors.Is(err, core.ErrStore))

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLCompareAndSwap(t *testing.T) {
	it(func() {
		ctx := context.Background()
		task := newTask("t1", core.StatusProcessing, base)
		started := base.Add(time.Second)
		task.StartedAt = &started

		mock.ExpectExec(q("UPDATE tasks SET status = ?, risk_level = ?, status_since = ?, payload = ?")).
			WithArgs("processing", "", started.UnixNano(), payloadOf(t, task), "t1", "queued").
			WillReturnResult(sqlmock.NewResult(0, 1))
		ok, err := mysqs.CompareAndSwap(ctx, core.StatusQueued, task)
		require.NoError(t, err)
		assert.True(t, ok)

		mock.ExpectExec(q("UPDATE tasks SET")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("SELECT COUNT(*) FROM tasks WHERE id = ?")).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		ok, err = mysqs.CompareAndSwap(ctx, core.StatusQueued, task)
		require.NoError(t, err)
		assert.False(t, ok)

		mock.ExpectExec(q("UPDATE tasks SET")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q("SELECT COUNT(*) FROM tasks WHERE id = ?")).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		_, err = mysqs.CompareAndSwap(ctx, core.StatusQueued, task)
		assert.True(t, errors.Is(err, core.ErrNotFound))

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLList(t *testing.T) {
	it(func() {
		ctx := context.Background()
		task := completedTask("t1", core.RiskHigh, 0.9, base)
		from, to := base.Add(-time.Hour), base.Add(time.Hour)

		mock.ExpectQuery(q("SELECT COUNT(*) FROM tasks WHERE risk_level = ? AND submitted_at >= ? AND submitted_at < ?")).
			WithArgs("high", from.UnixNano(), to.UnixNano()).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectQuery(q("SELECT payload FROM tasks WHERE risk_level = ? AND submitted_at >= ? AND submitted_at < ? ORDER BY submitted_at DESC, id ASC LIMIT ? OFFSET ?")).
			WithArgs("high", from.UnixNano(), to.UnixNano(), int64(2), int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payloadOf(t, task)))

		page, err := mysqs.List(ctx, core.HistoryFilter{RiskLevel: core.RiskHigh, From: from, To: to, Page: 2, PerPage: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, 2, page.Pages)
		assert.Equal(t, 2, page.CurrentPage)
		assert.True(t, page.HasPrev)
		assert.False(t, page.HasNext)
		assert.Equal(t, []string{"t1"}, taskIDs(page.Results))

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLListStaleAndDelete(t *testing.T) {
	it(func() {
		ctx := context.Background()
		cutoff := base.Add(time.Minute)
		task := newTask("q1", core.StatusQueued, base)

		mock.ExpectQuery(q("SELECT payload FROM tasks")).
			WithArgs("queued", cutoff.UnixNano()).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payloadOf(t, task)))
		stale, err := mysqs.ListStale(ctx, core.StatusQueued, cutoff)
		require.NoError(t, err)
		assert.Equal(t, []string{"q1"}, taskIDs(stale))

		mock.ExpectExec(q("DELETE FROM tasks WHERE submitted_at < ?")).
			WithArgs(cutoff.UnixNano()).
			WillReturnResult(sqlmock.NewResult(0, 7))
		n, err := mysqs.DeleteExpired(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLDailyStats(t *testing.T) {
	it(func() {
		ctx := context.Background()
		stat := core.DailyStat{Date: "2024-05-06", Total: 4, ScoreSum: 1.2, Low: 2, Medium: 1, High: 1, ContentCount: 3, FileCount: 1}

		mock.ExpectExec(q("INSERT INTO daily_stats") + ".*" + q("ON DUPLICATE KEY UPDATE")).
			WithArgs("2024-05-06", int64(4), 1.2, int64(2), int64(1), int64(1), int64(3), int64(1), int64(0), false, base.UnixNano()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		require.NoError(t, mysqs.SaveDailyStat(ctx, stat))

		mock.ExpectQuery(q("FROM daily_stats")).
			WithArgs("2024-05-01", "2024-05-06").
			WillReturnRows(sqlmock.NewRows([]string{
				"day", "total", "score_sum", "low_count", "medium_count", "high_count",
				"content_count", "file_count", "batch_count", "finalized",
			}).AddRow("2024-05-06", 4, 1.2, 2, 1, 1, 3, 1, 0, false))
		stats, err := mysqs.DailyStats(ctx, base.AddDate(0, 0, -5), base)
		require.NoError(t, err)
		assert.Equal(t, []core.DailyStat{stat}, stats)

		mock.ExpectExec(q("INSERT INTO daily_stats")).WillReturnError(errors.New("disk full"))
		assert.True(t, errors.Is(mysqs.SaveDailyStat(ctx, stat), core.ErrStore))

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLDuplicateDetection(t *testing.T) {
	assert.True(t, mysqlDialect.isDuplicate(&mysql.MySQLError{Number: 1062}))
	assert.False(t, mysqlDialect.isDuplicate(&mysql.MySQLError{Number: 1045}))
	assert.False(t, mysqlDialect.isDuplicate(errors.New("boom")))
}
