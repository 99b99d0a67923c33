package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			risk_level TEXT NOT NULL DEFAULT '',
			submitted_at INTEGER NOT NULL,
			status_since INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_submitted_at ON tasks(submitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_since ON tasks(status, status_since)`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			day TEXT PRIMARY KEY,
			total INTEGER NOT NULL,
			score_sum REAL NOT NULL,
			low_count INTEGER NOT NULL,
			medium_count INTEGER NOT NULL,
			high_count INTEGER NOT NULL,
			content_count INTEGER NOT NULL,
			file_count INTEGER NOT NULL,
			batch_count INTEGER NOT NULL,
			finalized BOOLEAN NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
	upsertStat: `INSERT INTO daily_stats (` + statColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			total = excluded.total,
			score_sum = excluded.score_sum,
			low_count = excluded.low_count,
			medium_count = excluded.medium_count,
			high_count = excluded.high_count,
			content_count = excluded.content_count,
			file_count = excluded.file_count,
			batch_count = excluded.batch_count,
			finalized = excluded.finalized,
			updated_at = excluded.updated_at`,
	isDuplicate: func(err error) bool {
		var sqliteErr sqlite3.Error
		return errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique)
	},
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite serialises writers and ":memory:" databases are per connection
	db.SetMaxOpenConns(1)

	s := newSQLStore(db, sqliteDialect, logger)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
