package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(36) PRIMARY KEY,
			parent_id VARCHAR(36) NOT NULL DEFAULT '',
			kind VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			risk_level VARCHAR(8) NOT NULL DEFAULT '',
			submitted_at BIGINT NOT NULL,
			status_since BIGINT NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			INDEX idx_tasks_submitted_at (submitted_at),
			INDEX idx_tasks_status_since (status, status_since)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			day CHAR(10) PRIMARY KEY,
			total BIGINT NOT NULL,
			score_sum DOUBLE NOT NULL,
			low_count BIGINT NOT NULL,
			medium_count BIGINT NOT NULL,
			high_count BIGINT NOT NULL,
			content_count BIGINT NOT NULL,
			file_count BIGINT NOT NULL,
			batch_count BIGINT NOT NULL,
			finalized BOOLEAN NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	},
	upsertStat: `INSERT INTO daily_stats (` + statColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			total = VALUES(total),
			score_sum = VALUES(score_sum),
			low_count = VALUES(low_count),
			medium_count = VALUES(medium_count),
			high_count = VALUES(high_count),
			content_count = VALUES(content_count),
			file_count = VALUES(file_count),
			batch_count = VALUES(batch_count),
			finalized = VALUES(finalized),
			updated_at = VALUES(updated_at)`,
	isDuplicate: func(err error) bool {
		var mysqlErr *mysql.MySQLError
		return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
	},
}

// NewMySQLStore connects to MySQL and creates the schema if needed.
// ClientFoundRows is forced on: compare-and-swap counts matched rows.
func NewMySQLStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}
	cfg.ClientFoundRows = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	s := newSQLStore(db, mysqlDialect, logger)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
