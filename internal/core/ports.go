package core

import (
	"context"
	"time"
)

// EmailParser turns raw message bytes into a parsed Email
type EmailParser interface {
	// Parse never fails on malformed MIME; it returns a ParseError only when
	// the input cannot be read as a message at all.
	Parse(raw []byte) (*Email, error)
}

// Detector inspects one aspect of a parsed email. The set of detectors is
// closed: exactly one implementation exists per entry of Categories.
type Detector interface {
	// Category returns the category this detector reports under
	Category() Category

	// Detect returns findings in detection order
	Detect(ctx context.Context, email *Email) ([]Finding, error)
}

// TaskStore persists tasks and provides the atomic transitions the
// orchestrator relies on
type TaskStore interface {
	// Create stores a new task; it fails with Conflict if the id exists
	Create(ctx context.Context, task *Task) error

	// Get returns a copy of the task or NotFound
	Get(ctx context.Context, id string) (*Task, error)

	// CompareAndSwap replaces the task only if its stored status equals
	// expected. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, expected TaskStatus, task *Task) (bool, error)

	// List returns one page of tasks, most recently submitted first
	List(ctx context.Context, filter HistoryFilter) (*HistoryPage, error)

	// ListStale returns tasks in status that entered it before the cutoff
	ListStale(ctx context.Context, status TaskStatus, before time.Time) ([]*Task, error)

	// DeleteExpired removes tasks submitted before the cutoff
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// StatStore persists daily aggregates
type StatStore interface {
	// SaveDailyStat inserts or replaces the stat for its date
	SaveDailyStat(ctx context.Context, stat DailyStat) error

	// DailyStats returns stored days in [from, to] ordered by date
	DailyStats(ctx context.Context, from, to time.Time) ([]DailyStat, error)
}

// Store is a backend that holds both tasks and daily statistics
type Store interface {
	TaskStore
	StatStore
	Close() error
}

// TaskObserver is notified after a task has been durably completed
type TaskObserver interface {
	OnTaskCompleted(ctx context.Context, task *Task)
}
