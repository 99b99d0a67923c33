package ports

import (
	"context"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/pipeline"
)

// Submitter accepts emails for asynchronous analysis
type Submitter interface {
	// Submit queues one email and returns its task id
	Submit(ctx context.Context, kind core.SourceKind, data []byte) (string, error)

	// SubmitBatch queues several emails under one parent task
	SubmitBatch(ctx context.Context, items []pipeline.BatchItem) (string, error)
}

// Intake receives emails from outside the process and submits them
type Intake interface {
	// Start begins accepting emails
	Start() error

	// Stop stops accepting emails
	Stop() error
}
