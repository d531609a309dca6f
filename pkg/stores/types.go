package stores

import (
	"context"
	"time"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// EntrySummary is a listing row for a stored cache entry.
type EntrySummary struct {
	Fingerprint digest.Digest `json:"fingerprint"`
	Generation  int64         `json:"generation"`
	Outputs     digest.Digest `json:"outputs"`
	ExitCode    int           `json:"exit_code"`
	Backend     string        `json:"backend"`
	FailureKind execerr.Kind  `json:"failure_kind,omitempty"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	// Generation restricts results to one generation when non-negative.
	Generation   int64
	FailuresOnly bool
	Limit        int
}

// AllGenerations is an EntryFilter.Generation matching every generation.
const AllGenerations int64 = -1

// ExecutionRecord is one submission as seen by the executor, including
// cache hits. It is an audit trail, not a source of cached results.
type ExecutionRecord struct {
	ID           string        `json:"id"`
	Fingerprint  digest.Digest `json:"fingerprint"`
	ActionName   string        `json:"action_name"`
	Backend      string        `json:"backend"`
	ExitCode     int           `json:"exit_code"`
	Cached       bool          `json:"cached"`
	Shared       bool          `json:"shared"`
	ErrorKind    *string       `json:"error_kind,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Fingerprint *digest.Digest
	Since       *time.Time
	FailedOnly  bool
	Limit       int
}

// Stats summarizes the store contents.
type Stats struct {
	Entries      int64 `json:"entries"`
	StaleEntries int64 `json:"stale_entries"`
	Failures     int64 `json:"failures"`
	Nodes        int64 `json:"nodes"`
	Executions   int64 `json:"executions"`
	Generation   int64 `json:"generation"`
}

// Store is the durable side of the executor: cache persistence plus the
// execution log.
type Store interface {
	actioncache.Persistence

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Cache maintenance
	ListEntries(ctx context.Context, filter EntryFilter) ([]EntrySummary, error)
	PruneEntries(ctx context.Context, belowGeneration int64) (int64, error)
	PruneNodes(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*Stats, error)

	// Execution log
	InsertExecution(ctx context.Context, rec *ExecutionRecord) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error)
}
