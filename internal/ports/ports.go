package ports

import (
	"context"
	"time"

	"timesync-connector/internal/domain"
)

// QueueClient is the remote posted-time queue. Implementations retry single
// calls at the transport layer and return *domain.TransportError when they
// give up.
type QueueClient interface {
	FetchBatch(ctx context.Context, max int) ([]domain.PostedGroup, error)
	Acknowledge(ctx context.Context, ack domain.AckOutcome) error
	FetchReferenceData(ctx context.Context) (domain.ReferenceSnapshot, error)
}

// Ledger is the local durable record of per-group processing state and of the
// cached reference snapshot. A ledger is owned by exactly one connector
// process; running two instances against the same store is unsupported.
// All failures are returned as *domain.StorageError.
type Ledger interface {
	// RecordAttempt moves the entry to Dispatched and increments its attempt
	// count, creating it if needed. Returns the new attempt number.
	RecordAttempt(ctx context.Context, groupID string) (int, error)

	// MarkOutcome records the result of an attempt. Re-applying the terminal
	// state an entry already has is a no-op.
	MarkOutcome(ctx context.Context, groupID string, outcome domain.Outcome) error

	// StateOf returns domain.StateUnknown for ids never recorded.
	StateOf(ctx context.Context, groupID string) (domain.LedgerState, error)

	// Entry returns nil when the id was never recorded.
	Entry(ctx context.Context, groupID string) (*domain.LedgerEntry, error)

	// PendingAcks lists terminal entries whose remote acknowledgement has not
	// been confirmed, oldest first.
	PendingAcks(ctx context.Context, limit int) ([]domain.LedgerEntry, error)
	MarkRemoteAcked(ctx context.Context, groupID string) error

	// PruneBefore removes remotely acknowledged terminal entries last updated
	// before ts and returns how many were removed.
	PruneBefore(ctx context.Context, ts time.Time) (int64, error)

	// Snapshot returns nil when no snapshot was ever stored.
	Snapshot(ctx context.Context) (*domain.ReferenceSnapshot, error)
	// ReplaceSnapshot swaps the stored snapshot as a whole.
	ReplaceSnapshot(ctx context.Context, snap domain.ReferenceSnapshot) error

	Stats(ctx context.Context) (domain.LedgerStats, error)
	Close() error
}

// Processor performs the target-system side effect for one group. It must be
// idempotent per group id: the engine guarantees exactly-once accounting of
// success, not exactly-once invocation.
type Processor interface {
	Handle(ctx context.Context, group domain.PostedGroup) domain.DispatchResult
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, group domain.PostedGroup) domain.DispatchResult

func (f ProcessorFunc) Handle(ctx context.Context, group domain.PostedGroup) domain.DispatchResult {
	return f(ctx, group)
}

// DeadLetterSink receives every dead-lettered group once.
type DeadLetterSink interface {
	Report(ctx context.Context, dl *domain.DispatchError)
}

// ReferenceReader exposes the current reference snapshot to processors.
type ReferenceReader interface {
	Reference() *domain.ReferenceSnapshot
}
