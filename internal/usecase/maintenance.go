package usecase

import (
	"context"

	"go.uber.org/zap"

	"timesync-connector/internal/domain"
)

// FlushPendingAcks re-sends acknowledgements for terminal entries the remote
// queue has not confirmed. A transient failure stops the flush and leaves the
// rest for a later cycle. An acknowledgement the remote rejects outright is
// settled locally so it neither blocks later entries nor escapes pruning.
func (e *SyncEngine) FlushPendingAcks(ctx context.Context, limit int) (int, error) {
	lctx, cancel := storeContext(ctx)
	pending, err := e.ledger.PendingAcks(lctx, limit)
	cancel()
	if err != nil {
		return 0, e.halt(err)
	}

	sent, rejected := 0, 0
	for i, entry := range pending {
		ack := domain.AckOutcome{GroupID: entry.GroupID, Status: domain.AckSuccess}
		if entry.State == domain.StateDeadLettered {
			ack.Status = domain.AckFailure
			ack.Message = entry.LastError
		}
		if err := e.client.Acknowledge(ctx, ack); err != nil {
			if e.policy.Classify(err) != domain.ClassNonRecoverable {
				e.log.Warn("pending acknowledge failed",
					zap.String("group_id", entry.GroupID),
					zap.Int("remaining", len(pending)-i),
					zap.Error(err),
				)
				break
			}
			e.log.Error("acknowledge rejected by remote queue, giving up",
				zap.String("group_id", entry.GroupID),
				zap.String("status", string(ack.Status)),
				zap.Error(err),
			)
			rejected++
		} else {
			sent++
		}
		if err := e.markRemoteAcked(ctx, entry.GroupID); err != nil {
			return sent, e.halt(err)
		}
	}
	if sent > 0 || rejected > 0 {
		e.log.Info("pending acknowledgements flushed", zap.Int("sent", sent), zap.Int("rejected", rejected))
	}
	return sent, nil
}

// Prune removes terminal entries older than the retention window, never
// reaching into the redelivery window.
func (e *SyncEngine) Prune(ctx context.Context) (int64, error) {
	keep := max(e.retention, e.redeliveryWindow)
	cutoff := e.now().Add(-keep)

	ctx, cancel := storeContext(ctx)
	defer cancel()
	n, err := e.ledger.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, e.halt(err)
	}
	if n > 0 {
		e.log.Info("pruned ledger entries", zap.Int64("count", n), zap.Time("before", cutoff))
	}
	return n, nil
}
