package usecase

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"timesync-connector/internal/domain"
)

// RefreshReferenceData fetches the full reference set and swaps it in only
// when its version marker differs from the cached one. A failed refresh
// leaves the cached snapshot untouched.
func (e *SyncEngine) RefreshReferenceData(ctx context.Context) (res domain.RefreshResult, err error) {
	ctx, span := e.tracer.Start(ctx, "sync.refresh")
	defer func() {
		span.SetAttributes(attribute.Bool("reference.changed", res.Changed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reference refresh failed")
		}
		span.End()
		e.observer.ObserveRefresh(res, err)
	}()

	if err := e.Halted(); err != nil {
		return res, err
	}

	snap, err := e.client.FetchReferenceData(ctx)
	if err != nil {
		e.log.Warn("reference data fetch failed", zap.Error(err))
		return res, fmt.Errorf("fetch reference data: %w", err)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = e.now().UTC()
	}
	marker := snap.VersionMarker()
	res.Version = marker

	lctx, cancel := storeContext(ctx)
	defer cancel()
	current, err := e.ledger.Snapshot(lctx)
	if err != nil {
		return res, e.halt(err)
	}
	if current != nil && current.VersionMarker() == marker {
		if e.reference.Load() == nil {
			e.reference.Store(current)
		}
		e.log.Debug("reference data unchanged", zap.String("version", marker))
		return res, nil
	}

	snap.Version = marker
	if err := e.ledger.ReplaceSnapshot(lctx, snap); err != nil {
		return res, e.halt(err)
	}
	e.reference.Store(&snap)
	res.Changed = true

	e.log.Info("reference data replaced",
		zap.String("version", marker),
		zap.Int("tags", len(snap.Tags)),
		zap.Int("work_codes", len(snap.WorkCodes)),
	)
	return res, nil
}

// LoadReference primes the in-memory snapshot from the ledger.
func (e *SyncEngine) LoadReference(ctx context.Context) error {
	snap, err := e.ledger.Snapshot(ctx)
	if err != nil {
		return e.halt(err)
	}
	if snap != nil {
		e.reference.Store(snap)
	}
	return nil
}

// Reference returns the current snapshot, or nil before the first refresh.
// The returned value is never modified after publication.
func (e *SyncEngine) Reference() *domain.ReferenceSnapshot {
	return e.reference.Load()
}
