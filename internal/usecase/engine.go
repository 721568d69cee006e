package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/ports"
)

const (
	defaultRetention        = 60 * 24 * time.Hour
	defaultRedeliveryWindow = 24 * time.Hour
	defaultAckAttempts      = 2
	defaultAckSpacing       = 250 * time.Millisecond

	// ledgerWriteTimeout bounds a single ledger call. Ledger calls do not
	// inherit the cycle deadline, so an outcome is always recorded for a
	// dispatch that already happened.
	ledgerWriteTimeout = 10 * time.Second
)

// Observer receives the outcome of every cycle. The metrics collector
// implements it.
type Observer interface {
	ObservePoll(res domain.PollResult, err error)
	ObserveRefresh(res domain.RefreshResult, err error)
}

type nopObserver struct{}

func (nopObserver) ObservePoll(domain.PollResult, error)       {}
func (nopObserver) ObserveRefresh(domain.RefreshResult, error) {}

type nopSink struct{}

func (nopSink) Report(context.Context, *domain.DispatchError) {}

// SyncEngine fetches posted groups, dispatches each one through the
// processor with a write-ahead ledger entry, and acknowledges outcomes to the
// remote queue. It also keeps the reference snapshot current.
type SyncEngine struct {
	log       *zap.Logger
	client    ports.QueueClient
	ledger    ports.Ledger
	processor ports.Processor
	policy    RetryPolicy

	sink     ports.DeadLetterSink
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time

	ackAttempts      int
	ackSpacing       time.Duration
	retention        time.Duration
	redeliveryWindow time.Duration

	reference atomic.Pointer[domain.ReferenceSnapshot]

	mu      sync.Mutex
	haltErr error
}

var _ ports.ReferenceReader = (*SyncEngine)(nil)

// Option customises a SyncEngine.
type Option func(*SyncEngine)

func WithDeadLetterSink(s ports.DeadLetterSink) Option {
	return func(e *SyncEngine) {
		if s != nil {
			e.sink = s
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *SyncEngine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *SyncEngine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *SyncEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAckRetry bounds how often an already terminal group is re-acknowledged
// inline when the remote queue redelivers it.
func WithAckRetry(attempts int, spacing time.Duration) Option {
	return func(e *SyncEngine) {
		if attempts > 0 {
			e.ackAttempts = attempts
		}
		if spacing >= 0 {
			e.ackSpacing = spacing
		}
	}
}

// WithRetention sets how long terminal entries are kept. Pruning never goes
// below the redelivery window.
func WithRetention(retention, redeliveryWindow time.Duration) Option {
	return func(e *SyncEngine) {
		e.retention = retention
		e.redeliveryWindow = redeliveryWindow
	}
}

func NewSyncEngine(log *zap.Logger, client ports.QueueClient, ledger ports.Ledger, processor ports.Processor, policy RetryPolicy, opts ...Option) *SyncEngine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &SyncEngine{
		log:              log.Named("engine"),
		client:           client,
		ledger:           ledger,
		processor:        processor,
		policy:           policy,
		sink:             nopSink{},
		observer:         nopObserver{},
		tracer:           otel.Tracer("timesync-connector/usecase"),
		now:              time.Now,
		ackAttempts:      defaultAckAttempts,
		ackSpacing:       defaultAckSpacing,
		retention:        defaultRetention,
		redeliveryWindow: defaultRedeliveryWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Poll runs one poll cycle of up to batchSize groups. Per-group failures are
// contained in the returned counts. An error is returned only when the queue
// could not be fetched, or when the ledger failed and the engine halted.
func (e *SyncEngine) Poll(ctx context.Context, batchSize int) (domain.PollResult, error) {
	start := e.now()
	res := domain.PollResult{CycleID: ulid.Make().String()}
	if err := e.Halted(); err != nil {
		return res, err
	}
	if e.client == nil || e.ledger == nil || e.processor == nil {
		return res, errors.New("sync engine not initialized: missing dependencies")
	}

	ctx, span := e.tracer.Start(ctx, "sync.poll", trace.WithAttributes(
		attribute.String("cycle.id", res.CycleID),
		attribute.Int("batch.size", batchSize),
	))
	defer span.End()
	log := e.log.With(zap.String("cycle_id", res.CycleID))

	err := e.poll(ctx, log, batchSize, &res)
	res.Duration = e.now().Sub(start)
	span.SetAttributes(
		attribute.Int("groups.fetched", res.Fetched),
		attribute.Int("groups.dispatched", res.Dispatched),
		attribute.Int("groups.failed", res.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll cycle failed")
	}
	e.observer.ObservePoll(res, err)
	return res, err
}

func (e *SyncEngine) poll(ctx context.Context, log *zap.Logger, batchSize int, res *domain.PollResult) error {
	groups, err := e.client.FetchBatch(ctx, batchSize)
	if err != nil {
		log.Warn("fetch batch failed", zap.Error(err))
		return fmt.Errorf("fetch batch: %w", err)
	}
	res.Fetched = len(groups)
	if len(groups) == 0 {
		log.Debug("no posted groups pending")
	}

	seen := make(map[string]struct{}, len(groups))
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			log.Warn("poll cycle deadline reached, leaving the rest of the batch",
				zap.Int("processed", i),
				zap.Int("remaining", len(groups)-i),
			)
			return fmt.Errorf("%w after %d of %d groups: %w", domain.ErrCycleInterrupted, i, len(groups), err)
		}
		if g.ID == "" {
			log.Warn("skipping posted group without id", zap.String("name", g.Name))
			res.Skipped++
			continue
		}
		if _, dup := seen[g.ID]; dup {
			log.Debug("skipping duplicate group in batch", zap.String("group_id", g.ID))
			res.Skipped++
			continue
		}
		seen[g.ID] = struct{}{}

		if err := e.processGroup(ctx, log, g, res); err != nil {
			return e.halt(err)
		}
	}

	if ctx.Err() != nil {
		log.Debug("skipping pending acknowledgements, cycle deadline reached")
	} else if _, err := e.FlushPendingAcks(ctx, max(batchSize, 1)); err != nil {
		return err
	}

	log.Info("poll cycle completed",
		zap.Int("fetched", res.Fetched),
		zap.Int("dispatched", res.Dispatched),
		zap.Int("failed", res.Failed),
		zap.Int("dead_lettered", res.DeadLettered),
		zap.Int("skipped", res.Skipped),
		zap.Int("deferred", res.Deferred),
	)
	return nil
}

// processGroup resolves one group to a recorded outcome. Only ledger failures
// are returned.
func (e *SyncEngine) processGroup(ctx context.Context, log *zap.Logger, g domain.PostedGroup, res *domain.PollResult) error {
	log = log.With(zap.String("group_id", g.ID))

	lctx, cancel := storeContext(ctx)
	entry, err := e.ledger.Entry(lctx, g.ID)
	cancel()
	if err != nil {
		return err
	}

	if entry != nil {
		switch entry.State {
		case domain.StateAcknowledged:
			res.Skipped++
			log.Debug("group already acknowledged, re-sending status")
			return e.reacknowledge(ctx, log, domain.AckOutcome{GroupID: g.ID, Status: domain.AckSuccess})

		case domain.StateDeadLettered:
			res.Skipped++
			log.Debug("group already dead-lettered, re-sending status")
			return e.reacknowledge(ctx, log, domain.AckOutcome{GroupID: g.ID, Status: domain.AckFailure, Message: entry.LastError})

		case domain.StateDispatched, domain.StateDispatchFailed:
			if e.policy.Ceiling > 0 && entry.Attempts >= e.policy.Ceiling {
				return e.deadLetter(ctx, log, g.ID, entry.Attempts, domain.ClassRecoverable, "retry ceiling reached", res)
			}
			if entry.State == domain.StateDispatchFailed && e.now().Before(entry.NextAttemptAt) {
				log.Debug("group not due for retry", zap.Time("next_attempt_at", entry.NextAttemptAt))
				res.Deferred++
				return nil
			}
			if entry.State == domain.StateDispatched {
				log.Warn("retrying in-doubt group", zap.Int("attempts", entry.Attempts))
			}
		}
	}

	// Write-ahead: the attempt is durable before the side effect starts.
	lctx, cancel = storeContext(ctx)
	attempt, err := e.ledger.RecordAttempt(lctx, g.ID)
	cancel()
	if err != nil {
		return err
	}
	log = log.With(zap.Int("attempt", attempt))

	result := e.dispatch(ctx, g, attempt)
	class, reason := e.resolve(result)

	switch {
	case class == domain.ClassNone:
		if err := e.markOutcome(ctx, g.ID, domain.Outcome{State: domain.StateAcknowledged}); err != nil {
			return err
		}
		res.Dispatched++
		log.Info("group dispatched")
		return e.acknowledge(ctx, log, domain.AckOutcome{GroupID: g.ID, Status: domain.AckSuccess}, res)

	case e.policy.ShouldRetry(attempt, class):
		next := e.now().Add(e.policy.NextDelay(attempt))
		outcome := domain.Outcome{State: domain.StateDispatchFailed, Class: class, Reason: reason, NextAttemptAt: next}
		if err := e.markOutcome(ctx, g.ID, outcome); err != nil {
			return err
		}
		res.Failed++
		log.Warn("group dispatch failed, will retry",
			zap.String("class", string(class)),
			zap.String("reason", reason),
			zap.Time("next_attempt_at", next),
		)
		return nil

	default:
		return e.deadLetter(ctx, log, g.ID, attempt, class, reason, res)
	}
}

func (e *SyncEngine) dispatch(ctx context.Context, g domain.PostedGroup, attempt int) (result domain.DispatchResult) {
	ctx, span := e.tracer.Start(ctx, "sync.dispatch", trace.WithAttributes(
		attribute.String("group.id", g.ID),
		attribute.Int("group.attempt", attempt),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			result = domain.NonRecoverableFailure(fmt.Sprintf("processor panic: %v", r))
		}
		if result.Status != domain.DispatchSucceeded {
			span.SetStatus(codes.Error, result.Reason)
		}
	}()

	if err := g.Validate(); err != nil {
		return domain.NonRecoverableFailure("malformed group: " + err.Error())
	}
	return e.processor.Handle(ctx, g)
}

func (e *SyncEngine) resolve(r domain.DispatchResult) (domain.FailureClass, string) {
	switch r.Status {
	case domain.DispatchSucceeded:
		return domain.ClassNone, ""
	case domain.DispatchRecoverable:
		return domain.ClassRecoverable, r.Reason
	case domain.DispatchNonRecoverable:
		return domain.ClassNonRecoverable, r.Reason
	}

	class := e.policy.Classify(r.Err)
	reason := r.Reason
	switch class {
	case domain.ClassNone:
		// An error status without an error is still a failure.
		class, reason = domain.ClassRecoverable, "processor reported failure without error"
	case domain.ClassStorage:
		// The processor's own storage, not the ledger.
		class = domain.ClassRecoverable
	}
	return class, reason
}

func (e *SyncEngine) deadLetter(ctx context.Context, log *zap.Logger, groupID string, attempts int, class domain.FailureClass, reason string, res *domain.PollResult) error {
	outcome := domain.Outcome{State: domain.StateDeadLettered, Class: class, Reason: reason}
	if err := e.markOutcome(ctx, groupID, outcome); err != nil {
		return err
	}
	res.Failed++
	res.DeadLettered++

	dl := &domain.DispatchError{GroupID: groupID, Class: class, Reason: reason, Attempts: attempts}
	log.Error("group dead-lettered", zap.Error(dl))
	e.sink.Report(ctx, dl)

	return e.acknowledge(ctx, log, domain.AckOutcome{GroupID: groupID, Status: domain.AckFailure, Message: reason}, res)
}

// acknowledge reports a fresh outcome once. A transport failure leaves the
// entry pending for FlushPendingAcks.
func (e *SyncEngine) acknowledge(ctx context.Context, log *zap.Logger, ack domain.AckOutcome, res *domain.PollResult) error {
	if err := e.client.Acknowledge(ctx, ack); err != nil {
		log.Warn("acknowledge failed, left pending", zap.String("status", string(ack.Status)), zap.Error(err))
		return nil
	}
	if err := e.markRemoteAcked(ctx, ack.GroupID); err != nil {
		return err
	}
	res.Acknowledged++
	return nil
}

// reacknowledge re-sends the status of a group the remote queue redelivered
// after it had already reached a terminal state.
func (e *SyncEngine) reacknowledge(ctx context.Context, log *zap.Logger, ack domain.AckOutcome) error {
	var err error
	for i := 0; i < e.ackAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				log.Warn("re-acknowledge abandoned", zap.Error(ctx.Err()))
				return nil
			case <-time.After(e.ackSpacing):
			}
		}
		if err = e.client.Acknowledge(ctx, ack); err == nil {
			return e.markRemoteAcked(ctx, ack.GroupID)
		}
	}
	log.Warn("re-acknowledge failed", zap.Int("attempts", e.ackAttempts), zap.Error(err))
	return nil
}

// storeContext detaches a ledger call from the cycle deadline while keeping
// the caller's values.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
}

func (e *SyncEngine) markOutcome(ctx context.Context, groupID string, outcome domain.Outcome) error {
	ctx, cancel := storeContext(ctx)
	defer cancel()
	return e.ledger.MarkOutcome(ctx, groupID, outcome)
}

func (e *SyncEngine) markRemoteAcked(ctx context.Context, groupID string) error {
	ctx, cancel := storeContext(ctx)
	defer cancel()
	return e.ledger.MarkRemoteAcked(ctx, groupID)
}

// halt stops all further dispatch after a ledger failure.
func (e *SyncEngine) halt(cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haltErr == nil {
		e.haltErr = cause
		e.log.Error("local ledger failure, dispatch halted", zap.Error(cause))
	}
	return fmt.Errorf("%w: %w", domain.ErrEngineHalted, e.haltErr)
}

// Halted returns a non-nil error once the engine refuses to dispatch.
func (e *SyncEngine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haltErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrEngineHalted, e.haltErr)
}
