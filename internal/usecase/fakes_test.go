package usecase

import (
	"context"
	"sync"
	"time"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/ports"
)

// fakeQueue redelivers the same groups on every fetch until they are
// replaced, the way the remote queue does for unacknowledged groups.
type fakeQueue struct {
	mu       sync.Mutex
	groups   []domain.PostedGroup
	fetchErr error
	ackErr   error
	ackCalls int
	rejected map[string]error
	acks     []domain.AckOutcome
	ref      domain.ReferenceSnapshot
	refErr   error
}

func (f *fakeQueue) FetchBatch(_ context.Context, limit int) ([]domain.PostedGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := append([]domain.PostedGroup(nil), f.groups...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeQueue) Acknowledge(_ context.Context, ack domain.AckOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCalls++
	if err, ok := f.rejected[ack.GroupID]; ok {
		return err
	}
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acks = append(f.acks, ack)
	return nil
}

func (f *fakeQueue) FetchReferenceData(context.Context) (domain.ReferenceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refErr != nil {
		return domain.ReferenceSnapshot{}, f.refErr
	}
	return f.ref, nil
}

func (f *fakeQueue) setGroups(groups ...domain.PostedGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = groups
}

func (f *fakeQueue) setAckErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackErr = err
}

// reject makes every acknowledgement of id fail with err.
func (f *fakeQueue) reject(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejected == nil {
		f.rejected = make(map[string]error)
	}
	f.rejected[id] = err
}

func (f *fakeQueue) sentAcks() []domain.AckOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AckOutcome(nil), f.acks...)
}

func (f *fakeQueue) ackCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ackCalls
}

// fakeProcessor counts calls per group and answers with result.
type fakeProcessor struct {
	mu     sync.Mutex
	calls  map[string]int
	result func(g domain.PostedGroup) domain.DispatchResult
}

var _ ports.Processor = (*fakeProcessor)(nil)

func newFakeProcessor(result func(g domain.PostedGroup) domain.DispatchResult) *fakeProcessor {
	if result == nil {
		result = func(domain.PostedGroup) domain.DispatchResult { return domain.Succeeded() }
	}
	return &fakeProcessor{calls: make(map[string]int), result: result}
}

func (p *fakeProcessor) Handle(_ context.Context, g domain.PostedGroup) domain.DispatchResult {
	p.mu.Lock()
	p.calls[g.ID]++
	p.mu.Unlock()
	return p.result(g)
}

func (p *fakeProcessor) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type fakeSink struct {
	mu      sync.Mutex
	letters []*domain.DispatchError
}

func (s *fakeSink) Report(_ context.Context, dl *domain.DispatchError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingLedger injects storage failures into a working ledger.
type failingLedger struct {
	ports.Ledger
	recordErr   error
	outcomeErr  error
	snapshotErr error
}

func (l *failingLedger) RecordAttempt(ctx context.Context, id string) (int, error) {
	if l.recordErr != nil {
		return 0, l.recordErr
	}
	return l.Ledger.RecordAttempt(ctx, id)
}

func (l *failingLedger) MarkOutcome(ctx context.Context, id string, o domain.Outcome) error {
	if l.outcomeErr != nil {
		return l.outcomeErr
	}
	return l.Ledger.MarkOutcome(ctx, id, o)
}

func (l *failingLedger) ReplaceSnapshot(ctx context.Context, snap domain.ReferenceSnapshot) error {
	if l.snapshotErr != nil {
		return l.snapshotErr
	}
	return l.Ledger.ReplaceSnapshot(ctx, snap)
}

// countingLedger counts snapshot writes that reach the wrapped ledger.
type countingLedger struct {
	ports.Ledger
	mu     sync.Mutex
	writes int
}

func (l *countingLedger) ReplaceSnapshot(ctx context.Context, snap domain.ReferenceSnapshot) error {
	l.mu.Lock()
	l.writes++
	l.mu.Unlock()
	return l.Ledger.ReplaceSnapshot(ctx, snap)
}

func (l *countingLedger) snapshotWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

func group(id string) domain.PostedGroup {
	return domain.PostedGroup{
		ID:   id,
		Name: "group " + id,
		Rows: []domain.TimeRow{{ID: id + "-r1", Activity: "Editor", Duration: 30 * time.Minute}},
	}
}

// testPolicy retries without jitter: 1m, 2m, 4m... with a ceiling of 3.
func testPolicy() RetryPolicy {
	return RetryPolicy{Ceiling: 3, BaseDelay: time.Minute, Multiplier: 2, MaxDelay: time.Hour}
}
