package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/ports"
)

// Memory is a non-durable ledger for dry runs and tests. Its state is lost
// when the process exits.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]domain.LedgerEntry
	snapshot *domain.ReferenceSnapshot
	now      func() time.Time
}

var _ ports.Ledger = (*Memory)(nil)

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{entries: make(map[string]domain.LedgerEntry), now: o.now}
}

func (m *Memory) RecordAttempt(_ context.Context, groupID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	e, ok := m.entries[groupID]
	if !ok {
		e = domain.LedgerEntry{GroupID: groupID, FirstSeenAt: now}
	} else if e.State.IsTerminal() {
		return 0, fmt.Errorf("%w: %s is already %s", domain.ErrInvalidTransition, groupID, e.State)
	}
	e.State = domain.StateDispatched
	e.Attempts++
	e.LastAttemptAt = now
	e.NextAttemptAt = time.Time{}
	e.UpdatedAt = now
	m.entries[groupID] = e
	return e.Attempts, nil
}

func (m *Memory) MarkOutcome(_ context.Context, groupID string, outcome domain.Outcome) error {
	if err := validOutcome(outcome); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrEntryNotFound, groupID)
	}
	if e.State.IsTerminal() {
		if e.State == outcome.State {
			return nil
		}
		return fmt.Errorf("%w: %s is already %s", domain.ErrInvalidTransition, groupID, e.State)
	}
	e.State = outcome.State
	e.LastErrorClass = outcome.Class
	e.LastError = outcome.Reason
	e.NextAttemptAt = time.Time{}
	if !outcome.State.IsTerminal() {
		e.NextAttemptAt = outcome.NextAttemptAt
	}
	e.UpdatedAt = m.now().UTC()
	e.RemoteAcked = false
	m.entries[groupID] = e
	return nil
}

func (m *Memory) StateOf(_ context.Context, groupID string) (domain.LedgerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[groupID]; ok {
		return e.State, nil
	}
	return domain.StateUnknown, nil
}

func (m *Memory) Entry(_ context.Context, groupID string) (*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[groupID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) PendingAcks(_ context.Context, limit int) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.State.IsTerminal() && !e.RemoteAcked {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRemoteAcked(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[groupID]; ok {
		e.RemoteAcked = true
		m.entries[groupID] = e
	}
	return nil
}

func (m *Memory) PruneBefore(_ context.Context, ts time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if e.State.IsTerminal() && e.RemoteAcked && e.UpdatedAt.Before(ts) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Snapshot(context.Context) (*domain.ReferenceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, nil
	}
	s := *m.snapshot
	return &s, nil
}

func (m *Memory) ReplaceSnapshot(_ context.Context, snap domain.ReferenceSnapshot) error {
	snap.Version = snap.VersionMarker()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = &snap
	return nil
}

func (m *Memory) Stats(context.Context) (domain.LedgerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := domain.LedgerStats{ByState: make(map[domain.LedgerState]int)}
	for _, e := range m.entries {
		stats.ByState[e.State]++
		if e.State.IsTerminal() && !e.RemoteAcked {
			stats.PendingAcks++
		}
	}
	return stats, nil
}

func (m *Memory) Close() error { return nil }
