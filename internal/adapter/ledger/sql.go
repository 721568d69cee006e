package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"timesync-connector/internal/domain"
	"timesync-connector/internal/ports"
)

// dialect holds the statements that differ between SQLite and MySQL.
type dialect struct {
	name           string
	lockRow        string
	upsertSnapshot string
}

// SQLLedger implements ports.Ledger on database/sql. Times are stored as Unix
// milliseconds so range comparisons behave the same on every dialect.
type SQLLedger struct {
	db  *sql.DB
	d   dialect
	log *zap.Logger
	now func() time.Time
}

var _ ports.Ledger = (*SQLLedger)(nil)

// Option customises a ledger.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const entryColumns = `group_id, state, attempts, last_error_class, last_error,
	first_seen_at, last_attempt_at, next_attempt_at, updated_at, remote_acked`

func (l *SQLLedger) RecordAttempt(ctx context.Context, groupID string) (int, error) {
	var attempt int
	err := l.inTx(ctx, "record attempt", func(tx *sql.Tx) error {
		var (
			state    string
			attempts int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT state, attempts FROM ledger_entries WHERE group_id = ?`+l.d.lockRow, groupID,
		).Scan(&state, &attempts)

		now := l.now().UnixMilli()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			attempt = 1
			_, err = tx.ExecContext(ctx, `
INSERT INTO ledger_entries
  (group_id, state, attempts, first_seen_at, last_attempt_at, updated_at, remote_acked)
VALUES
  (?, ?, 1, ?, ?, ?, 0)`,
				groupID, string(domain.StateDispatched), now, now, now)
			return err
		case err != nil:
			return err
		}

		if domain.LedgerState(state).IsTerminal() {
			return fmt.Errorf("%w: %s is already %s", domain.ErrInvalidTransition, groupID, state)
		}
		attempt = attempts + 1
		_, err = tx.ExecContext(ctx, `
UPDATE ledger_entries
SET state = ?, attempts = ?, last_attempt_at = ?, next_attempt_at = NULL, updated_at = ?
WHERE group_id = ?`,
			string(domain.StateDispatched), attempt, now, now, groupID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

func (l *SQLLedger) MarkOutcome(ctx context.Context, groupID string, outcome domain.Outcome) error {
	if err := validOutcome(outcome); err != nil {
		return err
	}
	return l.inTx(ctx, "mark outcome", func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM ledger_entries WHERE group_id = ?`+l.d.lockRow, groupID,
		).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrEntryNotFound, groupID)
		}
		if err != nil {
			return err
		}

		cur := domain.LedgerState(state)
		if cur.IsTerminal() {
			if cur == outcome.State {
				return nil
			}
			return fmt.Errorf("%w: %s is already %s", domain.ErrInvalidTransition, groupID, cur)
		}

		var next any
		if !outcome.State.IsTerminal() && !outcome.NextAttemptAt.IsZero() {
			next = outcome.NextAttemptAt.UnixMilli()
		}
		_, err = tx.ExecContext(ctx, `
UPDATE ledger_entries
SET state = ?, last_error_class = ?, last_error = ?, next_attempt_at = ?, updated_at = ?, remote_acked = 0
WHERE group_id = ?`,
			string(outcome.State), nullString(string(outcome.Class)), nullString(outcome.Reason),
			next, l.now().UnixMilli(), groupID)
		return err
	})
}

func (l *SQLLedger) StateOf(ctx context.Context, groupID string) (domain.LedgerState, error) {
	var state string
	err := l.db.QueryRowContext(ctx,
		`SELECT state FROM ledger_entries WHERE group_id = ?`, groupID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateUnknown, nil
	}
	if err != nil {
		return domain.StateUnknown, domain.NewStorageError("state of", err)
	}
	s, err := domain.ParseLedgerState(state)
	if err != nil {
		return domain.StateUnknown, domain.NewStorageError("state of", err)
	}
	return s, nil
}

func (l *SQLLedger) Entry(ctx context.Context, groupID string) (*domain.LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE group_id = ?`, groupID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("get entry", err)
	}
	return e, nil
}

func (l *SQLLedger) PendingAcks(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM ledger_entries
WHERE state IN (?, ?) AND remote_acked = 0
ORDER BY updated_at
LIMIT ?`,
		string(domain.StateAcknowledged), string(domain.StateDeadLettered), limit)
	if err != nil {
		return nil, domain.NewStorageError("pending acks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, domain.NewStorageError("pending acks", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("pending acks", err)
	}
	return out, nil
}

func (l *SQLLedger) MarkRemoteAcked(ctx context.Context, groupID string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE ledger_entries SET remote_acked = 1 WHERE group_id = ?`, groupID)
	return domain.NewStorageError("mark remote acked", err)
}

func (l *SQLLedger) PruneBefore(ctx context.Context, ts time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
DELETE FROM ledger_entries
WHERE state IN (?, ?) AND remote_acked = 1 AND updated_at < ?`,
		string(domain.StateAcknowledged), string(domain.StateDeadLettered), ts.UnixMilli())
	if err != nil {
		return 0, domain.NewStorageError("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("prune", err)
	}
	return n, nil
}

func (l *SQLLedger) Snapshot(ctx context.Context) (*domain.ReferenceSnapshot, error) {
	var (
		version   string
		payload   string
		fetchedAt int64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT version, payload, fetched_at FROM reference_snapshot WHERE id = 1`,
	).Scan(&version, &payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("read snapshot", err)
	}

	var snap domain.ReferenceSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, domain.NewStorageError("decode snapshot", err)
	}
	snap.Version = version
	snap.FetchedAt = time.UnixMilli(fetchedAt).UTC()
	return &snap, nil
}

func (l *SQLLedger) ReplaceSnapshot(ctx context.Context, snap domain.ReferenceSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return domain.NewStorageError("encode snapshot", err)
	}
	fetchedAt := snap.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = l.now()
	}
	return l.inTx(ctx, "replace snapshot", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, l.d.upsertSnapshot, snap.VersionMarker(), string(payload), fetchedAt.UnixMilli())
		return err
	})
}

func (l *SQLLedger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	stats := domain.LedgerStats{ByState: make(map[domain.LedgerState]int)}
	rows, err := l.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM ledger_entries GROUP BY state`)
	if err != nil {
		return stats, domain.NewStorageError("stats", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return stats, domain.NewStorageError("stats", err)
		}
		stats.ByState[domain.LedgerState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, domain.NewStorageError("stats", err)
	}

	err = l.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM ledger_entries WHERE state IN (?, ?) AND remote_acked = 0`,
		string(domain.StateAcknowledged), string(domain.StateDeadLettered),
	).Scan(&stats.PendingAcks)
	if err != nil {
		return stats, domain.NewStorageError("stats", err)
	}
	return stats, nil
}

// Close closes the underlying database.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

// DB exposes the handle for migrations and tests.
func (l *SQLLedger) DB() *sql.DB { return l.db }

// inTx runs fn in a short transaction. Domain sentinel errors pass through
// unchanged; everything else becomes a StorageError.
func (l *SQLLedger) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrEntryNotFound) {
			return err
		}
		return domain.NewStorageError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.NewStorageError(op, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*domain.LedgerEntry, error) {
	var (
		e           domain.LedgerEntry
		state       string
		errClass    sql.NullString
		lastErr     sql.NullString
		firstSeen   int64
		lastAttempt sql.NullInt64
		nextAttempt sql.NullInt64
		updated     int64
		acked       int
	)
	if err := s.Scan(&e.GroupID, &state, &e.Attempts, &errClass, &lastErr,
		&firstSeen, &lastAttempt, &nextAttempt, &updated, &acked); err != nil {
		return nil, err
	}
	st, err := domain.ParseLedgerState(state)
	if err != nil {
		return nil, err
	}
	e.State = st
	e.LastErrorClass = domain.FailureClass(errClass.String)
	e.LastError = lastErr.String
	e.FirstSeenAt = time.UnixMilli(firstSeen).UTC()
	if lastAttempt.Valid {
		e.LastAttemptAt = time.UnixMilli(lastAttempt.Int64).UTC()
	}
	if nextAttempt.Valid {
		e.NextAttemptAt = time.UnixMilli(nextAttempt.Int64).UTC()
	}
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	e.RemoteAcked = acked != 0
	return &e, nil
}

func validOutcome(o domain.Outcome) error {
	switch o.State {
	case domain.StateDispatchFailed, domain.StateAcknowledged, domain.StateDeadLettered:
		return nil
	}
	return fmt.Errorf("%w: outcome state %q", domain.ErrInvalidTransition, o.State)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
