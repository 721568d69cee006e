package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"timesync-connector/internal/migrate"
)

// DefaultSQLiteFile is the ledger file name inside the data directory.
const DefaultSQLiteFile = "ledger.sqlite"

var sqliteDialect = dialect{
	name: "sqlite",
	upsertSnapshot: `
INSERT INTO reference_snapshot (id, version, payload, fetched_at)
VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  version = excluded.version,
  payload = excluded.payload,
  fetched_at = excluded.fetched_at`,
}

// OpenSQLite opens (creating if needed) the ledger file at path and applies
// migrations. Use ":memory:" only in tests.
func OpenSQLite(ctx context.Context, path string, log *zap.Logger, opts ...Option) (*SQLLedger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// Single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite ledger: %w", err)
	}
	if err := migrate.Run(ctx, db, migrate.SQLite, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	o := buildOptions(opts)
	log.Info("sqlite ledger opened", zap.String("path", path))
	return &SQLLedger{db: db, d: sqliteDialect, log: log, now: o.now}, nil
}
