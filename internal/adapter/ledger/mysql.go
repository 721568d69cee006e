package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"timesync-connector/internal/migrate"
)

var mysqlDialect = dialect{
	name:    "mysql",
	lockRow: " FOR UPDATE",
	upsertSnapshot: `
INSERT INTO reference_snapshot (id, version, payload, fetched_at)
VALUES (1, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  version=VALUES(version),
  payload=VALUES(payload),
  fetched_at=VALUES(fetched_at)`,
}

// OpenMySQL connects to a MySQL ledger and applies migrations.
// Example DSN: user:pass@tcp(host:3306)/dbname
func OpenMySQL(ctx context.Context, dsn string, log *zap.Logger, opts ...Option) (*SQLLedger, error) {
	if dsn == "" {
		return nil, errors.New("mysql: DSN is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse DSN: %w", err)
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: %w", err)
	}
	db := sql.OpenDB(connector)
	// Conservative pool defaults; there is only ever one writer.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(c); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	if err := migrate.Run(ctx, db, migrate.MySQL, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	o := buildOptions(opts)
	log.Info("mysql ledger opened", zap.String("addr", cfg.Addr), zap.String("db", cfg.DBName))
	return &SQLLedger{db: db, d: mysqlDialect, log: log, now: o.now}, nil
}
