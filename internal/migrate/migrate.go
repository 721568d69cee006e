package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sql/sqlite/*.sql sql/mysql/*.sql
var migrationsFS embed.FS

// Dialect selects the migration set and goose dialect.
type Dialect string

const (
	SQLite Dialect = "sqlite"
	MySQL  Dialect = "mysql"
)

func (d Dialect) goose() (goose.Dialect, error) {
	switch d {
	case SQLite:
		return goose.DialectSQLite3, nil
	case MySQL:
		return goose.DialectMySQL, nil
	}
	return "", fmt.Errorf("unsupported migration dialect %q", d)
}

// Run applies pending migrations from internal/migrate/sql/<dialect>.
// Files are named like 00001_description.sql and carry goose annotations.
func Run(ctx context.Context, db *sql.DB, dialect Dialect, log *zap.Logger) error {
	gd, err := dialect.goose()
	if err != nil {
		return err
	}
	fsys, err := fs.Sub(migrationsFS, "sql/"+string(dialect))
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	for _, r := range results {
		log.Info("applied migration",
			zap.String("dialect", string(dialect)),
			zap.Int64("version", r.Source.Version),
			zap.String("file", r.Source.Path),
			zap.Duration("took", r.Duration),
		)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	log.Debug("schema up to date", zap.String("dialect", string(dialect)), zap.Int64("version", version))
	return nil
}
