package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations exposes the embedded schema files.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// MigrationState summarises one migration for status output.
type MigrationState struct {
	Version int64
	Path    string
	Applied bool
}

// Migrator applies the embedded goose migrations.
type Migrator struct {
	sqlDB    *sql.DB
	provider *goose.Provider
	logger   *slog.Logger
}

// NewMigrator wraps pool in a database/sql handle for goose.
func NewMigrator(pool *pgxpool.Pool, logger *slog.Logger) (*Migrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, Migrations())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("platform/db: goose provider: %w", err)
	}
	return &Migrator{sqlDB: sqlDB, provider: provider, logger: logger}, nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	results, err := m.provider.Up(ctx)
	for _, res := range results {
		m.logger.Info("migration applied", slog.Int64("version", res.Source.Version),
			slog.String("path", res.Source.Path), slog.Duration("took", res.Duration))
	}
	if err != nil {
		return fmt.Errorf("platform/db: migrate up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	res, err := m.provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("platform/db: migrate down: %w", err)
	}
	if res != nil {
		m.logger.Info("migration rolled back", slog.Int64("version", res.Source.Version))
	}
	return nil
}

// Status lists known migrations in version order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("platform/db: migrate status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, MigrationState{
			Version: st.Source.Version,
			Path:    st.Source.Path,
			Applied: st.State == goose.StateApplied,
		})
	}
	return out, nil
}

// Close releases the database/sql handle; the pool stays open.
func (m *Migrator) Close() error {
	return m.sqlDB.Close()
}
