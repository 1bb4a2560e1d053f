package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"go.uber.org/zap"
)

// migrationVersionTable records the schema version tern has applied.
const migrationVersionTable = "public.databundle_schema_version"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations brings the schema up to the latest embedded migration. Tern holds
// an advisory lock while migrating, so concurrent replicas wait for each other.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	migrator, err := newMigrator(ctx, conn.Conn(), logger)
	if err != nil {
		return err
	}

	before, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	after, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	logger.Info("database schema up to date",
		zap.Int32("from_version", before),
		zap.Int32("to_version", after),
	)
	return nil
}

// newMigrator loads the embedded migrations. A nil conn gives a migrator that can
// parse migrations but not apply them.
func newMigrator(ctx context.Context, conn *pgx.Conn, logger *zap.Logger) (*migrate.Migrator, error) {
	migrator, err := migrate.NewMigrator(ctx, conn, migrationVersionTable)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	migrationsFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	if err := migrator.LoadMigrations(migrationsFS); err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	migrator.OnStart = func(sequence int32, name, direction, _ string) {
		logger.Info("applying migration",
			zap.Int32("sequence", sequence),
			zap.String("name", name),
			zap.String("direction", direction),
		)
	}
	return migrator, nil
}
