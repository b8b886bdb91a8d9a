package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrations holds the SQL schema for PostgresStore, applied in filename
// order by Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Migrate applies every embedded *.up.sql file not yet recorded in
// schema_migrations and returns how many ran. The tracking table uses the
// golang-migrate layout (bigint version plus dirty flag) so either tool can
// take over.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(Migrations, "migrations/*.up.sql")
	if err != nil {
		return 0, err
	}
	sort.Strings(files)

	applied := 0
	for _, f := range files {
		name := path.Base(f)
		ver, err := versionFromFile(name)
		if err != nil {
			return applied, fmt.Errorf("parse version from %s: %w", name, err)
		}

		var done bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&done); err != nil {
			return applied, fmt.Errorf("check %s: %w", name, err)
		}
		if done {
			logger.Debug("migration already applied", zap.String("file", name))
			continue
		}

		sql, err := fs.ReadFile(Migrations, f)
		if err != nil {
			return applied, err
		}

		// Marked dirty first so a crash mid-apply is visible.
		if _, err := pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, ver,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, ver,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", name, err)
		}

		logger.Info("migration applied", zap.String("file", name))
		applied++
	}
	return applied, nil
}

// versionFromFile extracts the leading integer of "001_name.up.sql".
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format %q", filename)
	}
	return strconv.ParseInt(prefix, 10, 64)
}
