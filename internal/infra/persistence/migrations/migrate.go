// Package migrations wires golang-migrate execution for the snapshot schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *logrus.Entry) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrator(ctx, dsn, sourceSpec{url: fileURL(resolvedDir), label: resolvedDir}, logger, func(m *migrate.Migrate) error {
		return up(ctx, m, resolvedDir, logger)
	})
}

// ApplyEmbedded applies migrations bundled in fsys (for example dbmigrations.Files).
func ApplyEmbedded(ctx context.Context, dsn string, fsys fs.FS, logger *logrus.Entry) error {
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	return withMigrator(ctx, dsn, sourceSpec{driver: src, label: "embedded"}, logger, func(m *migrate.Migrate) error {
		return up(ctx, m, "embedded", logger)
	})
}

// Rollback reverts the most recent steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *logrus.Entry) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrator(ctx, dsn, sourceSpec{url: fileURL(resolvedDir), label: resolvedDir}, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.WithFields(logrus.Fields{"path": resolvedDir, "steps": steps}).Info("rolling back database migrations")
		}
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", resolvedDir)
				return nil
			}
			recordMigrationMetric(ctx, "failed", resolvedDir)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "rolled_back", resolvedDir)
		return nil
	})
}

type sourceSpec struct {
	url    string
	driver source.Driver
	label  string
}

func withMigrator(ctx context.Context, dsn string, src sourceSpec, logger *logrus.Entry, fn func(*migrate.Migrate) error) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("migrations dsn required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.WithError(cerr).Warn("database migrations close")
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if src.driver != nil {
		m, err = migrate.NewWithInstance("iofs", src.driver, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(src.url, "pgx5", driver)
	}
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.WithError(sourceErr).Warn("database migrations source close")
		}
		if dbErr != nil {
			logger.WithError(dbErr).Warn("database migrations db close")
		}
	}()
	return fn(m)
}

func up(ctx context.Context, m *migrate.Migrate, label string, logger *logrus.Entry) error {
	if logger != nil {
		logger.WithField("path", label).Info("running database migrations")
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			if logger != nil {
				logger.Info("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Info("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", label)
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("volsurface_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
