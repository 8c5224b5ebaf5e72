// Package migrate wraps goose so schema management runs both embedded at
// service startup and from the standalone migrate command.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Runner executes goose migrations against the configured database.
type Runner struct {
	dsn           string
	migrationsDir string
	log           *slog.Logger
}

// New validates the migrations directory and returns a Runner.
func New(dsn, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if dsn == "" {
		return nil, errors.New("migrate: database dsn is required")
	}
	info, err := os.Stat(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrate: migrations dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrate: %s is not a directory", migrationsDir)
	}
	return &Runner{dsn: dsn, migrationsDir: migrationsDir, log: log}, nil
}

// Ensure applies all pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	return r.withDB(ctx, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("migrate: up: %w", err)
		}
		r.log.Info("migrations applied", "dir", r.migrationsDir)
		return nil
	})
}

// Status prints the goose status table for the configured directory.
func (r *Runner) Status(ctx context.Context) error {
	return r.withDB(ctx, func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("migrate: status: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recent migration.
func (r *Runner) Down(ctx context.Context) error {
	return r.withDB(ctx, func(db *sql.DB) error {
		if err := goose.DownContext(ctx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("migrate: down: %w", err)
		}
		r.log.Info("rolled back one migration", "dir", r.migrationsDir)
		return nil
	})
}

func (r *Runner) withDB(ctx context.Context, fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("migrate: open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("migrate: ping database: %w", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	return fn(db)
}
