// Package store is the relational persistence layer: Tenants, Tasks, Runs,
// Steps, LLMEvents, ToolEvents, and dead letters. The schema is declared
// once in ent/schema as the source of truth for migrations; this package
// talks to it with hand-written SQL rather than a generated client, so
// that every query here is explicit about the locking and CAS semantics
// the orchestrator and gateway depend on.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection and pool settings for the relational store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DB wraps a *sql.DB with the repositories built on top of it.
type DB struct {
	conn *sql.DB

	Tenants     *TenantRepo
	Tasks       *TaskRepo
	Runs        *RunRepo
	Steps       *StepRepo
	LLMEvents   *LLMEventRepo
	ToolEvents  *ToolEventRepo
	DeadLetters *DeadLetterRepo
}

// Conn returns the underlying pool, for health checks.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Open creates the connection pool, applies pending migrations, and wires
// the per-entity repositories.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(conn, cfg.Database); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{
		conn:        conn,
		Tenants:     &TenantRepo{db: conn},
		Tasks:       &TaskRepo{db: conn},
		Runs:        &RunRepo{db: conn},
		Steps:       &StepRepo{db: conn},
		LLMEvents:   &LLMEventRepo{db: conn},
		ToolEvents:  &ToolEventRepo{db: conn},
		DeadLetters: &DeadLetterRepo{db: conn},
	}, nil
}

// runMigrations applies every pending SQL migration embedded in the
// binary. Migrations are hand-written to mirror ent/schema field-for-field;
// ent itself never runs against this database.
func runMigrations(conn *sql.DB, dbName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
