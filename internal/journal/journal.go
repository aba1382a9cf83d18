// Package journal keeps a local, append-only record of escrow workflow
// runs for support triage: which action ran against which target, when,
// and how it ended. It stores error kinds only, never passphrases,
// tokens, or server response bodies.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // sqlite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one recorded workflow outcome.
type Entry struct {
	ID        int64
	At        time.Time
	Action    string
	Target    string
	Outcome   string
	ErrorKind string
}

// Journal is the sqlite-backed operation log. Sole writer: the DB is
// opened with a single connection.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database at path and
// applies pending schema migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("journal: creating directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, logger: logger}, nil
}

// runMigrations applies all pending schema migrations using the goose
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("journal: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("journal: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Report records one workflow outcome. Best-effort: failures are logged
// and swallowed so a broken journal never blocks an escrow operation.
// Implements workflow.Reporter.
func (j *Journal) Report(ctx context.Context, action, target, outcome, errorKind string) {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (at, action, target, outcome, error_kind) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), action, target, outcome, errorKind,
	)
	if err != nil {
		j.logger.Warn("journal write failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

// List returns the most recent entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, at, action, target, outcome, error_kind
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: listing operations: %w", err)
	}

	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e  Entry
			at string
		)

		if err := rows.Scan(&e.ID, &at, &e.Action, &e.Target, &e.Outcome, &e.ErrorKind); err != nil {
			return nil, fmt.Errorf("journal: scanning operation row: %w", err)
		}

		if ts, parseErr := time.Parse(time.RFC3339, at); parseErr == nil {
			e.At = ts
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating operations: %w", err)
	}

	return entries, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
