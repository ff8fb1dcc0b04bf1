// Package history is the local audit ledger of reconciliation cycles and
// component installs, backed by SQLite with an optional Postgres mirror
// for fleet-wide querying. The orchestrator records every cycle; the
// status/log endpoints and the agent CLI's status command do not read the
// ledger.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// InstallOutcome classifies one component install attempt.
type InstallOutcome string

const (
	OutcomeInstalled   InstallOutcome = "installed"
	OutcomeRolledBack  InstallOutcome = "rolled_back"
	OutcomeFailed      InstallOutcome = "failed"
)

// CycleRecord is one completed RunOnce invocation.
type CycleRecord struct {
	ServerName      string
	StartedAt       time.Time
	FinishedAt      time.Time
	Action          string
	ManifestVersion string
	ErrorMessage    string
}

// InstallRecord is one component install/uninstall/rollback outcome.
type InstallRecord struct {
	ServerName   string
	Component    string
	FromVersion  string
	ToVersion    string
	Outcome      InstallOutcome
	ErrorMessage string
	InstalledAt  time.Time
}

// Mirror receives a copy of every ledger write, used to fan writes out to
// an optional fleet-wide Postgres store. Implementations must not block the
// local write path; the Ledger runs each mirror write in its own goroutine.
type Mirror interface {
	RecordCycle(ctx context.Context, r CycleRecord) error
	RecordInstall(ctx context.Context, r InstallRecord) error
}

// Ledger is the local SQLite-backed audit store.
type Ledger struct {
	db     *sql.DB
	mirror Mirror
	logger *slog.Logger
}

// Open connects to (and migrates) the SQLite database at path. An empty
// path opens an in-memory database, useful for tests.
func Open(path string, mirror Mirror, logger *slog.Logger) (*Ledger, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoids SQLITE_BUSY

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: run migrations: %w", err)
	}

	return &Ledger{db: db, mirror: mirror, logger: logger.With("component", "history")}, nil
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordCycle appends a reconciliation-cycle outcome.
func (l *Ledger) RecordCycle(ctx context.Context, r CycleRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cycle_history (server_name, started_at, finished_at, action, manifest_version, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ServerName, r.StartedAt, r.FinishedAt, r.Action, r.ManifestVersion, nullableString(r.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("history: record cycle: %w", err)
	}
	l.mirrorAsync(func(ctx context.Context) error { return l.mirror.RecordCycle(ctx, r) })
	return nil
}

// RecordInstall appends a component install outcome.
func (l *Ledger) RecordInstall(ctx context.Context, r InstallRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO install_history (server_name, component, from_version, to_version, outcome, error_message, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ServerName, r.Component, nullableString(r.FromVersion), r.ToVersion, string(r.Outcome), nullableString(r.ErrorMessage), r.InstalledAt,
	)
	if err != nil {
		return fmt.Errorf("history: record install: %w", err)
	}
	l.mirrorAsync(func(ctx context.Context) error { return l.mirror.RecordInstall(ctx, r) })
	return nil
}

func (l *Ledger) mirrorAsync(fn func(ctx context.Context) error) {
	if l.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			l.logger.Warn("history mirror write failed", "error", err)
		}
	}()
}

// RecentInstalls returns the most recent install records, newest first.
// No command or endpoint of the agent calls it.
func (l *Ledger) RecentInstalls(ctx context.Context, limit int) ([]InstallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT server_name, component, from_version, to_version, outcome, error_message, installed_at
		FROM install_history ORDER BY installed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent installs: %w", err)
	}
	defer rows.Close()

	var out []InstallRecord
	for rows.Next() {
		var r InstallRecord
		var from, errMsg sql.NullString
		var outcome string
		if err := rows.Scan(&r.ServerName, &r.Component, &from, &r.ToVersion, &outcome, &errMsg, &r.InstalledAt); err != nil {
			return nil, fmt.Errorf("history: scan install row: %w", err)
		}
		r.FromVersion = from.String
		r.ErrorMessage = errMsg.String
		r.Outcome = InstallOutcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
