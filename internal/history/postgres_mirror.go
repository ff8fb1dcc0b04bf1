package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMirror mirrors ledger writes into a shared fleet-wide Postgres
// database, so a fleet operator can query install history across every
// node without touching each node's local SQLite file.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

// NewPostgresMirror connects to dsn and ensures the mirror tables exist.
func NewPostgresMirror(ctx context.Context, dsn string) (*PostgresMirror, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres mirror: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping postgres mirror: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS cycle_history (
			id               BIGSERIAL PRIMARY KEY,
			server_name      TEXT NOT NULL,
			started_at       TIMESTAMPTZ NOT NULL,
			finished_at      TIMESTAMPTZ NOT NULL,
			action           TEXT NOT NULL,
			manifest_version TEXT NOT NULL,
			error_message    TEXT
		);
		CREATE TABLE IF NOT EXISTS install_history (
			id              BIGSERIAL PRIMARY KEY,
			server_name     TEXT NOT NULL,
			component       TEXT NOT NULL,
			from_version    TEXT,
			to_version      TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			error_message   TEXT,
			installed_at    TIMESTAMPTZ NOT NULL
		);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: create postgres mirror tables: %w", err)
	}

	return &PostgresMirror{pool: pool}, nil
}

// Close releases the connection pool.
func (m *PostgresMirror) Close() {
	m.pool.Close()
}

// RecordCycle implements Mirror.
func (m *PostgresMirror) RecordCycle(ctx context.Context, r CycleRecord) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO cycle_history (server_name, started_at, finished_at, action, manifest_version, error_message)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
		r.ServerName, r.StartedAt, r.FinishedAt, r.Action, r.ManifestVersion, r.ErrorMessage,
	)
	return err
}

// RecordInstall implements Mirror.
func (m *PostgresMirror) RecordInstall(ctx context.Context, r InstallRecord) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO install_history (server_name, component, from_version, to_version, outcome, error_message, installed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7)`,
		r.ServerName, r.Component, r.FromVersion, r.ToVersion, string(r.Outcome), r.ErrorMessage, r.InstalledAt,
	)
	return err
}
