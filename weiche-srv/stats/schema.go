package stats

import (
	"database/sql"
	"fmt"
)

// sqliteSchema holds the DDL for the SQLite backend. Statements are
// idempotent so collectors can run them on every start.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_ip TEXT,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at TIMESTAMP,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS route_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		proxy_name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		affinity_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS dial_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		proxy_name TEXT NOT NULL,
		error_type TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_ended_at ON connections(ended_at)`,
	`CREATE INDEX IF NOT EXISTS idx_route_decisions_proxy_name ON route_decisions(proxy_name)`,
	`CREATE INDEX IF NOT EXISTS idx_dial_errors_created_at ON dial_errors(created_at)`,
}

// postgresSchema holds the DDL for the PostgreSQL backend.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id BIGSERIAL PRIMARY KEY,
		client_ip INET,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at TIMESTAMPTZ,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS route_decisions (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT NOT NULL,
		proxy_name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		affinity_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS dial_errors (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT NOT NULL,
		proxy_name TEXT NOT NULL,
		error_type TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_ended_at ON connections(ended_at)`,
	`CREATE INDEX IF NOT EXISTS idx_route_decisions_proxy_name ON route_decisions(proxy_name)`,
	`CREATE INDEX IF NOT EXISTS idx_dial_errors_created_at ON dial_errors(created_at)`,
}

// applySchema runs every statement in order, failing on the first error.
func applySchema(db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
