// Package db is the local store behind the sync engine.
//
// It keeps three kinds of state in one embedded SQLite file:
//
//   - entity tables (workspaces, sessions, inbox_messages, diff_comments),
//     one row per record with the full record serialized in a data column
//   - sync_queue, the durable FIFO of mutations waiting to be pushed
//   - id_map, the local id to cloud id mapping per entity type
//
// Architecture:
//   - Database file: <data dir>/agentdesk.db
//   - WAL mode: readers (status commands, the dashboard) never block a drain
//   - Timestamps are stored as INTEGER milliseconds since the Unix epoch
//
// Every read goes to SQLite. Nothing is cached in memory, so a crash in the
// middle of a drain neither loses nor duplicates queue entries.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// ErrCloudIDConflict is returned when a mapping would assign a second cloud
// id to a local entity, or reuse a cloud id for a different local entity.
var ErrCloudIDConflict = errors.New("cloud id already recorded")

// DB wraps the SQLite connection holding the local store.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. The schema is not created;
// call InitSchema before use.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "agentdesk.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so they apply to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,  -- create, update, delete
		payload TEXT,             -- JSON record, NULL for bare deletes
		created_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS id_map (
		entity_type TEXT NOT NULL,
		local_id TEXT NOT NULL,
		cloud_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (entity_type, local_id),
		UNIQUE (entity_type, cloud_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);
	`
	for _, t := range schema.EntityTypes {
		table := tableFor(t)
		ddl += fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		local_id TEXT PRIMARY KEY,
		cloud_id TEXT,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_cloud ON %[1]s(cloud_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(sync_status);
	`, table)
	}

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func tableFor(t schema.EntityType) string {
	switch t {
	case schema.EntityWorkspace:
		return "workspaces"
	case schema.EntitySession:
		return "sessions"
	case schema.EntityInboxMessage:
		return "inbox_messages"
	case schema.EntityComment:
		return "diff_comments"
	}
	return ""
}

func table(t schema.EntityType) (string, error) {
	name := tableFor(t)
	if name == "" {
		return "", fmt.Errorf("unknown entity type %q", t)
	}
	return name, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
