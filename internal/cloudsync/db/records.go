package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// UpsertRecord inserts or replaces the local row for rec.
//
// The full record is stored as JSON; the meta columns are kept alongside for
// queries. A cloud id already stamped on the row is never overwritten. An
// empty SyncStatus is stored as pending.
func (db *DB) UpsertRecord(ctx context.Context, rec schema.Record) error {
	return upsertRecord(ctx, db.conn, rec)
}

// SaveAndEnqueue upserts rec and appends item to the sync queue in one
// transaction: either both are written or neither is.
func (db *DB) SaveAndEnqueue(ctx context.Context, rec schema.Record, item *schema.QueueItem) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := enqueue(ctx, tx, item); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s %s: %w", rec.EntityType(), rec.SyncMeta().LocalID, err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRecord(ctx context.Context, ex execer, rec schema.Record) error {
	tbl, err := table(rec.EntityType())
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", rec.EntityType(), err)
	}
	meta := rec.SyncMeta()
	status := meta.SyncStatus
	if status == "" {
		status = schema.StatusPending
	}

	data, err := schema.EncodeRecord(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (local_id, cloud_id, updated_at, deleted_at, sync_status, data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		cloud_id = COALESCE(cloud_id, excluded.cloud_id),
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		sync_status = excluded.sync_status,
		data = excluded.data
	`, tbl)

	_, err = ex.ExecContext(ctx, query,
		meta.LocalID,
		nullString(meta.CloudID),
		toMillis(meta.UpdatedAt),
		nullMillis(meta.DeletedAt),
		string(status),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.EntityType(), meta.LocalID, err)
	}
	return nil
}

// GetRecord loads one record by local id. Tombstones are returned like any
// other row. A missing row returns schema.ErrNotFound.
func (db *DB) GetRecord(ctx context.Context, t schema.EntityType, localID string) (schema.Record, error) {
	tbl, err := table(t)
	if err != nil {
		return nil, err
	}
	row := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT local_id, cloud_id, updated_at, deleted_at, sync_status, data FROM %s WHERE local_id = ?`, tbl),
		localID,
	)
	rec, err := scanRecord(t, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", t, localID, schema.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords returns every record of type t, tombstones included, oldest
// first.
func (db *DB) ListRecords(ctx context.Context, t schema.EntityType) ([]schema.Record, error) {
	tbl, err := table(t)
	if err != nil {
		return nil, err
	}
	return db.queryRecords(ctx, t, fmt.Sprintf(`
	SELECT local_id, cloud_id, updated_at, deleted_at, sync_status, data
	FROM %s
	ORDER BY updated_at ASC, local_id ASC
	`, tbl))
}

// ListUnmapped returns live records of type t with no id_map entry: the
// records a bootstrap has to push. Tombstones that never reached the cloud
// are skipped.
func (db *DB) ListUnmapped(ctx context.Context, t schema.EntityType) ([]schema.Record, error) {
	tbl, err := table(t)
	if err != nil {
		return nil, err
	}
	return db.queryRecords(ctx, t, fmt.Sprintf(`
	SELECT e.local_id, e.cloud_id, e.updated_at, e.deleted_at, e.sync_status, e.data
	FROM %s e
	WHERE e.deleted_at IS NULL
	  AND NOT EXISTS (
		SELECT 1 FROM id_map m WHERE m.entity_type = ? AND m.local_id = e.local_id
	  )
	ORDER BY e.updated_at ASC, e.local_id ASC
	`, tbl), string(t))
}

// MarkSynced flips a row to synced if it still holds the version that was
// pushed. A row edited again since then stays pending.
func (db *DB) MarkSynced(ctx context.Context, rec schema.Record) error {
	tbl, err := table(rec.EntityType())
	if err != nil {
		return err
	}
	meta := rec.SyncMeta()
	_, err = db.conn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE local_id = ? AND updated_at = ?`, tbl),
		string(schema.StatusSynced), meta.LocalID, toMillis(meta.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", rec.EntityType(), meta.LocalID, err)
	}
	return nil
}

// RecordCount returns the number of rows of type t and how many of them are
// still pending.
func (db *DB) RecordCount(ctx context.Context, t schema.EntityType) (total, pending int, err error) {
	tbl, err := table(t)
	if err != nil {
		return 0, 0, err
	}
	err = db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN sync_status != 'synced' THEN 1 ELSE 0 END), 0) FROM %s`, tbl),
	).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count %s records: %w", t, err)
	}
	return total, pending, nil
}

func (db *DB) queryRecords(ctx context.Context, t schema.EntityType, query string, args ...any) ([]schema.Record, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", t, err)
	}
	defer rows.Close()

	var recs []schema.Record
	for rows.Next() {
		rec, err := scanRecord(t, rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", t, err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes the data column and overlays the meta columns, which are
// authoritative.
func scanRecord(t schema.EntityType, row scanner) (schema.Record, error) {
	var (
		localID   string
		cloudID   sql.NullString
		updatedAt int64
		deletedAt sql.NullInt64
		status    string
		data      string
	)
	if err := row.Scan(&localID, &cloudID, &updatedAt, &deletedAt, &status, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan %s: %w", t, err)
	}

	rec, err := schema.DecodeRecord(t, []byte(data))
	if err != nil {
		return nil, err
	}
	meta := rec.SyncMeta()
	meta.LocalID = localID
	meta.CloudID = cloudID.String
	meta.UpdatedAt = fromMillis(updatedAt)
	meta.DeletedAt = nil
	if deletedAt.Valid {
		d := fromMillis(deletedAt.Int64)
		meta.DeletedAt = &d
	}
	meta.SyncStatus = schema.SyncStatus(status)
	return rec, nil
}
