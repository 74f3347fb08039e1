package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// ResolveCloudID looks up the cloud id recorded for a local entity.
func (db *DB) ResolveCloudID(ctx context.Context, t schema.EntityType, localID string) (string, bool, error) {
	var cloudID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT cloud_id FROM id_map WHERE entity_type = ? AND local_id = ?`,
		string(t), localID,
	).Scan(&cloudID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve cloud id for %s %s: %w", t, localID, err)
	}
	return cloudID, true, nil
}

// ResolveLocalID is the reverse lookup used when folding remote records.
func (db *DB) ResolveLocalID(ctx context.Context, t schema.EntityType, cloudID string) (string, bool, error) {
	var localID string
	err := db.conn.QueryRowContext(ctx,
		`SELECT local_id FROM id_map WHERE entity_type = ? AND cloud_id = ?`,
		string(t), cloudID,
	).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve local id for %s %s: %w", t, cloudID, err)
	}
	return localID, true, nil
}

// RecordCloudID stores the mapping for a local entity and stamps the cloud id
// on its row.
//
// Recording the same pair again is a no-op. Recording a different cloud id
// for an already mapped entity, or a cloud id that already belongs to another
// local entity, fails with ErrCloudIDConflict.
func (db *DB) RecordCloudID(ctx context.Context, t schema.EntityType, localID, cloudID string) error {
	tbl, err := table(t)
	if err != nil {
		return err
	}
	if localID == "" || cloudID == "" {
		return fmt.Errorf("local id and cloud id are required")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT cloud_id FROM id_map WHERE entity_type = ? AND local_id = ?`,
		string(t), localID,
	).Scan(&existing)
	switch {
	case err == nil && existing == cloudID:
		return nil
	case err == nil:
		return fmt.Errorf("%s %s is mapped to %s, refusing %s: %w", t, localID, existing, cloudID, ErrCloudIDConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to read id map: %w", err)
	}

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT local_id FROM id_map WHERE entity_type = ? AND cloud_id = ?`,
		string(t), cloudID,
	).Scan(&owner)
	switch {
	case err == nil:
		return fmt.Errorf("%s cloud id %s belongs to %s, refusing %s: %w", t, cloudID, owner, localID, ErrCloudIDConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to read id map: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO id_map (entity_type, local_id, cloud_id, created_at) VALUES (?, ?, ?, ?)`,
		string(t), localID, cloudID, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record cloud id for %s %s: %w", t, localID, err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET cloud_id = ? WHERE local_id = ?`, tbl),
		cloudID, localID,
	); err != nil {
		return fmt.Errorf("failed to stamp cloud id on %s %s: %w", t, localID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MappingCount returns the number of id_map entries for t.
func (db *DB) MappingCount(ctx context.Context, t schema.EntityType) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM id_map WHERE entity_type = ?`, string(t)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s mappings: %w", t, err)
	}
	return count, nil
}
