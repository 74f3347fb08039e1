package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
)

// Enqueue appends an item to the sync queue.
//
// A missing ID is generated and a zero CreatedAt is set to now. The item is
// validated before it is written; queue order is the order of Enqueue calls.
func (db *DB) Enqueue(ctx context.Context, item *schema.QueueItem) error {
	return enqueue(ctx, db.conn, item)
}

func enqueue(ctx context.Context, ex execer, item *schema.QueueItem) error {
	if item.ID == "" {
		item.ID = schema.NewID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = schema.Millis(time.Now())
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}

	var payload sql.NullString
	if item.Payload != nil {
		data, err := schema.EncodeRecord(item.Payload)
		if err != nil {
			return err
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, created_at, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ex.ExecContext(ctx, query,
		item.ID,
		string(item.EntityType),
		item.EntityID,
		string(item.Operation),
		payload,
		toMillis(item.CreatedAt),
		item.Attempts,
		nullString(item.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s %s: %w", item.Operation, item.EntityType, item.EntityID, err)
	}
	return nil
}

// ListQueue returns every queued item in enqueue order.
func (db *DB) ListQueue(ctx context.Context) ([]*schema.QueueItem, error) {
	query := `
	SELECT id, entity_type, entity_id, operation, payload, created_at, attempts, last_error
	FROM sync_queue
	ORDER BY seq ASC
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var items []*schema.QueueItem
	for rows.Next() {
		var (
			item      schema.QueueItem
			typ, op   string
			payload   sql.NullString
			createdAt int64
			lastError sql.NullString
		)
		if err := rows.Scan(&item.ID, &typ, &item.EntityID, &op, &payload, &createdAt, &item.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.EntityType = schema.EntityType(typ)
		item.Operation = schema.Operation(op)
		item.CreatedAt = fromMillis(createdAt)
		item.LastError = lastError.String
		if payload.Valid {
			rec, err := schema.DecodeRecord(item.EntityType, []byte(payload.String))
			if err != nil {
				return nil, fmt.Errorf("queue item %s: %w", item.ID, err)
			}
			item.Payload = rec
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return items, nil
}

// RemoveQueueItem deletes a queue item after its remote call succeeded.
// Removing an unknown id returns schema.ErrNotFound.
func (db *DB) RemoveQueueItem(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove queue item %s: %w", id, err)
	}
	return expectOne(res, "queue item "+id)
}

// MarkAttempt records a failed attempt: attempts is incremented and
// last_error is set to cause.
func (db *DB) MarkAttempt(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt on queue item %s: %w", id, err)
	}
	return expectOne(res, "queue item "+id)
}

// QueueCount returns the number of queued items.
func (db *DB) QueueCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get queue count: %w", err)
	}
	return count, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, schema.ErrNotFound)
	}
	return nil
}
