package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Drain returns every pending operation in queue order. The queue id is
// authoritative for replay order; created_at is diagnostics only.
func (s *Store) Drain(ctx context.Context) ([]*Operation, error) {
	rows, err := s.conn.QueryContext(ctx, selectOperation+" ORDER BY queue_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// OperationsForRecord returns the pending operations targeting one record,
// in queue order.
func (s *Store) OperationsForRecord(ctx context.Context, localID int64) ([]*Operation, error) {
	rows, err := s.conn.QueryContext(ctx,
		selectOperation+" WHERE target_local_id = ? ORDER BY queue_id ASC", localID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// RemoveOperation deletes a single queue entry after it was applied
// remotely.
func (s *Store) RemoveOperation(ctx context.Context, queueID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, "DELETE FROM op_queue WHERE queue_id = ?", queueID); err != nil {
		return fmt.Errorf("failed to remove operation %d: %w", queueID, err)
	}
	return nil
}

// PendingCount returns the number of queued operations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM op_queue").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

const selectOperation = `
	SELECT queue_id, collection, op_type, target_local_id, target_remote_id,
	       payload, created_at
	FROM op_queue`

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var remoteID, payloadJSON sql.NullString
	var opType, createdAt string

	err := row.Scan(
		&op.QueueID,
		&op.Collection,
		&opType,
		&op.TargetLocalID,
		&remoteID,
		&payloadJSON,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Type = Action(opType)
	op.TargetRemoteID = remoteID.String

	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &op.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation payload: %w", err)
		}
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		op.CreatedAt = t
	}

	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

// enqueueTx appends one operation inside the caller's transaction.
// Delete operations carry no payload.
func enqueueTx(ctx context.Context, tx *sql.Tx, collection string, typ Action, targetLocalID int64, targetRemoteID string, payload map[string]any, now time.Time) error {
	var payloadValue sql.NullString
	if typ != ActionDelete {
		payloadJSON, err := marshalPayload(payload)
		if err != nil {
			return err
		}
		payloadValue = sql.NullString{String: payloadJSON, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO op_queue
			(collection, op_type, target_local_id, target_remote_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		collection, string(typ), targetLocalID, nullIfEmpty(targetRemoteID),
		payloadValue, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", typ, err)
	}
	return nil
}

// operationsForRecordTx is the in-transaction variant used by collapsing.
func operationsForRecordTx(ctx context.Context, tx *sql.Tx, localID int64) ([]*Operation, error) {
	rows, err := tx.QueryContext(ctx,
		selectOperation+" WHERE target_local_id = ? ORDER BY queue_id ASC", localID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}
