package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldstone/casework/internal/entity"
)

// CreateOrUpdate applies a local mutation and enqueues the matching
// operation in one transaction. It always succeeds locally regardless of
// connectivity.
//
// Targeting: localID takes precedence when non-zero; otherwise remoteID
// selects the record; with neither, a new record is created. A remoteID
// with no local row inserts a mirror row for it and queues an update,
// since the row already exists remotely.
//
// Collapsing: an update against a record whose only pending operation is
// an uncommitted create merges into that create's payload in place. There
// is no remote id yet to address an independent update to.
func (s *Store) CreateOrUpdate(ctx context.Context, col *entity.Collection, payload map[string]any, remoteID string, localID int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rec *Record
	switch {
	case localID != 0:
		rec, err = getRecordTx(ctx, tx, " WHERE local_id = ?", localID)
		if err != nil {
			return 0, err
		}
	case remoteID != "":
		rec, err = getRecordTx(ctx, tx, " WHERE collection = ? AND remote_id = ?", col.Name, remoteID)
		if err != nil && err != ErrNotFound {
			return 0, err
		}
	}

	now := time.Now().UTC()
	sanitized := col.Sanitize(payload)

	var id int64
	if rec == nil {
		id, err = s.insertPendingTx(ctx, tx, col, payload, sanitized, remoteID, now)
	} else {
		id = rec.LocalID
		err = s.updatePendingTx(ctx, tx, rec, payload, sanitized, now)
	}
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mutation: %w", err)
	}
	return id, nil
}

// insertPendingTx creates a new mirror row with its queue entry. With a
// known remote id the queued operation is an update; otherwise a create.
func (s *Store) insertPendingTx(ctx context.Context, tx *sql.Tx, col *entity.Collection, payload, sanitized map[string]any, remoteID string, now time.Time) (int64, error) {
	action := ActionCreate
	if remoteID != "" {
		action = ActionUpdate
	}

	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO mirror_records
			(collection, remote_id, payload, has_pending_writes, pending_action, last_local_change)
		VALUES (?, ?, ?, 1, ?, ?)`,
		col.Name, nullIfEmpty(remoteID), payloadJSON, string(action), now.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read local id: %w", err)
	}

	if err := enqueueTx(ctx, tx, col.Name, action, localID, remoteID, sanitized, now); err != nil {
		return 0, err
	}
	return localID, nil
}

// updatePendingTx merges new fields into an existing record and either
// collapses into a pending create or appends an update operation.
func (s *Store) updatePendingTx(ctx context.Context, tx *sql.Tx, rec *Record, payload, sanitized map[string]any, now time.Time) error {
	merged := mergePayloads(rec.Payload, payload)
	mergedJSON, err := marshalPayload(merged)
	if err != nil {
		return err
	}

	ops, err := operationsForRecordTx(ctx, tx, rec.LocalID)
	if err != nil {
		return err
	}

	action := ActionUpdate
	if len(ops) == 1 && ops[0].Type == ActionCreate {
		// Collapse: fold the update into the unsent create.
		opPayload := mergePayloads(ops[0].Payload, sanitized)
		opJSON, err := marshalPayload(opPayload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE op_queue SET payload = ? WHERE queue_id = ?", opJSON, ops[0].QueueID); err != nil {
			return fmt.Errorf("failed to collapse update into create: %w", err)
		}
		action = ActionCreate
	} else {
		if err := enqueueTx(ctx, tx, rec.Collection, ActionUpdate, rec.LocalID, rec.RemoteID, sanitized, now); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mirror_records
		SET payload = ?, has_pending_writes = 1, pending_action = ?, last_local_change = ?
		WHERE local_id = ?`,
		mergedJSON, string(action), now.Format(time.RFC3339), rec.LocalID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

// MarkDeletePending queues a delete for the record, or resolves it purely
// locally when the record's create never reached the server.
//
// Returns collapsed = true when the record and its queue entries were
// removed with no remote call needed.
func (s *Store) MarkDeletePending(ctx context.Context, localID int64) (collapsed bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecordTx(ctx, tx, " WHERE local_id = ?", localID)
	if err != nil {
		return false, err
	}

	if rec.RemoteID == "" {
		// The server never saw this record; drop it and its queue
		// entries without a remote trace.
		if err := purgeRecordTx(ctx, tx, localID); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit delete collapse: %w", err)
		}
		return true, nil
	}

	now := time.Now().UTC()
	if err := enqueueTx(ctx, tx, rec.Collection, ActionDelete, localID, rec.RemoteID, nil, now); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mirror_records
		SET has_pending_writes = 1, pending_action = ?, last_local_change = ?
		WHERE local_id = ?`,
		string(ActionDelete), now.Format(time.RFC3339), localID)
	if err != nil {
		return false, fmt.Errorf("failed to mark delete pending: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return false, nil
}

// CompleteOperation removes a queue entry after its remote call succeeded
// and merges the authoritative row into the record, in one transaction.
//
// When the record has no further queued operations the server row becomes
// the record payload and the pending flags clear. When later operations
// remain, only the remote id is adopted (and backfilled onto those
// operations); the local payload already reflects the later edits and the
// record stays pending until they drain.
func (s *Store) CompleteOperation(ctx context.Context, col *entity.Collection, op *Operation, row map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	remoteID, ok := col.ExtractID(row)
	if !ok {
		return fmt.Errorf("remote row for %s has no %s field", col.Name, col.IDField)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM op_queue WHERE queue_id = ?", op.QueueID); err != nil {
		return fmt.Errorf("failed to remove operation %d: %w", op.QueueID, err)
	}

	remaining, err := operationsForRecordTx(ctx, tx, op.TargetLocalID)
	if err != nil {
		return err
	}

	if len(remaining) == 0 {
		payloadJSON, err := marshalPayload(row)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE mirror_records
			SET remote_id = ?, payload = ?, has_pending_writes = 0,
			    pending_action = NULL, last_local_change = NULL, sync_error = NULL
			WHERE local_id = ?`,
			remoteID, payloadJSON, op.TargetLocalID)
		if err != nil {
			return fmt.Errorf("failed to apply remote result: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE mirror_records
			SET remote_id = ?, pending_action = ?, sync_error = NULL
			WHERE local_id = ?`,
			remoteID, string(remaining[0].Type), op.TargetLocalID)
		if err != nil {
			return fmt.Errorf("failed to adopt remote id: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE op_queue SET target_remote_id = ? WHERE target_local_id = ? AND target_remote_id IS NULL",
			remoteID, op.TargetLocalID)
		if err != nil {
			return fmt.Errorf("failed to backfill queue remote id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit operation completion: %w", err)
	}
	return nil
}

// SetSyncError records the failure message from the last sync attempt.
func (s *Store) SetSyncError(ctx context.Context, localID int64, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx,
		"UPDATE mirror_records SET sync_error = ? WHERE local_id = ?", nullIfEmpty(msg), localID)
	if err != nil {
		return fmt.Errorf("failed to set sync error: %w", err)
	}
	return nil
}

// PurgeRecord removes a record and every queue entry referencing it.
// Used after a confirmed remote delete.
func (s *Store) PurgeRecord(ctx context.Context, localID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := purgeRecordTx(ctx, tx, localID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

func purgeRecordTx(ctx context.Context, tx *sql.Tx, localID int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM op_queue WHERE target_local_id = ?", localID); err != nil {
		return fmt.Errorf("failed to delete queue entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM mirror_records WHERE local_id = ?", localID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func getRecordTx(ctx context.Context, tx *sql.Tx, where string, args ...any) (*Record, error) {
	return scanRecord(tx.QueryRowContext(ctx, selectRecord+where, args...))
}

// mergePayloads shallow-merges b's keys over a. Neither input is mutated.
func mergePayloads(a, b map[string]any) map[string]any {
	merged := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged
}
