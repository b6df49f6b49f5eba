package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldstone/casework/internal/entity"
)

// UpsertFromRemoteSnapshot replaces the collection's clean rows with the
// given authoritative rows.
//
// Rows with pending writes are preserved untouched: a stale or overlapping
// snapshot must never clobber unsent local changes, even when the record
// is absent from the snapshot entirely. Clean rows absent from the
// snapshot are evicted. Rows are deduplicated by remote id, keeping the
// earliest occurrence; duplicates can appear when a snapshot load races a
// sync write-back.
//
// Returns the number of rows applied (inserted or refreshed).
func (s *Store) UpsertFromRemoteSnapshot(ctx context.Context, col *entity.Collection, rows []map[string]any) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[string]bool, len(rows))
	applied := 0

	for _, row := range rows {
		remoteID, ok := col.ExtractID(row)
		if !ok {
			continue
		}
		if seen[remoteID] {
			continue
		}
		seen[remoteID] = true

		existing, err := getRecordTx(ctx, tx, " WHERE collection = ? AND remote_id = ?", col.Name, remoteID)
		if err != nil && err != ErrNotFound {
			return 0, err
		}

		if existing != nil && existing.HasPendingWrites {
			continue
		}

		payloadJSON, err := marshalPayload(row)
		if err != nil {
			return 0, err
		}

		if existing != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE mirror_records
				SET payload = ?, has_pending_writes = 0, pending_action = NULL,
				    last_local_change = NULL, sync_error = NULL
				WHERE local_id = ?`,
				payloadJSON, existing.LocalID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO mirror_records (collection, remote_id, payload, has_pending_writes)
				VALUES (?, ?, ?, 0)`,
				col.Name, remoteID, payloadJSON)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to upsert snapshot row %s: %w", remoteID, err)
		}
		applied++
	}

	if err := evictMissingTx(ctx, tx, col.Name, seen); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return applied, nil
}

// evictMissingTx removes clean rows whose remote id was not in the
// snapshot. Pending rows are never evicted.
func evictMissingTx(ctx context.Context, tx *sql.Tx, collection string, seen map[string]bool) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT local_id, remote_id FROM mirror_records
		WHERE collection = ? AND has_pending_writes = 0 AND remote_id IS NOT NULL`,
		collection)
	if err != nil {
		return fmt.Errorf("failed to query clean rows: %w", err)
	}
	defer rows.Close()

	var evict []int64
	for rows.Next() {
		var localID int64
		var remoteID string
		if err := rows.Scan(&localID, &remoteID); err != nil {
			return fmt.Errorf("failed to scan clean row: %w", err)
		}
		if !seen[remoteID] {
			evict = append(evict, localID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating clean rows: %w", err)
	}

	for _, localID := range evict {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mirror_records WHERE local_id = ?", localID); err != nil {
			return fmt.Errorf("failed to evict record %d: %w", localID, err)
		}
	}
	return nil
}

// SnapshotStats summarizes a collection's mirror state, used by status
// reporting.
type SnapshotStats struct {
	Total   int
	Pending int
	Errored int
}

// Stats returns per-collection mirror counts.
func (s *Store) Stats(ctx context.Context, collection string) (*SnapshotStats, error) {
	var st SnapshotStats
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(has_pending_writes), 0),
		       COALESCE(SUM(CASE WHEN sync_error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM mirror_records WHERE collection = ?`, collection).
		Scan(&st.Total, &st.Pending, &st.Errored)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &st, nil
}
