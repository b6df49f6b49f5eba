package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldstone/casework/internal/entity"
	"github.com/fieldstone/casework/internal/remote"
	"github.com/fieldstone/casework/internal/store"
)

// SyncError describes one operation the backend rejected.
type SyncError struct {
	Collection string
	LocalID    int64
	RemoteID   string
	Op         store.Action
	Message    string
}

// SyncResult summarizes one drain of the operation queue.
type SyncResult struct {
	// Synced counts operations confirmed by the backend.
	Synced int
	// Errors holds the rejection that halted the drain, when any.
	// Replay is strictly ordered, so at most one entry.
	Errors []SyncError
}

// ProgressFunc receives (done, total) after each confirmed operation.
type ProgressFunc func(done, total int)

// syncCall lets concurrent RunSync callers share one drain's outcome.
type syncCall struct {
	done   chan struct{}
	result *SyncResult
	err    error
}

// RunSync drains the operation queue against the backend in queue order.
//
// Offline is not an error: the queue is left intact and an empty result
// returns. A backend rejection halts the drain at the failing operation,
// annotates its record with the failure, and reports it in the result;
// everything already confirmed stays confirmed. Only local storage
// failures surface as a Go error.
//
// Re-entrant calls join the in-flight drain and receive its result
// rather than starting a second one.
func (e *Engine) RunSync(ctx context.Context, onProgress ProgressFunc) (*SyncResult, error) {
	e.syncMu.Lock()
	if e.inflight != nil {
		call := e.inflight
		e.syncMu.Unlock()
		<-call.done
		return call.result, call.err
	}
	call := &syncCall{done: make(chan struct{})}
	e.inflight = call
	e.syncMu.Unlock()

	call.result, call.err = e.drain(ctx, onProgress)
	close(call.done)

	e.syncMu.Lock()
	e.inflight = nil
	e.syncMu.Unlock()

	return call.result, call.err
}

func (e *Engine) drain(ctx context.Context, onProgress ProgressFunc) (*SyncResult, error) {
	result := &SyncResult{}

	if !e.isOnline(ctx) {
		e.logger.Printf("sync skipped: offline")
		return result, nil
	}

	ops, err := e.store.Drain(ctx)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return result, nil
	}

	e.logger.Printf("syncing %d pending operation(s)", len(ops))
	touched := make(map[string]bool)

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		col, err := e.lookup(op.Collection)
		if err != nil {
			return nil, err
		}

		rec, err := e.store.GetByLocalID(ctx, op.TargetLocalID)
		if errors.Is(err, store.ErrNotFound) {
			// Orphaned entry; the record was purged out from under it.
			e.logger.Printf("dropping orphaned %s operation %d", op.Type, op.QueueID)
			if err := e.store.RemoveOperation(ctx, op.QueueID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		opErr := e.replay(ctx, col, op, rec)
		if opErr != nil {
			msg := opErr.Error()
			if err := e.store.SetSyncError(ctx, op.TargetLocalID, msg); err != nil {
				return nil, err
			}
			result.Errors = append(result.Errors, SyncError{
				Collection: op.Collection,
				LocalID:    op.TargetLocalID,
				RemoteID:   rec.RemoteID,
				Op:         op.Type,
				Message:    msg,
			})
			e.logger.Printf("sync halted at operation %d (%s %s): %v", op.QueueID, op.Type, op.Collection, opErr)
			break
		}

		result.Synced++
		touched[op.Collection] = true
		if onProgress != nil {
			onProgress(i+1, len(ops))
		}
	}

	for collection := range touched {
		e.notify(ctx, collection)
	}

	e.logger.Printf("sync finished: %d synced, %d error(s)", result.Synced, len(result.Errors))
	return result, nil
}

// replay applies one operation remotely and records the confirmation.
func (e *Engine) replay(ctx context.Context, col *entity.Collection, op *store.Operation, rec *store.Record) error {
	switch op.Type {
	case store.ActionCreate:
		row, err := e.remote.Insert(ctx, col.Name, op.Payload)
		if err != nil {
			return err
		}
		return e.store.CompleteOperation(ctx, col, op, row)

	case store.ActionUpdate:
		remoteID := op.TargetRemoteID
		if remoteID == "" {
			// The create that preceded this update synced after the
			// operation was enqueued; the record knows the id now.
			remoteID = rec.RemoteID
		}
		if remoteID == "" {
			return fmt.Errorf("update for %s record %d has no remote id", col.Name, rec.LocalID)
		}
		row, err := e.remote.UpdateByID(ctx, col.Name, remoteID, op.Payload)
		if err != nil {
			return err
		}
		return e.store.CompleteOperation(ctx, col, op, row)

	case store.ActionDelete:
		err := e.remote.DeleteByID(ctx, col.Name, op.TargetRemoteID)
		if err != nil && !remote.IsNotFound(err) {
			return err
		}
		// Purging removes the record and its queue entries together.
		return e.store.PurgeRecord(ctx, op.TargetLocalID)

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// RefreshSnapshot replaces every collection's clean mirror rows with the
// backend's current listing. Pending local edits survive untouched.
func (e *Engine) RefreshSnapshot(ctx context.Context) error {
	for _, name := range e.registry.Names() {
		col, _ := e.registry.Lookup(name)

		rows, err := e.remote.ListAll(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", name, err)
		}
		applied, err := e.store.UpsertFromRemoteSnapshot(ctx, col, rows)
		if err != nil {
			return err
		}
		e.logger.Printf("refreshed %s: %d row(s)", name, applied)
		e.notify(ctx, name)
	}
	return nil
}

// Reconnect is the offline-to-online transition: pull a fresh snapshot,
// then push the backlog.
func (e *Engine) Reconnect(ctx context.Context) (*SyncResult, error) {
	if err := e.RefreshSnapshot(ctx); err != nil {
		return nil, err
	}
	return e.RunSync(ctx, nil)
}
