// Package engine coordinates the local mirror, the operation queue, and
// the remote backend into the offline-first write path.
//
// All mutations land locally first and enqueue a replay operation; sync
// drains the queue against the backend in insertion order. Reads are
// served from the mirror through live views that re-emit after every
// committed local write and after every sync.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fieldstone/casework/internal/entity"
	"github.com/fieldstone/casework/internal/remote"
	"github.com/fieldstone/casework/internal/store"
)

// Engine is the sync coordinator. Safe for concurrent use.
type Engine struct {
	store    *store.Store
	remote   remote.Store
	registry *entity.Registry
	logger   *log.Logger

	// online reports current connectivity. Nil means assume online;
	// replaying against a dead backend just fails the first operation.
	online func(ctx context.Context) bool

	// syncMu guards inflight. A RunSync arriving while one is already
	// draining joins it instead of starting a second drain.
	syncMu   sync.Mutex
	inflight *syncCall

	subMu     sync.Mutex
	subs      map[int]*subscription
	nextSubID int
}

// Options configures an Engine.
type Options struct {
	Store    *store.Store
	Remote   remote.Store
	Registry *entity.Registry

	// Online reports connectivity; nil assumes always online.
	Online func(ctx context.Context) bool

	// Logger receives sync diagnostics. Defaults to stderr.
	Logger *log.Logger
}

// New creates an engine from the given options.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Remote == nil || opts.Registry == nil {
		return nil, fmt.Errorf("store, remote, and registry are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:    opts.Store,
		remote:   opts.Remote,
		registry: opts.Registry,
		logger:   logger,
		online:   opts.Online,
		subs:     make(map[int]*subscription),
	}, nil
}

// isOnline is nil-safe connectivity.
func (e *Engine) isOnline(ctx context.Context) bool {
	if e.online == nil {
		return true
	}
	return e.online(ctx)
}

func (e *Engine) lookup(collection string) (*entity.Collection, error) {
	col, ok := e.registry.Lookup(collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return col, nil
}

// CreateOrUpdate applies a mutation locally and queues it for replay.
// It succeeds regardless of connectivity.
//
// Targeting mirrors the read path: a non-zero localID addresses an
// existing mirror row, a remoteID addresses a synced row, and neither
// creates a new record. Returns the record's local id.
func (e *Engine) CreateOrUpdate(ctx context.Context, collection string, payload map[string]any, remoteID string, localID int64) (int64, error) {
	col, err := e.lookup(collection)
	if err != nil {
		return 0, err
	}

	id, err := e.store.CreateOrUpdate(ctx, col, payload, remoteID, localID)
	if err != nil {
		return 0, err
	}

	e.notify(ctx, collection)
	return id, nil
}

// DeleteResult reports how a delete was carried out.
type DeleteResult struct {
	// Success is false only when the backend actively rejected the delete.
	Success bool
	// Queued is true when the delete awaits the next sync.
	Queued bool
}

// DeleteNow deletes a record, preferring an immediate remote call.
//
// Offline, or for a record the server never saw, the delete resolves
// locally: an unsynced create simply vanishes along with its queue
// entries, and a synced record gets a queued delete. Online, the backend
// is called directly; a 404 counts as success since the row is already
// gone. A connection failure mid-call falls back to queueing.
func (e *Engine) DeleteNow(ctx context.Context, collection, remoteID string, localID int64) (*DeleteResult, error) {
	col, err := e.lookup(collection)
	if err != nil {
		return nil, err
	}

	rec, err := e.resolveRecord(ctx, col, remoteID, localID)
	if err != nil {
		return nil, err
	}

	if rec.RemoteID != "" && e.isOnline(ctx) {
		err := e.remote.DeleteByID(ctx, col.Name, rec.RemoteID)
		switch {
		case err == nil, remote.IsNotFound(err):
			if err := e.store.PurgeRecord(ctx, rec.LocalID); err != nil {
				return nil, err
			}
			e.notify(ctx, collection)
			return &DeleteResult{Success: true}, nil
		case isRejection(err):
			return &DeleteResult{}, fmt.Errorf("remote delete rejected: %w", err)
		default:
			e.logger.Printf("immediate delete of %s/%s failed, queueing: %v", col.Name, rec.RemoteID, err)
		}
	}

	collapsed, err := e.store.MarkDeletePending(ctx, rec.LocalID)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, collection)
	return &DeleteResult{Success: true, Queued: !collapsed}, nil
}

// resolveRecord finds the mirror row a caller addressed.
func (e *Engine) resolveRecord(ctx context.Context, col *entity.Collection, remoteID string, localID int64) (*store.Record, error) {
	if localID != 0 {
		return e.store.GetByLocalID(ctx, localID)
	}
	if remoteID != "" {
		return e.store.GetByRemoteID(ctx, col.Name, remoteID)
	}
	return nil, fmt.Errorf("delete requires a local or remote id")
}

// isRejection reports whether err is the backend refusing the request,
// as opposed to the request never arriving.
func isRejection(err error) bool {
	var apiErr *remote.APIError
	return errors.As(err, &apiErr)
}

// PendingOperationCount returns the number of operations awaiting sync.
func (e *Engine) PendingOperationCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// Records returns the live-view snapshot of a collection: every mirror
// row except those pending deletion, which callers must not see resurface
// before the delete drains.
func (e *Engine) Records(ctx context.Context, collection string) ([]*store.Record, error) {
	if _, err := e.lookup(collection); err != nil {
		return nil, err
	}
	all, err := e.store.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	visible := make([]*store.Record, 0, len(all))
	for _, rec := range all {
		if rec.PendingAction == store.ActionDelete {
			continue
		}
		visible = append(visible, rec)
	}
	return visible, nil
}

type subscription struct {
	collection string
	fn         func([]*store.Record)
}

// Subscribe registers a live view over one collection. The callback fires
// immediately with the current snapshot and again after every committed
// write that touches the collection. The returned function cancels the
// subscription; calling it more than once is harmless.
func (e *Engine) Subscribe(ctx context.Context, collection string, fn func([]*store.Record)) (func(), error) {
	records, err := e.Records(ctx, collection)
	if err != nil {
		return nil, err
	}

	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = &subscription{collection: collection, fn: fn}
	e.subMu.Unlock()

	fn(records)

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}, nil
}

// notify re-emits the collection snapshot to its subscribers. Callbacks
// run synchronously after the commit so a subscriber never observes the
// pre-write state after being told about the write.
func (e *Engine) notify(ctx context.Context, collection string) {
	e.subMu.Lock()
	var fns []func([]*store.Record)
	for _, sub := range e.subs {
		if sub.collection == collection {
			fns = append(fns, sub.fn)
		}
	}
	e.subMu.Unlock()

	if len(fns) == 0 {
		return
	}

	records, err := e.Records(ctx, collection)
	if err != nil {
		e.logger.Printf("failed to build %s snapshot for subscribers: %v", collection, err)
		return
	}
	for _, fn := range fns {
		fn(records)
	}
}
