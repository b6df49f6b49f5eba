package dashboard

import (
	"context"
	"time"

	"github.com/fieldstone/casework/internal/engine"
	"github.com/fieldstone/casework/internal/netmon"
	"github.com/fieldstone/casework/internal/store"
)

// Attach wires the engine's live views and the network monitor into the
// server's broadcast stream. Every committed write produces a
// record_update plus a queue_depth message; connectivity transitions
// produce connectivity messages.
//
// The returned function detaches everything. Monitor may be nil.
func Attach(ctx context.Context, srv *Server, eng *engine.Engine, collections []string, mon *netmon.Monitor) (func(), error) {
	var cancels []func()
	detach := func() {
		for _, cancel := range cancels {
			cancel()
		}
	}

	for _, collection := range collections {
		name := collection
		unsubscribe, err := eng.Subscribe(ctx, name, func(records []*store.Record) {
			srv.Broadcast(MessageTypeRecordUpdate, RecordUpdateData{
				Collection: name,
				Visible:    len(records),
			})
			if pending, err := eng.PendingOperationCount(ctx); err == nil {
				srv.Broadcast(MessageTypeQueueDepth, QueueDepthData{Pending: pending})
			}
		})
		if err != nil {
			detach()
			return nil, err
		}
		cancels = append(cancels, unsubscribe)
	}

	if mon != nil {
		cancels = append(cancels, mon.Subscribe(func(online bool) {
			srv.Broadcast(MessageTypeConnectivity, ConnectivityData{Online: online})
		}))
	}

	return detach, nil
}

// PublishSyncResult broadcasts the outcome of one sync pass.
func PublishSyncResult(srv *Server, result *engine.SyncResult, elapsed time.Duration) {
	srv.Broadcast(MessageTypeSyncComplete, SyncCompleteData{
		Synced:   result.Synced,
		Errors:   len(result.Errors),
		Duration: elapsed.Round(time.Millisecond).String(),
	})
}
