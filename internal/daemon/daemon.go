// Package daemon provides the background sync daemon.
//
// The daemon:
// 1. Watches an inbox directory for mutation envelopes from other local apps
// 2. Applies envelopes to the engine and archives them
// 3. Periodically runs a sync pass against the backend
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldstone/casework/internal/engine"
)

// Envelope is one mutation dropped into the inbox by another local
// program. The daemon applies it exactly as if the caller had used the
// engine API directly.
type Envelope struct {
	// Collection names the entity table.
	Collection string `json:"collection"`

	// Action is "create_or_update" or "delete".
	Action string `json:"action"`

	// RemoteID targets an existing synced record; empty creates one.
	RemoteID string `json:"remote_id,omitempty"`

	// Payload holds the fields to write. Ignored for deletes.
	Payload map[string]any `json:"payload,omitempty"`
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a background sync pass.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait before processing inbox
	// files. This batches rapid drops together and lets writers finish.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon watches the inbox and keeps the backlog draining.
type Daemon struct {
	engine   *engine.Engine
	inboxDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> queued at
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon applying inbox envelopes through eng.
//
// Processed envelopes move to inboxDir/processed; malformed ones move to
// inboxDir/failed so a bad file cannot wedge the inbox.
func New(eng *engine.Engine, inboxDir string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if inboxDir == "" {
		return nil, fmt.Errorf("inboxDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:      eng,
		inboxDir:    inboxDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon drains any envelopes already sitting in the inbox, then
// watches for new ones and syncs on a timer. Blocks until ctx is
// cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	for _, sub := range []string{"processed", "failed"} {
		if err := os.MkdirAll(filepath.Join(d.inboxDir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	// Catch up on envelopes dropped while the daemon was down.
	if err := d.drainInbox(); err != nil {
		return fmt.Errorf("initial inbox drain failed: %w", err)
	}

	if err := d.watcher.Add(d.inboxDir); err != nil {
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.inboxDir)

	d.wg.Add(3)
	go d.watchInboxEvents()
	go d.processChangeQueue()
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// drainInbox applies every envelope currently in the inbox.
func (d *Daemon) drainInbox() error {
	entries, err := os.ReadDir(d.inboxDir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		d.applyEnvelopeFile(filepath.Join(d.inboxDir, entry.Name()))
	}
	return nil
}

// watchInboxEvents monitors filesystem events and queues envelopes.
func (d *Daemon) watchInboxEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if filepath.Dir(event.Name) != d.inboxDir {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds an envelope to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue applies queued envelopes once they settle.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges applies envelopes that have been queued for long
// enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		d.applyEnvelopeFile(path)
	}
}

// applyEnvelopeFile reads, applies, and archives one envelope.
func (d *Daemon) applyEnvelopeFile(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		d.config.Logger.Printf("Error reading envelope %s: %v", path, err)
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.config.Logger.Printf("Malformed envelope %s: %v", path, err)
		d.archive(path, "failed")
		return
	}

	if err := d.apply(&env); err != nil {
		d.config.Logger.Printf("Error applying envelope %s: %v", path, err)
		d.archive(path, "failed")
		return
	}

	d.config.Logger.Printf("Applied %s envelope for %s", env.Action, env.Collection)
	d.archive(path, "processed")
}

// apply executes one envelope against the engine.
func (d *Daemon) apply(env *Envelope) error {
	switch env.Action {
	case "create_or_update":
		_, err := d.engine.CreateOrUpdate(d.ctx, env.Collection, env.Payload, env.RemoteID, 0)
		return err
	case "delete":
		if env.RemoteID == "" {
			return fmt.Errorf("delete envelope requires remote_id")
		}
		_, err := d.engine.DeleteNow(d.ctx, env.Collection, env.RemoteID, 0)
		return err
	default:
		return fmt.Errorf("unknown envelope action %q", env.Action)
	}
}

// archive moves a processed envelope out of the inbox.
func (d *Daemon) archive(path, subdir string) {
	dest := filepath.Join(d.inboxDir, subdir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		d.config.Logger.Printf("Error archiving %s: %v", path, err)
	}
}

// syncLoop periodically drains the operation queue.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			result, err := d.engine.RunSync(d.ctx, nil)
			if err != nil {
				d.config.Logger.Printf("Sync error: %v", err)
				continue
			}
			if result.Synced > 0 || len(result.Errors) > 0 {
				d.config.Logger.Printf("Sync pass: %d synced, %d error(s)", result.Synced, len(result.Errors))
			}
		}
	}
}
