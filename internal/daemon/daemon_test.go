package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldstone/casework/internal/engine"
	"github.com/fieldstone/casework/internal/entity"
	"github.com/fieldstone/casework/internal/store"
)

// memRemote is a minimal in-memory backend for daemon tests.
type memRemote struct {
	mu     sync.Mutex
	rows   map[string]map[string]any
	nextID int
}

func (m *memRemote) ListAll(ctx context.Context, collection string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out, nil
}

func (m *memRemote) Insert(ctx context.Context, collection string, payload map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("r-%d", m.nextID)
	row := map[string]any{"id": id}
	for k, v := range payload {
		row[k] = v
	}
	if m.rows == nil {
		m.rows = make(map[string]map[string]any)
	}
	m.rows[id] = row
	return row, nil
}

func (m *memRemote) UpdateByID(ctx context.Context, collection, id string, payload map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	for k, v := range payload {
		row[k] = v
	}
	return row, nil
}

func (m *memRemote) DeleteByID(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func setupDaemon(t *testing.T) (*Daemon, *engine.Engine, string) {
	t.Helper()

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	reg, err := entity.NewRegistry(entity.Collection{Name: "cases"})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	eng, err := engine.New(engine.Options{
		Store:    s,
		Remote:   &memRemote{},
		Registry: reg,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	inbox := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(inbox, 0755); err != nil {
		t.Fatalf("failed to create inbox: %v", err)
	}

	d, err := New(eng, inbox, &Config{
		SyncInterval:     time.Hour,
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	return d, eng, inbox
}

func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Start(ctx); err != nil {
			t.Errorf("daemon exited with error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForRecords(t *testing.T, eng *engine.Engine, want int) []*store.Record {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		records, err := eng.Records(context.Background(), "cases")
		if err != nil {
			t.Fatalf("Records failed: %v", err)
		}
		if len(records) == want {
			return records
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d records, still have %d", want, len(records))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("file %s never appeared", path)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonAppliesDroppedEnvelope(t *testing.T) {
	d, eng, inbox := setupDaemon(t)
	startDaemon(t, d)

	envelope := `{"collection": "cases", "action": "create_or_update", "payload": {"name": "Alma"}}`
	if err := os.WriteFile(filepath.Join(inbox, "new-case.json"), []byte(envelope), 0644); err != nil {
		t.Fatalf("failed to drop envelope: %v", err)
	}

	records := waitForRecords(t, eng, 1)
	if records[0].Payload["name"] != "Alma" {
		t.Errorf("unexpected payload: %v", records[0].Payload)
	}
	waitForFile(t, filepath.Join(inbox, "processed", "new-case.json"))
}

func TestDaemonDrainsInboxOnStartup(t *testing.T) {
	d, eng, inbox := setupDaemon(t)

	// Dropped while the daemon was down.
	envelope := `{"collection": "cases", "action": "create_or_update", "payload": {"name": "Basil"}}`
	if err := os.WriteFile(filepath.Join(inbox, "backlog.json"), []byte(envelope), 0644); err != nil {
		t.Fatalf("failed to drop envelope: %v", err)
	}

	startDaemon(t, d)
	waitForRecords(t, eng, 1)
	waitForFile(t, filepath.Join(inbox, "processed", "backlog.json"))
}

func TestDaemonQuarantinesMalformedEnvelope(t *testing.T) {
	d, eng, inbox := setupDaemon(t)
	startDaemon(t, d)

	if err := os.WriteFile(filepath.Join(inbox, "garbage.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to drop envelope: %v", err)
	}

	waitForFile(t, filepath.Join(inbox, "failed", "garbage.json"))
	records, err := eng.Records(context.Background(), "cases")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("malformed envelope must not create records, got %d", len(records))
	}
}
