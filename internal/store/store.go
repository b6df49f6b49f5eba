// Package store provides the embedded SQLite persistence layer for the
// sync engine: the local mirror of remote entity rows plus the durable
// queue of pending operations.
//
// Both live in one database file so that a mutation and its queue entry
// commit in a single transaction. A record is never left with pending
// writes and no queue entry, or the reverse; a crash between the two
// cannot occur.
//
// The database runs in embedded mode with WAL enabled for concurrent
// reads during writes. A store-level write mutex serializes mutating
// transactions: exactly one writer at a time.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by point lookups when no record matches.
var ErrNotFound = errors.New("record not found")

// Action is the nature of an outstanding local write.
type Action string

const (
	// ActionCreate marks a record that has never reached the server.
	ActionCreate Action = "create"
	// ActionUpdate marks a record with unsent field changes.
	ActionUpdate Action = "update"
	// ActionDelete marks a record awaiting remote deletion.
	ActionDelete Action = "delete"
)

// Record is the local copy of one remote entity row plus sync metadata.
type Record struct {
	// LocalID is the client-assigned surrogate key. It is stable for the
	// record's local lifetime and never sent remotely.
	LocalID int64

	// Collection names the entity table this record belongs to.
	Collection string

	// RemoteID is empty until a successful create sync assigns one.
	RemoteID string

	// Payload holds the domain fields, opaque to the sync engine.
	Payload map[string]any

	// HasPendingWrites is true while any queue entry targets this record.
	HasPendingWrites bool

	// PendingAction is the nature of the outstanding write, empty when clean.
	PendingAction Action

	// LastLocalChange is when the most recent local mutation happened.
	LastLocalChange time.Time

	// SyncError carries the message from the last failed sync attempt.
	SyncError string
}

// Operation is one pending mutation in the queue.
type Operation struct {
	// QueueID is the monotonically increasing insertion key. It alone
	// defines replay order; CreatedAt is diagnostics only.
	QueueID int64

	Collection string
	Type       Action

	// TargetLocalID is the mirror record this operation applies to.
	TargetLocalID int64

	// TargetRemoteID is empty until the target's create has synced.
	TargetRemoteID string

	// Payload is the sanitized field snapshot to send remotely.
	Payload map[string]any

	CreatedAt time.Time
}

// Store wraps the SQLite connection holding the mirror and the queue.
type Store struct {
	conn *sql.DB
	path string

	// writeMu serializes mutating transactions.
	writeMu sync.Mutex
}

// Open creates or opens the store database at the given path.
//
// The caller must call Close when done. InitSchema must be called before
// any other operation on a fresh database.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the mirror, queue, and client-info tables along with
// their indexes. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mirror_records (
		local_id           INTEGER PRIMARY KEY AUTOINCREMENT,
		collection         TEXT NOT NULL,
		remote_id          TEXT,
		payload            TEXT NOT NULL DEFAULT '{}',
		has_pending_writes INTEGER NOT NULL DEFAULT 0,
		pending_action     TEXT CHECK (pending_action IN ('create','update','delete')),
		last_local_change  TEXT,
		sync_error         TEXT
	);

	-- Secondary index on remote id; the partial uniqueness also enforces
	-- one local row per remote row.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mirror_remote
	    ON mirror_records(collection, remote_id) WHERE remote_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_mirror_pending
	    ON mirror_records(collection, has_pending_writes);

	CREATE TABLE IF NOT EXISTS op_queue (
		queue_id         INTEGER PRIMARY KEY AUTOINCREMENT,
		collection       TEXT NOT NULL,
		op_type          TEXT NOT NULL CHECK (op_type IN ('create','update','delete')),
		target_local_id  INTEGER NOT NULL,
		target_remote_id TEXT,
		payload          TEXT,
		created_at       TEXT NOT NULL,
		FOREIGN KEY (target_local_id) REFERENCES mirror_records(local_id)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_target ON op_queue(target_local_id);

	CREATE TABLE IF NOT EXISTS client_info (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		source_id  TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// SourceID returns the persisted identifier for this client installation,
// generating one on first call.
func (s *Store) SourceID(ctx context.Context) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx, "SELECT source_id FROM client_info WHERE id = 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		id = uuid.New().String()
		_, err = s.conn.ExecContext(ctx,
			"INSERT INTO client_info (id, source_id, created_at) VALUES (1, ?, ?)",
			id, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return "", fmt.Errorf("failed to persist source id: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query source id: %w", err)
	}
	return id, nil
}

// GetByLocalID retrieves a record by its surrogate key.
// Returns ErrNotFound if no record matches.
func (s *Store) GetByLocalID(ctx context.Context, localID int64) (*Record, error) {
	row := s.conn.QueryRowContext(ctx, selectRecord+" WHERE local_id = ?", localID)
	return scanRecord(row)
}

// GetByRemoteID retrieves a record by its server-assigned id.
// Returns ErrNotFound if no record matches.
func (s *Store) GetByRemoteID(ctx context.Context, collection, remoteID string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx,
		selectRecord+" WHERE collection = ? AND remote_id = ?", collection, remoteID)
	return scanRecord(row)
}

// List returns all records in a collection ordered by local id.
// Rows pending deletion are included; the Live View filters them.
func (s *Store) List(ctx context.Context, collection string) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		selectRecord+" WHERE collection = ? ORDER BY local_id ASC", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

const selectRecord = `
	SELECT local_id, collection, remote_id, payload, has_pending_writes,
	       pending_action, last_local_change, sync_error
	FROM mirror_records`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var remoteID, pendingAction, lastChange, syncErr sql.NullString
	var payloadJSON string
	var pending int

	err := row.Scan(
		&rec.LocalID,
		&rec.Collection,
		&remoteID,
		&payloadJSON,
		&pending,
		&pendingAction,
		&lastChange,
		&syncErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.RemoteID = remoteID.String
	rec.HasPendingWrites = pending != 0
	rec.PendingAction = Action(pendingAction.String)
	rec.SyncError = syncErr.String

	if lastChange.Valid {
		if t, err := time.Parse(time.RFC3339, lastChange.String); err == nil {
			rec.LastLocalChange = t
		}
	}

	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// marshalPayload serializes a payload map for storage.
func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

// nullIfEmpty converts an empty string to SQL NULL.
func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
