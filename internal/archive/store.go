// Package archive keeps a SQLite record of everything that happened in the
// rooms. It is written from the journal and read by the HTTP API; live rooms
// are never rebuilt from it.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/journal"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Record is one archived operation.
type Record struct {
	Seq        int64            `json:"seq"`
	RoomID     string           `json:"room_id"`
	Revision   uint64           `json:"revision"`
	Operation  canvas.Operation `json:"operation"`
	ArchivedAt time.Time        `json:"archived_at"`
}

type Stats struct {
	Rooms      int `json:"rooms"`
	Operations int `json:"operations"`
	Events     int `json:"events"`
}

func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
	// between journal workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Archive initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		protected BOOLEAN NOT NULL DEFAULT FALSE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		reclaimed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		op_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		payload TEXT NOT NULL,
		archived_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_room ON operations(room_id, seq);
	CREATE INDEX IF NOT EXISTS idx_operations_archived_at ON operations(archived_at);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		revision INTEGER NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		actor_name TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_room ON events(room_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Name() string { return "archive" }

// Write stores one journal event. Every event lands in the events table;
// room lifecycle and committed operations get their own rows as well.
func (s *Store) Write(ctx context.Context, evt journal.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, protected, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			protected = rooms.protected OR excluded.protected,
			updated_at = excluded.updated_at
	`, evt.RoomID, evt.Protected, ms, ms); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	switch evt.Kind {
	case journal.KindRoomReclaimed:
		if _, err := tx.ExecContext(ctx,
			"UPDATE rooms SET reclaimed_at = ? WHERE id = ?", ms, evt.RoomID); err != nil {
			return fmt.Errorf("mark reclaimed: %w", err)
		}

	case journal.KindOpCommitted:
		if evt.Operation == nil {
			return fmt.Errorf("op.committed event for room %s has no operation", evt.RoomID)
		}
		payload, err := json.Marshal(evt.Operation)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO operations (room_id, revision, op_id, author_id, tool, payload, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, evt.RoomID, evt.Revision, evt.Operation.ID, evt.Operation.AuthorID,
			string(evt.Operation.Tool.Kind()), string(payload), ms); err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (room_id, kind, revision, actor_id, actor_name, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.RoomID, string(evt.Kind), evt.Revision, evt.ActorID, evt.ActorName, string(evt.Scope), ms); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

// ListOperations returns a room's archived operations, oldest first.
func (s *Store) ListOperations(ctx context.Context, roomID string, limit, offset int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, room_id, revision, payload, archived_at
		FROM operations
		WHERE room_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r       Record
			payload string
			ms      int64
		)
		if err := rows.Scan(&r.Seq, &r.RoomID, &r.Revision, &payload, &ms); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Operation); err != nil {
			return nil, fmt.Errorf("decode operation %d: %w", r.Seq, err)
		}
		r.ArchivedAt = time.UnixMilli(ms).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Protected reports whether the room was ever archived with a password. The
// flag sticks so a public room reusing the name can't read the old history.
func (s *Store) Protected(ctx context.Context, roomID string) (bool, error) {
	var protected bool
	err := s.db.QueryRowContext(ctx,
		"SELECT protected FROM rooms WHERE id = ?", roomID,
	).Scan(&protected)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return protected, err
}

func (s *Store) OperationCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM operations WHERE room_id = ?", roomID,
	).Scan(&count)
	return count, err
}

// EventKinds returns the kinds recorded for a room in arrival order.
func (s *Store) EventKinds(ctx context.Context, roomID string) ([]journal.Kind, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind FROM events WHERE room_id = ? ORDER BY id ASC", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kinds []journal.Kind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, journal.Kind(k))
	}
	return kinds, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&st.Rooms); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations").Scan(&st.Operations); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&st.Events); err != nil {
		return st, err
	}
	return st, nil
}

// PruneBefore deletes operations and events archived before cutoff, and
// reclaimed rooms that have been gone since then. It returns the number of
// rows removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	var total int64

	for _, q := range []string{
		"DELETE FROM operations WHERE archived_at < ?",
		"DELETE FROM events WHERE created_at < ?",
		"DELETE FROM rooms WHERE reclaimed_at IS NOT NULL AND reclaimed_at < ?",
	} {
		res, err := s.db.ExecContext(ctx, q, ms)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
