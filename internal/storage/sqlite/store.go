// Package sqlite provides a SQLite-backed room log and snapshot store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"cardroom/internal/storage"
	"cardroom/internal/storage/sqlite/migrations"
)

// Store persists room history in SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open prepares a SQLite database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// migrateUp applies the embedded migrations on db. The migrate instance is not
// closed because that would close db as well.
func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendOperation inserts or replaces the operation at (room, version).
func (s *Store) AppendOperation(ctx context.Context, entry storage.LogEntry) error {
	if entry.RoomID == "" {
		return errors.New("room id is required")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO room_ops (room_id, version, op_json, created_at) VALUES (?, ?, ?, ?)`,
		entry.RoomID, entry.Version, string(entry.Op), toMillis(created),
	)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// InsertSnapshot stores a full state row.
func (s *Store) InsertSnapshot(ctx context.Context, snap storage.Snapshot) error {
	if snap.RoomID == "" {
		return errors.New("room id is required")
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_snapshots (room_id, version, state_json, created_at) VALUES (?, ?, ?, ?)`,
		snap.RoomID, snap.Version, string(snap.State), toMillis(created),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest-version snapshot for the room.
func (s *Store) LatestSnapshot(ctx context.Context, roomID string) (storage.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, state_json, created_at FROM room_snapshots
		 WHERE room_id = ? ORDER BY version DESC, id DESC LIMIT 1`,
		roomID,
	)
	snap := storage.Snapshot{RoomID: roomID}
	var state string
	var created int64
	if err := row.Scan(&snap.Version, &state, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.State = []byte(state)
	snap.CreatedAt = fromMillis(created)
	return snap, nil
}

// OperationsAfter returns operations newer than after in version order.
func (s *Store) OperationsAfter(ctx context.Context, roomID string, after int64) ([]storage.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, op_json, created_at FROM room_ops
		 WHERE room_id = ? AND version > ? ORDER BY version ASC`,
		roomID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var entries []storage.LogEntry
	for rows.Next() {
		entry := storage.LogEntry{RoomID: roomID}
		var op string
		var created int64
		if err := rows.Scan(&entry.Version, &op, &created); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		entry.Op = []byte(op)
		entry.CreatedAt = fromMillis(created)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return entries, nil
}

// DeleteOperations removes the room's whole log.
func (s *Store) DeleteOperations(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_ops WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	return nil
}

// DeleteSnapshots removes every snapshot of the room.
func (s *Store) DeleteSnapshots(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_snapshots WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// RoomIDs lists every room with history, sorted.
func (s *Store) RoomIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM room_ops UNION SELECT room_id FROM room_snapshots ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return ids, nil
}
