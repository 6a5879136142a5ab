// Package postgres provides a PostgreSQL-backed room log and snapshot store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardroom/internal/storage"
	"cardroom/internal/storage/postgres/migrations"
)

// Store persists room history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn, runs pending migrations and returns a ready store.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	if err := migrateUp(dsn, logger); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func migrateUp(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if version, dirty, err := m.Version(); err == nil {
		logger.Info("postgres schema ready", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}

// migrateURL rewrites a libpq style URL to the scheme the pgx/v5 migrate driver registers.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// AppendOperation inserts or replaces the operation at (room, version).
func (s *Store) AppendOperation(ctx context.Context, entry storage.LogEntry) error {
	if entry.RoomID == "" {
		return errors.New("room id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_ops (room_id, version, op_json, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, version) DO UPDATE SET op_json = EXCLUDED.op_json, created_at = EXCLUDED.created_at`,
		entry.RoomID, entry.Version, string(entry.Op), createdAt(entry.CreatedAt),
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_snapshots (room_id, version, state_json, created_at) VALUES ($1, $2, $3, $4)`,
		snap.RoomID, snap.Version, string(snap.State), createdAt(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest-version snapshot for the room.
func (s *Store) LatestSnapshot(ctx context.Context, roomID string) (storage.Snapshot, error) {
	snap := storage.Snapshot{RoomID: roomID}
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT version, state_json::text, created_at FROM room_snapshots
		 WHERE room_id = $1 ORDER BY version DESC, id DESC LIMIT 1`,
		roomID,
	).Scan(&snap.Version, &state, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.State = []byte(state)
	return snap, nil
}

// OperationsAfter returns operations newer than after in version order.
func (s *Store) OperationsAfter(ctx context.Context, roomID string, after int64) ([]storage.LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, op_json::text, created_at FROM room_ops
		 WHERE room_id = $1 AND version > $2 ORDER BY version ASC`,
		roomID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.LogEntry, error) {
		entry := storage.LogEntry{RoomID: roomID}
		var op string
		if err := row.Scan(&entry.Version, &op, &entry.CreatedAt); err != nil {
			return storage.LogEntry{}, err
		}
		entry.Op = []byte(op)
		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan operations: %w", err)
	}
	return entries, nil
}

// DeleteOperations removes the room's whole log.
func (s *Store) DeleteOperations(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_ops WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	return nil
}

// DeleteSnapshots removes every snapshot of the room.
func (s *Store) DeleteSnapshots(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_snapshots WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// RoomIDs lists every room with history, sorted.
func (s *Store) RoomIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room_id FROM room_ops UNION SELECT room_id FROM room_snapshots ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan room ids: %w", err)
	}
	return ids, nil
}
