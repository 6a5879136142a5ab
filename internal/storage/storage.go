// Package storage defines the durable operation log and snapshot store used to
// recover room state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// LogEntry is one accepted operation. (RoomID, Version) is unique.
type LogEntry struct {
	RoomID    string
	Version   int64
	Op        []byte
	CreatedAt time.Time
}

// Snapshot is a full serialized room state at Version.
type Snapshot struct {
	RoomID    string
	Version   int64
	State     []byte
	CreatedAt time.Time
}

// Store is the durable log and snapshot store. Implementations order rows by
// version within a room.
type Store interface {
	// AppendOperation inserts or replaces the entry keyed by (RoomID, Version).
	AppendOperation(ctx context.Context, entry LogEntry) error
	InsertSnapshot(ctx context.Context, snap Snapshot) error
	// LatestSnapshot returns the highest-version snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context, roomID string) (Snapshot, error)
	// OperationsAfter returns entries with version greater than after, ascending.
	OperationsAfter(ctx context.Context, roomID string, after int64) ([]LogEntry, error)
	DeleteOperations(ctx context.Context, roomID string) error
	DeleteSnapshots(ctx context.Context, roomID string) error
	// RoomIDs lists distinct room ids across both tables.
	RoomIDs(ctx context.Context) ([]string, error)
	Close() error
}
