// Package room owns the in-memory board of every room. It applies versioned
// operations under a per-room lock, appends them to the durable log and
// rebuilds rooms from the latest snapshot plus the log on first access.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cardroom/internal/keylock"
	"cardroom/internal/presence"
	"cardroom/internal/storage"
)

// DefaultSnapshotInterval is how often a loaded room is snapshotted.
const DefaultSnapshotInterval = 5 * time.Minute

// Templates resolves the initial layout of a room.
type Templates interface {
	Load(ctx context.Context, roomID string) (*State, error)
}

// Observer hears about committed changes while the room key is still held, so
// calls for one room arrive in version order. Implementations must not block
// and must not call back into the Engine or the presence tracker.
type Observer interface {
	Committed(roomID string, res *Result)
	Reset(roomID string, state *State)
}

type loadedRoom struct {
	state           *State
	snapshotVersion int64
}

// Engine serves room state to the transport layer.
type Engine struct {
	store     storage.Store
	templates Templates
	locker    *keylock.Locker
	presence  *presence.Tracker
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	rooms    map[string]*loadedRoom
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the Engine's collaborators.
type Config struct {
	Store     storage.Store
	Templates Templates
	// Locker is shared with the presence tracker so both serialize on the room id.
	Locker   *keylock.Locker
	Presence *presence.Tracker
	Logger   *slog.Logger
	// SnapshotInterval defaults to DefaultSnapshotInterval; negative disables the timer.
	SnapshotInterval time.Duration
	Now              func() time.Time
}

// NewEngine builds an Engine. Close must be called before the store is closed.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Templates == nil {
		return nil, errors.New("templates are required")
	}
	if cfg.Locker == nil {
		cfg.Locker = keylock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     cfg.Store,
		templates: cfg.Templates,
		locker:    cfg.Locker,
		presence:  cfg.Presence,
		logger:    cfg.Logger,
		interval:  cfg.SnapshotInterval,
		now:       cfg.Now,
		rooms:     make(map[string]*loadedRoom),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close stops every snapshot timer and waits for in-flight timer snapshots.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// SetObserver installs o; nil removes it.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

func (e *Engine) currentObserver() Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observer
}

func (e *Engine) cached(roomID string) *loadedRoom {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rooms[roomID]
}

// Ensure returns a copy of the room, loading it first if needed.
func (e *Engine) Ensure(ctx context.Context, roomID string) (*State, error) {
	return keylock.With(e.locker, roomID, func() (*State, error) {
		r, err := e.ensureLocked(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return r.state.Clone(), nil
	})
}

// View loads the room and calls fn with a copy of its state while holding the
// room key. No change to the room is committed or observed until fn returns.
func (e *Engine) View(ctx context.Context, roomID string, fn func(*State)) error {
	return e.locker.Do(roomID, func() error {
		r, err := e.ensureLocked(ctx, roomID)
		if err != nil {
			return err
		}
		fn(r.state.Clone())
		return nil
	})
}

// GetState is Ensure under the name the transport uses.
func (e *Engine) GetState(ctx context.Context, roomID string) (*State, error) {
	return e.Ensure(ctx, roomID)
}

// ensureLocked loads the room. The caller must hold the room key.
func (e *Engine) ensureLocked(ctx context.Context, roomID string) (*loadedRoom, error) {
	if r := e.cached(roomID); r != nil {
		return r, nil
	}

	base, snapVersion, err := e.baseline(ctx, roomID)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.OperationsAfter(ctx, roomID, base.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: load log for %q: %w", ErrPersistence, roomID, err)
	}
	state, err := Replay(base, entries)
	if err != nil {
		return nil, fmt.Errorf("rebuild room %q: %w", roomID, err)
	}

	r := &loadedRoom{state: state, snapshotVersion: snapVersion}
	e.mu.Lock()
	e.rooms[roomID] = r
	e.mu.Unlock()

	e.logger.Info("room loaded",
		slog.String("room", roomID),
		slog.Int64("baseline", base.Version),
		slog.Int("replayed", len(entries)),
		slog.Int64("version", state.Version))

	e.armSnapshotTimer(roomID)
	return r, nil
}

// baseline returns the latest snapshot, or the template when the room has none.
// The second value is the snapshotted version, or -1 for a template.
func (e *Engine) baseline(ctx context.Context, roomID string) (*State, int64, error) {
	snap, err := e.store.LatestSnapshot(ctx, roomID)
	switch {
	case err == nil:
		state, err := decodeSnapshot(snap.State)
		if err != nil {
			return nil, 0, fmt.Errorf("decode snapshot %d of %q: %w", snap.Version, roomID, err)
		}
		state.ID = roomID
		state.Version = snap.Version
		return state, snap.Version, nil
	case errors.Is(err, storage.ErrNotFound):
		state, err := e.templates.Load(ctx, roomID)
		if err != nil {
			return nil, 0, fmt.Errorf("load template for %q: %w", roomID, err)
		}
		state.ID = roomID
		return state, -1, nil
	default:
		return nil, 0, fmt.Errorf("%w: load snapshot for %q: %w", ErrPersistence, roomID, err)
	}
}

func (e *Engine) armSnapshotTimer(roomID string) {
	if e.interval < 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if err := e.periodicSnapshot(roomID); err != nil {
					e.logger.Error("periodic snapshot", slog.String("room", roomID), slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// periodicSnapshot skips rooms that have not changed since their last snapshot.
func (e *Engine) periodicSnapshot(roomID string) error {
	return e.locker.Do(roomID, func() error {
		r := e.cached(roomID)
		if r == nil || r.snapshotVersion == r.state.Version {
			return nil
		}
		return e.writeSnapshotLocked(e.ctx, roomID, r)
	})
}

// Apply validates op against the room and, if accepted, commits it.
//
// A stale ClientV yields *ConflictError. A retry of the last applied operation
// (same non-empty OpID, ClientV one behind) returns the original result with
// Duplicate set instead of a conflict.
func (e *Engine) Apply(ctx context.Context, roomID string, op ClientOp) (*Result, error) {
	return keylock.With(e.locker, roomID, func() (*Result, error) {
		r, err := e.ensureLocked(ctx, roomID)
		if err != nil {
			return nil, err
		}
		current := r.state

		if err := op.validate(current); err != nil {
			return nil, err
		}

		if *op.ClientV != current.Version {
			if last := current.lastApplied; last != nil && isRetryOf(op, last) {
				return &Result{Delta: *last, Version: current.Version, State: current.Clone(), Duplicate: true}, nil
			}
			return nil, &ConflictError{
				ClientVersion:  *op.ClientV,
				CurrentVersion: current.Version,
				State:          current.Clone(),
			}
		}

		delta := Operation{
			Type:    op.Type,
			CardID:  op.CardID,
			ToZone:  op.ToZone,
			Version: current.Version + 1,
			OpID:    op.OpID,
		}
		next := current.Clone()
		if err := applyOp(next, delta); err != nil {
			return nil, err
		}

		payload, err := json.Marshal(delta)
		if err != nil {
			return nil, fmt.Errorf("encode op: %w", err)
		}
		if err := e.store.AppendOperation(ctx, storage.LogEntry{
			RoomID:    roomID,
			Version:   delta.Version,
			Op:        payload,
			CreatedAt: e.now(),
		}); err != nil {
			return nil, fmt.Errorf("%w: append op %d to %q: %w", ErrPersistence, delta.Version, roomID, err)
		}

		r.state = next
		e.logger.Debug("op applied",
			slog.String("room", roomID),
			slog.String("card", delta.CardID),
			slog.String("zone", delta.ToZone),
			slog.Int64("version", delta.Version))
		res := &Result{Delta: delta, Version: delta.Version, State: next.Clone()}
		if o := e.currentObserver(); o != nil {
			o.Committed(roomID, res)
		}
		return res, nil
	})
}

// SaveSnapshot persists the room's current state at its current version.
func (e *Engine) SaveSnapshot(ctx context.Context, roomID string) error {
	return e.locker.Do(roomID, func() error {
		r, err := e.ensureLocked(ctx, roomID)
		if err != nil {
			return err
		}
		return e.writeSnapshotLocked(ctx, roomID, r)
	})
}

func (e *Engine) writeSnapshotLocked(ctx context.Context, roomID string, r *loadedRoom) error {
	payload, err := encodeSnapshot(r.state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := e.store.InsertSnapshot(ctx, storage.Snapshot{
		RoomID:    roomID,
		Version:   r.state.Version,
		State:     payload,
		CreatedAt: e.now(),
	}); err != nil {
		return fmt.Errorf("%w: snapshot %q at %d: %w", ErrPersistence, roomID, r.state.Version, err)
	}
	r.snapshotVersion = r.state.Version
	e.logger.Info("snapshot saved", slog.String("room", roomID), slog.Int64("version", r.state.Version))
	return nil
}

// Reset replaces the room with a fresh copy of its template, truncates its
// history and clears its presence.
func (e *Engine) Reset(ctx context.Context, roomID string) (*State, error) {
	return keylock.With(e.locker, roomID, func() (*State, error) {
		fresh, err := e.templates.Load(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("load template for %q: %w", roomID, err)
		}
		fresh.ID = roomID

		if err := e.store.DeleteOperations(ctx, roomID); err != nil {
			return nil, fmt.Errorf("%w: reset %q: %w", ErrPersistence, roomID, err)
		}
		if err := e.store.DeleteSnapshots(ctx, roomID); err != nil {
			return nil, fmt.Errorf("%w: reset %q: %w", ErrPersistence, roomID, err)
		}

		e.mu.Lock()
		r, loaded := e.rooms[roomID]
		if !loaded {
			r = &loadedRoom{}
			e.rooms[roomID] = r
		}
		r.state = fresh
		r.snapshotVersion = -1
		e.mu.Unlock()

		if !loaded {
			e.armSnapshotTimer(roomID)
		}
		if e.presence != nil {
			e.presence.Forget(roomID)
		}
		if o := e.currentObserver(); o != nil {
			o.Reset(roomID, fresh.Clone())
		}

		if err := e.writeSnapshotLocked(ctx, roomID, r); err != nil {
			return nil, err
		}
		e.logger.Info("room reset", slog.String("room", roomID), slog.Int64("version", fresh.Version))
		return fresh.Clone(), nil
	})
}

// RoomIDs lists rooms known to the store.
func (e *Engine) RoomIDs(ctx context.Context) ([]string, error) {
	ids, err := e.store.RoomIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list rooms: %w", ErrPersistence, err)
	}
	return ids, nil
}

// SnapshotAll snapshots every room known to the store. It keeps going past
// individual failures and returns them joined.
func (e *Engine) SnapshotAll(ctx context.Context) error {
	ids, err := e.RoomIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := e.SaveSnapshot(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResetAll resets every room known to the store.
func (e *Engine) ResetAll(ctx context.Context) ([]string, error) {
	ids, err := e.RoomIDs(ctx)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, id := range ids {
		if _, err := e.Reset(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return ids, errors.Join(errs...)
}

func isRetryOf(op ClientOp, last *Operation) bool {
	return op.OpID != "" &&
		op.OpID == last.OpID &&
		op.CardID == last.CardID &&
		op.ToZone == last.ToZone &&
		*op.ClientV == last.Version-1
}
