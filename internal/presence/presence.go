// Package presence tracks which clients are connected to a room and which
// card each is holding. Nothing here is persisted.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cardroom/internal/keylock"
)

// Entry is the public view of one client's presence.
type Entry struct {
	ClientID string  `json:"clientId"`
	Holding  *string `json:"holding"`
	TS       int64   `json:"ts"`
}

// Update is what a client reports about itself.
type Update struct {
	Holding *string `json:"holding"`
	TS      int64   `json:"ts"`
}

type entry struct {
	holding   *string
	ts        int64
	updatedAt time.Time
}

// Tracker holds presence for every room. Mutations for a room run under the
// same keylock.Locker key the room engine uses.
type Tracker struct {
	locker *keylock.Locker
	logger *slog.Logger
	stale  time.Duration
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]map[string]entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns a Tracker that treats entries older than stale as gone.
func New(locker *keylock.Locker, logger *slog.Logger, stale time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		locker: locker,
		logger: logger,
		stale:  stale,
		now:    time.Now,
		rooms:  make(map[string]map[string]entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update upserts clientID's entry and returns the room's presence list.
func (t *Tracker) Update(roomID, clientID string, u Update) ([]Entry, error) {
	return keylock.With(t.locker, roomID, func() ([]Entry, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		clients := t.rooms[roomID]
		if clients == nil {
			clients = make(map[string]entry)
			t.rooms[roomID] = clients
		}
		clients[clientID] = entry{holding: cloneHolding(u.Holding), ts: u.TS, updatedAt: t.now()}
		return t.listLocked(roomID), nil
	})
}

// Clear removes clientID from the room and returns the remaining list.
func (t *Tracker) Clear(roomID, clientID string) ([]Entry, error) {
	return keylock.With(t.locker, roomID, func() ([]Entry, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if clients := t.rooms[roomID]; clients != nil {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(t.rooms, roomID)
			}
		}
		return t.listLocked(roomID), nil
	})
}

// Prune drops entries not refreshed within the stale window. It reports the
// remaining list and whether anything was removed.
func (t *Tracker) Prune(roomID string) ([]Entry, bool, error) {
	var removed bool
	list, err := keylock.With(t.locker, roomID, func() ([]Entry, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		now := t.now()
		clients := t.rooms[roomID]
		for id, e := range clients {
			if now.Sub(e.updatedAt) > t.stale {
				delete(clients, id)
				removed = true
			}
		}
		if clients != nil && len(clients) == 0 {
			delete(t.rooms, roomID)
		}
		return t.listLocked(roomID), nil
	})
	return list, removed, err
}

// Get returns the room's current entries without pruning.
func (t *Tracker) Get(roomID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked(roomID)
}

// Forget drops every entry of the room. The caller must already hold the
// room's key in the shared locker.
func (t *Tracker) Forget(roomID string) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}

// Rooms lists the rooms that currently have entries.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PruneAll prunes every known room and calls changed for each room that lost
// entries.
func (t *Tracker) PruneAll(changed func(roomID string, list []Entry)) {
	for _, roomID := range t.Rooms() {
		list, removed, err := t.Prune(roomID)
		if err != nil {
			t.logger.Error("prune presence", slog.String("room", roomID), slog.String("error", err.Error()))
			continue
		}
		if removed && changed != nil {
			changed(roomID, list)
		}
	}
}

// Run calls PruneAll every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, changed func(roomID string, list []Entry)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.PruneAll(changed)
		}
	}
}

func (t *Tracker) listLocked(roomID string) []Entry {
	clients := t.rooms[roomID]
	list := make([]Entry, 0, len(clients))
	for id, e := range clients {
		list = append(list, Entry{ClientID: id, Holding: cloneHolding(e.holding), TS: e.ts})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ClientID < list[j].ClientID })
	return list
}

func cloneHolding(h *string) *string {
	if h == nil {
		return nil
	}
	v := *h
	return &v
}
