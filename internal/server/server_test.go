package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardroom/internal/keylock"
	"cardroom/internal/presence"
	"cardroom/internal/room"
	"cardroom/internal/storage"
	"cardroom/internal/storage/sqlite"
	"cardroom/internal/template"
)

var defaultTemplates = fstest.MapFS{
	"default.json": {Data: []byte(`{"version":0,"cards":[{"id":"c1","zone":"bench"},{"id":"c2","zone":"bench"}]}`)},
}

type testEnv struct {
	srv      *Server
	engine   *room.Engine
	presence *presence.Tracker
	router   http.Handler
}

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	return store
}

func newTestEnv(t *testing.T, templates fstest.MapFS, grace time.Duration) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, openTestStore(t), templates, grace)
}

func newTestEnvWithStore(t *testing.T, store storage.Store, templates fstest.MapFS, grace time.Duration) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	locker := keylock.New()
	tracker := presence.New(locker, logger, time.Minute)
	engine, err := room.NewEngine(room.Config{
		Store:            store,
		Templates:        template.NewFS(templates, "default"),
		Locker:           locker,
		Presence:         tracker,
		Logger:           logger,
		SnapshotInterval: -1,
	})
	require.NoError(t, err)

	cfg := Config{Port: "0", AllowedOrigins: []string{"*"}, DisconnectGrace: grace}
	srv, err := New(cfg, logger, engine, tracker)
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.hub.Close()
		engine.Close()
		_ = store.Close()
	})
	return &testEnv{srv: srv, engine: engine, presence: tracker, router: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func zoneOf(t *testing.T, s *room.State, cardID string) string {
	t.Helper()
	card, ok := s.Card(cardID)
	require.True(t, ok, "card %s missing", cardID)
	return card.Zone
}

func moveOp(card, zone string, clientV int64) map[string]any {
	return map[string]any{"type": "move", "cardId": card, "toZone": zone, "clientV": clientV}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestApplyOverHTTP(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)

	w := env.do(t, http.MethodGet, "/rooms/r1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state room.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, int64(0), state.Version)
	assert.Equal(t, "bench", zoneOf(t, &state, "c1"))

	w = env.do(t, http.MethodPost, "/rooms/r1/ops", moveOp("c1", "hand", 0))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res room.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, room.Operation{Type: "move", CardID: "c1", ToZone: "hand", Version: 1}, res.Delta)
	assert.Equal(t, "hand", zoneOf(t, res.State, "c1"))

	w = env.do(t, http.MethodPost, "/rooms/r1/ops", moveOp("c2", "table", 0))
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict ConflictPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, "conflict", conflict.Error)
	assert.Equal(t, int64(1), conflict.CurrentVersion)
	require.NotNil(t, conflict.State)
	assert.Equal(t, "bench", zoneOf(t, conflict.State, "c2"))
}

func TestApplyRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)

	tests := []struct {
		name string
		body any
	}{
		{"missing version", map[string]any{"type": "move", "cardId": "c1", "toZone": "hand"}},
		{"unknown type", map[string]any{"type": "flip", "cardId": "c1", "toZone": "hand", "clientV": 0}},
		{"unknown card", moveOp("zz", "hand", 0)},
		{"empty zone", moveOp("c1", "", 0)},
		{"not json", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/rooms/r1/ops", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := env.do(t, http.MethodGet, "/rooms/r1/state", nil)
	var state room.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, int64(0), state.Version)
}

func TestMissingTemplateIsNotFound(t *testing.T) {
	env := newTestEnv(t, fstest.MapFS{}, time.Second)
	w := env.do(t, http.MethodGet, "/rooms/r1/state", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/rooms/r1/ops", moveOp("c1", "hand", 0))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetOverHTTP(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/rooms/r1/ops", moveOp("c1", "hand", 0)).Code)
	holding := "c1"
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/rooms/r1/presence/alice", presence.Update{Holding: &holding, TS: 5}).Code)

	w := env.do(t, http.MethodPost, "/rooms/r1/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state room.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, int64(0), state.Version)
	assert.Equal(t, "bench", zoneOf(t, &state, "c1"))
	assert.Empty(t, env.presence.Get("r1"))
}

func TestSnapshotRoute(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/rooms/r1/ops", moveOp("c1", "hand", 0)).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/rooms/r1/snapshot", nil).Code)
}

func TestPresenceRoutes(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)

	holding := "c2"
	w := env.do(t, http.MethodPut, "/rooms/r1/presence/bob", presence.Update{Holding: &holding, TS: 42})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/rooms/r1/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []presence.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].ClientID)
	require.NotNil(t, list[0].Holding)
	assert.Equal(t, "c2", *list[0].Holding)
	assert.Equal(t, int64(42), list[0].TS)

	w = env.do(t, http.MethodDelete, "/rooms/r1/presence/bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

type frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	ReqID   string          `json:"reqId"`
	Payload json.RawMessage `json:"payload"`
}

func dialRoom(t *testing.T, ts *httptest.Server, roomID, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + roomID
	if clientID != "" {
		url += "?clientId=" + clientID
	}
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestWebsocketJoinAndBroadcast(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	alice := dialRoom(t, ts, "r1", "alice")
	joined := readUntil(t, alice, MsgState)
	var join JoinPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &join))
	assert.Equal(t, "alice", join.ClientID)
	assert.Equal(t, int64(0), join.State.Version)

	bob := dialRoom(t, ts, "r1", "bob")
	readUntil(t, bob, MsgState)

	seen := readUntil(t, alice, MsgPresence)
	var list []presence.Entry
	require.NoError(t, json.Unmarshal(seen.Payload, &list))
	for len(list) < 2 {
		seen = readUntil(t, alice, MsgPresence)
		require.NoError(t, json.Unmarshal(seen.Payload, &list))
	}
	assert.Equal(t, "alice", list[0].ClientID)
	assert.Equal(t, "bob", list[1].ClientID)

	require.NoError(t, alice.WriteJSON(map[string]any{"type": MsgOp, "reqId": "1", "op": moveOp("c1", "hand", 0)}))

	ack := readUntil(t, alice, MsgAck)
	assert.Equal(t, "1", ack.ReqID)
	var res room.Result
	require.NoError(t, json.Unmarshal(ack.Payload, &res))
	assert.Equal(t, int64(1), res.Version)

	delta := readUntil(t, bob, MsgDelta)
	var payload DeltaPayload
	require.NoError(t, json.Unmarshal(delta.Payload, &payload))
	assert.Equal(t, "r1", delta.RoomID)
	assert.Equal(t, int64(1), payload.Version)
	assert.Equal(t, "c1", payload.Delta.CardID)
	assert.Equal(t, "hand", payload.Delta.ToZone)
}

func TestWebsocketConflictAndErrors(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	_, err := env.engine.Apply(context.Background(), "r1", room.ClientOp{Type: room.OpMove, CardID: "c1", ToZone: "hand", ClientV: new(int64)})
	require.NoError(t, err)

	ws := dialRoom(t, ts, "r1", "")
	joined := readUntil(t, ws, MsgState)
	var join JoinPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &join))
	assert.NotEmpty(t, join.ClientID)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": MsgOp, "reqId": "stale", "op": moveOp("c2", "hand", 0)}))
	f := readUntil(t, ws, MsgConflict)
	assert.Equal(t, "stale", f.ReqID)
	var conflict ConflictPayload
	require.NoError(t, json.Unmarshal(f.Payload, &conflict))
	assert.Equal(t, int64(1), conflict.CurrentVersion)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "dance", "reqId": "x"}))
	f = readUntil(t, ws, MsgError)
	assert.Equal(t, "x", f.ReqID)
}

func TestDisconnectGraceClearsPresence(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, 50*time.Millisecond)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ws := dialRoom(t, ts, "r1", "carol")
	readUntil(t, ws, MsgState)
	require.Len(t, env.presence.Get("r1"), 1)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return len(env.presence.Get("r1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectWithinGraceKeepsPresence(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, 300*time.Millisecond)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	first := dialRoom(t, ts, "r1", "dave")
	readUntil(t, first, MsgState)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return env.srv.hub.Connections("r1") == 0
	}, time.Second, 5*time.Millisecond)

	second := dialRoom(t, ts, "r1", "dave")
	readUntil(t, second, MsgState)

	time.Sleep(500 * time.Millisecond)
	list := env.presence.Get("r1")
	require.Len(t, list, 1)
	assert.Equal(t, "dave", list[0].ClientID)
}

func TestJoinUnderWriteLoadSeesNextDelta(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		zones := []string{"hand", "bench"}
		for v := int64(0); ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			_, err := env.engine.Apply(ctx, "r1", room.ClientOp{Type: room.OpMove, CardID: "c1", ToZone: zones[v%2], ClientV: &v})
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 20; i++ {
		ws := dialRoom(t, ts, "r1", "")
		joined := readUntil(t, ws, MsgState)
		var join JoinPayload
		require.NoError(t, json.Unmarshal(joined.Payload, &join))

		delta := readUntil(t, ws, MsgDelta)
		var payload DeltaPayload
		require.NoError(t, json.Unmarshal(delta.Payload, &payload))
		require.Equal(t, join.State.Version+1, payload.Version, "join %d", i)
		require.NoError(t, ws.Close())
	}
}

func TestDeltasArriveInVersionOrder(t *testing.T) {
	env := newTestEnv(t, defaultTemplates, time.Second)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	watcher := dialRoom(t, ts, "r1", "watcher")
	readUntil(t, watcher, MsgState)

	const writers, perWriter = 3, 15
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(zone string) {
			defer wg.Done()
			for applied := 0; applied < perWriter; {
				cur, err := env.engine.GetState(ctx, "r1")
				if !assert.NoError(t, err) {
					return
				}
				_, err = env.engine.Apply(ctx, "r1", room.ClientOp{Type: room.OpMove, CardID: "c2", ToZone: zone, ClientV: &cur.Version})
				var conflict *room.ConflictError
				if errors.As(err, &conflict) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				applied++
			}
		}(fmt.Sprintf("z%d", w))
	}
	wg.Wait()

	for want := int64(1); want <= writers*perWriter; want++ {
		f := readUntil(t, watcher, MsgDelta)
		var payload DeltaPayload
		require.NoError(t, json.Unmarshal(f.Payload, &payload))
		require.Equal(t, want, payload.Version)
	}
}

// gatedStore holds AppendOperation until gate is closed.
type gatedStore struct {
	storage.Store
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) AppendOperation(ctx context.Context, entry storage.LogEntry) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	return g.Store.AppendOperation(ctx, entry)
}

func TestHubCloseWaitsForInFlightOp(t *testing.T) {
	inner := openTestStore(t)
	store := &gatedStore{Store: inner, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	env := newTestEnvWithStore(t, store, defaultTemplates, time.Second)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ws := dialRoom(t, ts, "r1", "erin")
	readUntil(t, ws, MsgState)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": MsgOp, "reqId": "1", "op": moveOp("c1", "hand", 0)}))

	select {
	case <-store.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("op never reached the store")
	}

	closed := make(chan struct{})
	go func() {
		env.srv.hub.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while an op was still being applied")
	case <-time.After(100 * time.Millisecond):
	}

	close(store.gate)
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return after the op finished")
	}

	entries, err := inner.OperationsAfter(context.Background(), "r1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
