package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cardroom/internal/notify"
	"cardroom/internal/presence"
	"cardroom/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Hub tracks socket connections per room and pushes room events to them.
type Hub struct {
	srv      *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
	grace    time.Duration

	mu      sync.RWMutex
	rooms   map[string]map[*conn]struct{}
	pending map[string]*time.Timer // roomID/clientID -> scheduled presence clear
	closed  bool

	pumps sync.WaitGroup
}

type conn struct {
	hub       *Hub
	ws        *websocket.Conn
	roomID    string
	clientID  string
	send      chan []byte
	closeOnce sync.Once
}

func newHub(srv *Server, grace time.Duration) *Hub {
	h := &Hub{
		srv:     srv,
		logger:  srv.logger,
		grace:   grace,
		rooms:   make(map[string]map[*conn]struct{}),
		pending: make(map[string]*time.Timer),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || srv.matchOrigin(origin) != ""
		},
	}
	return h
}

func graceKey(roomID, clientID string) string {
	return roomID + "/" + clientID
}

// ServeWS upgrades the request and joins the client to the room. The client
// id comes from the clientId query parameter or is generated.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_room", "invalid room id")
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if clientID == "" {
		clientID = uuid.NewString()
	}

	if _, err := h.srv.engine.GetState(r.Context(), roomID); err != nil {
		h.srv.writeEngineError(w, roomID, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("room", roomID), slog.String("error", err.Error()))
		return
	}

	c := &conn{hub: h, ws: ws, roomID: roomID, clientID: clientID, send: make(chan []byte, sendBuffer)}
	list, err := h.srv.presence.Update(roomID, clientID, presence.Update{TS: time.Now().UnixMilli()})
	if err != nil {
		h.logger.Error("join presence", slog.String("room", roomID), slog.String("error", err.Error()))
		list = h.srv.presence.Get(roomID)
	}

	// Registering under the room key means every delta after this state
	// reaches the new socket, and none before it does.
	joined := false
	err = h.srv.engine.View(r.Context(), roomID, func(state *room.State) {
		if !h.register(c) {
			return
		}
		joined = true
		c.enqueue(Envelope{Type: MsgState, RoomID: roomID, Payload: JoinPayload{ClientID: clientID, State: state, Presence: list}})
	})
	if err != nil || !joined {
		if err != nil {
			h.logger.Error("join room", slog.String("room", roomID), slog.String("error", err.Error()))
		}
		_ = ws.Close()
		return
	}
	h.srv.BroadcastPresence(roomID, list)

	h.logger.Info("client connected", slog.String("room", roomID), slog.String("client", clientID))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if t, ok := h.pending[graceKey(c.roomID, c.clientID)]; ok {
		t.Stop()
		delete(h.pending, graceKey(c.roomID, c.clientID))
	}
	conns := h.rooms[c.roomID]
	if conns == nil {
		conns = make(map[*conn]struct{})
		h.rooms[c.roomID] = conns
	}
	conns[c] = struct{}{}
	h.pumps.Add(2)
	return true
}

// unregister drops c and, if it was the client's last connection in the
// room, schedules its presence to be cleared after the grace period.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.rooms[c.roomID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	c.closeSend()
	if len(conns) == 0 {
		delete(h.rooms, c.roomID)
	}
	if h.closed || h.connectedLocked(c.roomID, c.clientID) {
		return
	}

	key := graceKey(c.roomID, c.clientID)
	if t, ok := h.pending[key]; ok {
		t.Stop()
	}
	roomID, clientID := c.roomID, c.clientID
	h.pending[key] = time.AfterFunc(h.grace, func() { h.expire(roomID, clientID) })
}

func (h *Hub) connectedLocked(roomID, clientID string) bool {
	for other := range h.rooms[roomID] {
		if other.clientID == clientID {
			return true
		}
	}
	return false
}

// expire clears presence for a client whose grace period ran out without a
// reconnect.
func (h *Hub) expire(roomID, clientID string) {
	h.mu.Lock()
	delete(h.pending, graceKey(roomID, clientID))
	stillGone := !h.closed && !h.connectedLocked(roomID, clientID)
	h.mu.Unlock()
	if !stillGone {
		return
	}

	list, err := h.srv.presence.Clear(roomID, clientID)
	if err != nil {
		h.logger.Error("clear presence", slog.String("room", roomID), slog.String("client", clientID), slog.String("error", err.Error()))
		return
	}
	h.srv.BroadcastPresence(roomID, list)
}

// Notify sends ev to every socket in the room without blocking.
func (h *Hub) Notify(_ context.Context, ev notify.Event) error {
	data, err := json.Marshal(Envelope{Type: ev.Kind, RoomID: ev.RoomID, Payload: ev.Payload})
	if err != nil {
		return err
	}
	h.broadcast(ev.RoomID, data)
	return nil
}

func (h *Hub) broadcast(roomID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping message for slow client", slog.String("room", roomID), slog.String("client", c.clientID))
		}
	}
}

// Connections reports how many sockets are open in a room.
func (h *Hub) Connections(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Close disconnects every socket, cancels pending presence clears and waits
// until no connection goroutine is left, including one still applying an op.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for key, t := range h.pending {
			t.Stop()
			delete(h.pending, key)
		}
		for roomID, conns := range h.rooms {
			for c := range conns {
				c.closeSend()
			}
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
	h.pumps.Wait()
}

func (c *conn) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// enqueue must only be called while c is registered.
func (c *conn) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.logger.Error("encode message", slog.String("type", env.Type), slog.String("error", err.Error()))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.rooms[c.roomID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("dropping reply for slow client", slog.String("room", c.roomID), slog.String("client", c.clientID))
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
		c.hub.pumps.Done()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read", slog.String("room", c.roomID), slog.String("client", c.clientID), slog.String("error", err.Error()))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handle(data)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.hub.pumps.Done()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) handle(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(Envelope{Type: MsgError, Payload: ErrorPayload{Error: "invalid message", Code: "invalid_request"}})
		return
	}
	srv := c.hub.srv
	ctx := context.Background()

	switch msg.Type {
	case MsgOp:
		if msg.Op == nil {
			c.enqueue(Envelope{Type: MsgError, ReqID: msg.ReqID, Payload: ErrorPayload{Error: "missing op", Code: "invalid_request"}})
			return
		}
		res, err := srv.apply(ctx, c.roomID, *msg.Op)
		if err != nil {
			status, body := engineErrorStatus(err)
			kind := MsgError
			if status == http.StatusConflict {
				kind = MsgConflict
			}
			if status >= http.StatusInternalServerError {
				c.hub.logger.Error("apply op", slog.String("room", c.roomID), slog.String("client", c.clientID), slog.String("error", err.Error()))
			}
			c.enqueue(Envelope{Type: kind, RoomID: c.roomID, ReqID: msg.ReqID, Payload: body})
			return
		}
		c.enqueue(Envelope{Type: MsgAck, RoomID: c.roomID, ReqID: msg.ReqID, Payload: res})

	case MsgPresence:
		ts := msg.TS
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		list, err := srv.presence.Update(c.roomID, c.clientID, presence.Update{Holding: msg.Holding, TS: ts})
		if err != nil {
			c.enqueue(Envelope{Type: MsgError, ReqID: msg.ReqID, Payload: ErrorPayload{Error: "presence update failed", Code: "internal"}})
			return
		}
		srv.BroadcastPresence(c.roomID, list)

	default:
		c.enqueue(Envelope{Type: MsgError, ReqID: msg.ReqID, Payload: ErrorPayload{Error: "unknown message type", Code: "invalid_request"}})
	}
}
