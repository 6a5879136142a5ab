package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"cardroom/internal/notify"
	"cardroom/internal/presence"
	"cardroom/internal/room"
	"cardroom/internal/template"
)

const maxRoomIDLength = 128

var _ room.Observer = (*Server)(nil)

// Server adapts the room engine and presence tracker to HTTP and WebSocket clients.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	mux             *http.ServeMux
	allowedOrigins  []string
	allowAllOrigins bool

	engine   *room.Engine // reports commits back through Committed and Reset
	presence *presence.Tracker
	hub      *Hub
	notifier notify.Notifier
}

// New constructs a Server with routes and middleware configured. Extra
// notifiers receive every room event alongside the local socket hub.
func New(cfg Config, logger *slog.Logger, engine *room.Engine, tracker *presence.Tracker, extra ...notify.Notifier) (*Server, error) {
	if engine == nil || tracker == nil {
		return nil, errors.New("engine and presence tracker are required")
	}

	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		mux:            http.NewServeMux(),
		allowedOrigins: cfg.AllowedOrigins,
		engine:         engine,
		presence:       tracker,
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}

	srv.hub = newHub(srv, cfg.DisconnectGrace)
	srv.notifier = notify.NewFanout(logger, append([]notify.Notifier{srv.hub}, extra...)...)
	engine.SetObserver(srv)

	srv.routes()
	return srv, nil
}

// Router returns the HTTP handler with middleware applied.
func (s *Server) Router() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// BroadcastPresence pushes a room's presence list to observers.
func (s *Server) BroadcastPresence(roomID string, list []presence.Entry) {
	_ = s.notifier.Notify(context.Background(), notify.Event{RoomID: roomID, Kind: notify.KindPresence, Payload: list})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /rooms/{roomID}/state", s.handleGetState)
	s.mux.HandleFunc("POST /rooms/{roomID}/ops", s.handleApply)
	s.mux.HandleFunc("POST /rooms/{roomID}/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /rooms/{roomID}/reset", s.handleReset)
	s.mux.HandleFunc("GET /rooms/{roomID}/presence", s.handleGetPresence)
	s.mux.HandleFunc("PUT /rooms/{roomID}/presence/{clientID}", s.handleUpdatePresence)
	s.mux.HandleFunc("DELETE /rooms/{roomID}/presence/{clientID}", s.handleClearPresence)
	s.mux.HandleFunc("GET /ws/rooms/{roomID}", s.hub.ServeWS)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows WebSocket handlers to upgrade the connection through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// roomID extracts and validates the {roomID} path value.
func roomID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("roomID"))
	if id == "" || len(id) > maxRoomIDLength {
		return "", false
	}
	return id, true
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_room", "invalid room id")
		return
	}
	state, err := s.engine.GetState(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_room", "invalid room id")
		return
	}
	var op room.ClientOp
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	res, err := s.apply(r.Context(), id, op)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// apply runs the operation. Committed broadcasts the delta.
func (s *Server) apply(ctx context.Context, roomID string, op room.ClientOp) (*room.Result, error) {
	return s.engine.Apply(ctx, roomID, op)
}

// Committed implements room.Observer. It runs under the room key, so deltas
// reach observers in version order.
func (s *Server) Committed(roomID string, res *room.Result) {
	_ = s.notifier.Notify(context.Background(), notify.Event{
		RoomID:  roomID,
		Kind:    notify.KindDelta,
		Payload: DeltaPayload{Delta: res.Delta, Version: res.Version},
	})
}

// Reset implements room.Observer.
func (s *Server) Reset(roomID string, state *room.State) {
	_ = s.notifier.Notify(context.Background(), notify.Event{RoomID: roomID, Kind: notify.KindReset, Payload: state})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_room", "invalid room id")
		return
	}
	if err := s.engine.SaveSnapshot(r.Context(), id); err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_room", "invalid room id")
		return
	}
	state, err := s.reset(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) reset(ctx context.Context, roomID string) (*room.State, error) {
	state, err := s.engine.Reset(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.BroadcastPresence(roomID, []presence.Entry{})
	return state, nil
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_room", "invalid room id")
		return
	}
	writeJSON(w, http.StatusOK, s.presence.Get(id))
}

func (s *Server) handleUpdatePresence(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	clientID := strings.TrimSpace(r.PathValue("clientID"))
	if !ok || clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid room or client id")
		return
	}
	var update presence.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	list, err := s.presence.Update(id, clientID, update)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	s.BroadcastPresence(id, list)
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleClearPresence(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(r)
	clientID := strings.TrimSpace(r.PathValue("clientID"))
	if !ok || clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid room or client id")
		return
	}
	list, err := s.presence.Clear(id, clientID)
	if err != nil {
		s.writeEngineError(w, id, err)
		return
	}
	s.BroadcastPresence(id, list)
	writeJSON(w, http.StatusOK, list)
}

// engineErrorStatus maps engine failures onto a status, code and body.
func engineErrorStatus(err error) (int, any) {
	var conflict *room.ConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, ConflictPayload{
			Error:          "conflict",
			CurrentVersion: conflict.CurrentVersion,
			State:          conflict.State,
		}
	case errors.Is(err, room.ErrInvalidOperation):
		return http.StatusBadRequest, ErrorPayload{Error: err.Error(), Code: "invalid_operation"}
	case errors.Is(err, template.ErrNotFound):
		return http.StatusNotFound, ErrorPayload{Error: "room has no template", Code: "no_template"}
	default:
		return http.StatusInternalServerError, ErrorPayload{Error: "internal error", Code: "internal"}
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, roomID string, err error) {
	status, body := engineErrorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("room request failed", slog.String("room", roomID), slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorPayload{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
