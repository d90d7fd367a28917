// Package present serves the local UI surface: JSON snapshots of the session
// state, a WebSocket stream of state changes, the input level meter and the
// start/end controls.
//
// Routes (all under /api):
//
//	GET  /api/state          current state as JSON
//	GET  /api/state/stream   WebSocket; one JSON state per change
//	GET  /api/level          {"level": 0..100}
//	POST /api/session/start  start a session; returns the new state
//	POST /api/session/end    end the session; returns the final state
package present

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/internal/observe"
	"github.com/MrWong99/lecturepulse/internal/session"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

const (
	// controlTimeout bounds a start or end request. It is detached from the
	// request context so a browser navigating away does not abort a start
	// half-way.
	controlTimeout = 30 * time.Second

	streamWriteTimeout = 5 * time.Second
)

// Controller is the part of [session.Controller] the UI drives.
type Controller interface {
	StartSession(ctx context.Context) error
	EndSession(ctx context.Context) error
	State() feedback.State
	Level() float64
	OnStateChange(fn func(feedback.State)) (unsubscribe func())
}

// Config configures a [Server].
type Config struct {
	// OriginPatterns lists the browser origins allowed to open the state
	// stream, in [websocket.AcceptOptions] syntax. Same-origin requests are
	// always allowed.
	OriginPatterns []string
}

// Server is the local UI HTTP surface.
type Server struct {
	ctrl        Controller
	origins     []string
	hub         *hub
	router      chi.Router
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a Server for ctrl and subscribes to its state changes. Call
// [Server.Close] to release the subscription and disconnect stream clients.
func New(ctrl Controller, cfg Config) *Server {
	s := &Server{
		ctrl:    ctrl,
		origins: cfg.OriginPatterns,
		hub:     newHub(),
	}
	s.unsubscribe = ctrl.OnStateChange(s.hub.publish)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(api chi.Router) {
		api.Get("/state", s.handleState)
		api.Get("/state/stream", s.handleStream)
		api.Get("/level", s.handleLevel)
		api.Post("/session/start", s.handleStart)
		api.Post("/session/end", s.handleEnd)
	})
	s.router = r
	return s
}

// Handler returns the routes. Mount it on "/api/".
func (s *Server) Handler() http.Handler { return s.router }

// Close unsubscribes from the controller, disconnects every stream client and
// waits for their handlers to return. It is idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.hub.close()
	})
	s.hub.wait()
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleLevel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, levelResponse{Level: s.ctrl.Level()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), controlTimeout)
	defer cancel()

	if err := s.ctrl.StartSession(ctx); err != nil {
		status := startErrorStatus(err)
		observe.Logger(r.Context()).Warn("present: start session failed", "status", status, "err", err)
		writeJSON(w, status, errorResponse{Error: err.Error(), State: s.ctrl.State()})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), controlTimeout)
	defer cancel()

	if err := s.ctrl.EndSession(ctx); err != nil {
		observe.Logger(r.Context()).Warn("present: end session failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), State: s.ctrl.State()})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

// handleStream upgrades to a WebSocket and writes the current state followed
// by every change until the client goes away or the server closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sub := newSubscriber()
	if !s.hub.subscribe(sub) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.leave(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("present: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the client closes.
	ctx := conn.CloseRead(r.Context())

	if err := s.writeState(ctx, conn, s.ctrl.State()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.writeState(ctx, conn, st); err != nil {
				slog.Debug("present: state stream write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) writeState(ctx context.Context, conn *websocket.Conn, st feedback.State) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, st)
}

// startErrorStatus maps a StartSession error to an HTTP status.
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrSessionCancelled):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		// Backend unreachable or rejected the stream.
		return http.StatusBadGateway
	}
}

// ── JSON ─────────────────────────────────────────────────────────────────────

type levelResponse struct {
	Level float64 `json:"level"`
}

type errorResponse struct {
	Error string         `json:"error"`
	State feedback.State `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("present: encode response", "err", err)
	}
}
