// Package httpserver is the relay's HTTP front: health checks, build info, metrics,
// room status and the websocket endpoint, behind request id, logging and
// panic recovery middleware.
package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/metrics"
	"github.com/wilsonzlin/videoroom/internal/roomrelay"
)

var ErrServerClosed = http.ErrServerClosed

const requestIDHeader = "X-Request-ID"

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Relay is the room relay served at /ws. *roomrelay.Hub satisfies it.
type Relay interface {
	http.Handler
	Snapshot() []roomrelay.RoomStatus
	Room(roomID string) (roomrelay.RoomStatus, bool)
	Accepting() bool
	MaxParticipants() int
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	metrics *metrics.Metrics
	relay   Relay

	serving atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, m *metrics.Metrics, relay Relay) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		metrics: m,
		relay:   relay,
		mux:     http.NewServeMux(),
	}

	s.registerRoutes()

	s.srv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: chain(s.mux,
			s.recoverMiddleware,
			requestIDMiddleware,
			s.requestLoggerMiddleware,
		),
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws connections are upgraded and long-lived.
	}
	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.serving.Store(false)
	return s.srv.Close()
}

// Ready reports whether the server is serving and the relay still admits
// connections.
func (s *Server) Ready() bool {
	return s.serving.Load() && s.relay.Accepting()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	// Room ids are shared secrets between participants, so listing them is a
	// development aid only.
	if s.cfg.Mode == config.ModeDev {
		s.mux.HandleFunc("GET /rooms", s.handleRooms)
		s.mux.HandleFunc("GET /rooms/{roomId}", s.handleRoom)
	}

	s.mux.Handle("GET /ws", s.relay)
}

type readyResponse struct {
	Ready     bool `json:"ready"`
	Accepting bool `json:"accepting"`
	Rooms     int  `json:"rooms"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		Ready:     s.Ready(),
		Accepting: s.relay.Accepting(),
		Rooms:     len(s.relay.Snapshot()),
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

type roomsResponse struct {
	MaxParticipants int                    `json:"maxParticipants"`
	Rooms           []roomrelay.RoomStatus `json:"rooms"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, roomsResponse{
		MaxParticipants: s.relay.MaxParticipants(),
		Rooms:           s.relay.Snapshot(),
	})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	st, ok := s.relay.Room(r.PathValue("roomId"))
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "room not found"})
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.metrics.Inc(metrics.HTTPPanics)
				s.log.Error("panic in http handler",
					"path", r.URL.Path,
					"request_id", r.Header.Get(requestIDHeader),
					"recover", rec,
					"stack", string(debug.Stack()),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware keeps a caller-supplied request id or assigns a uuid.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set(requestIDHeader, reqID)
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.hijacked = true
	return h.Hijack()
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		s.metrics.Inc(metrics.HTTPRequests)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", r.Header.Get(requestIDHeader),
		}
		switch {
		case sw.hijacked:
			// The handler returns when the websocket closes.
			s.log.Info("websocket_session", attrs...)
		case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			s.log.Debug("http_request", attrs...)
		default:
			s.log.Info("http_request", attrs...)
		}
	})
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
