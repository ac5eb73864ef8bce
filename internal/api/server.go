// Package api serves the observer HTTP surface over a session coordinator.
package api

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/basestation/internal/httputil"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/protocol"
	"github.com/banshee-data/basestation/internal/robot"
	"github.com/banshee-data/basestation/internal/session"
	"github.com/banshee-data/basestation/internal/version"
	"github.com/banshee-data/basestation/internal/world"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultHistoryLimit = 100

// Store is the persistence the API reads history from and saves parameter
// changes to. *db.DB implements it.
type Store interface {
	RecentEvents(limit int) ([]session.Event, error)
	RecentSnapshots(limit int) ([]world.Snapshot, error)
	SaveParameters(robotID string, params protocol.Parameters) error
}

// Options configures a Server. Only Coordinator is required.
type Options struct {
	Coordinator *session.Coordinator
	// Store may be nil, in which case the history routes answer 503 and
	// parameter updates are not persisted.
	Store Store
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// StreamInterval is how often /api/world/stream pushes a snapshot.
	// Defaults to the configured refresh interval.
	StreamInterval time.Duration
}

type Server struct {
	coord          *session.Coordinator
	store          Store
	gatherer       prometheus.Gatherer
	streamInterval time.Duration
	upgrader       websocket.Upgrader
	logf           func(string, ...interface{})
}

func NewServer(opts Options) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	interval := opts.StreamInterval
	if interval <= 0 {
		interval = opts.Coordinator.Config().GetRefreshInterval()
	}
	return &Server{
		coord:          opts.Coordinator,
		store:          opts.Store,
		gatherer:       gatherer,
		streamInterval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			// The observer is served from other origins on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logf: monitoring.Component("api"),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Wrap it with LoggingMiddleware to log
// requests.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/world", s.showWorld)
	mux.HandleFunc("GET /api/world/history", s.listSnapshots)
	mux.HandleFunc("GET /api/world/stream", s.streamWorld)

	mux.HandleFunc("GET /api/robots", s.listRobots)
	mux.HandleFunc("POST /api/robots/connect", s.connectRobots)
	mux.HandleFunc("POST /api/robots/disconnect", s.disconnectRobots)
	mux.HandleFunc("GET /api/robots/{id}", s.showRobot)
	mux.HandleFunc("POST /api/robots/{id}/command", s.sendCommand)
	mux.HandleFunc("PUT /api/robots/{id}/parameters", s.updateParameters)
	mux.HandleFunc("POST /api/commands", s.broadcastCommand)

	mux.HandleFunc("GET /api/refbox", s.showRefBox)
	mux.HandleFunc("POST /api/refbox/connect", s.connectRefBox)
	mux.HandleFunc("POST /api/refbox/stop", s.stopRefBox)
	mux.HandleFunc("POST /api/refbox/send", s.sendRefBox)

	mux.HandleFunc("GET /api/events", s.tailEvents)
	mux.HandleFunc("GET /api/events/history", s.listEvents)
	mux.HandleFunc("GET /api/version", s.showVersion)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// writeError maps session and robot errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownRobot):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, protocol.ErrInvalidCommand):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, robot.ErrNotConnected), errors.Is(err, robot.ErrNoLink):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func (s *Server) showWorld(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.coord.Snapshot())
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	snapshots, err := s.store.RecentSnapshots(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read snapshots: %v", err))
		return
	}
	httputil.WriteJSONOK(w, snapshots)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.store.RecentEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Current())
}

func (s *Server) showRefBox(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.coord.RefBoxStatus())
}

func (s *Server) connectRefBox(w http.ResponseWriter, r *http.Request) {
	s.coord.ConnectRefBox()
	httputil.WriteJSON(w, http.StatusAccepted, s.coord.RefBoxStatus())
}

func (s *Server) stopRefBox(w http.ResponseWriter, r *http.Request) {
	s.coord.StopRefBox()
	httputil.WriteJSONOK(w, s.coord.RefBoxStatus())
}

func (s *Server) sendRefBox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Line string `json:"line"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Line == "" {
		httputil.BadRequest(w, "line is required")
		return
	}
	if err := s.coord.SendRefBox(req.Line); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
}
