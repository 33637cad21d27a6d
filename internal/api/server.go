// Package api exposes the coaching engine over HTTP: three WebSocket
// streams (telemetry, session, coaching) for the overlay UI, plus JSON
// endpoints for status, history and the post-session report.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/pipeline"
	"github.com/apexline/apexline/internal/session"
	"github.com/apexline/apexline/internal/store"
	"github.com/apexline/apexline/internal/telemetry"
	"github.com/apexline/apexline/internal/units"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Coaching modes selectable from the UI. The mode scales how chatty
// the engine is; "quiet" suppresses everything below high priority at
// the delivery edge.
const (
	ModeFull  = "full"
	ModeQuiet = "quiet"
	ModeOff   = "off"
)

// convertSpeed maps the internal m/s value onto the configured display
// units.
func convertSpeed(speedMps float64, targetUnits string) float64 {
	switch targetUnits {
	case "mph":
		return units.MpsToMph(speedMps)
	case "kmph", "kph":
		return units.MpsToKph(speedMps)
	default:
		return speedMps
	}
}

// Server serves the UI-facing surface. All fields are optional except
// Pipeline and Sessions; nil collaborators disable their endpoints.
type Server struct {
	pipe    *pipeline.Pipeline
	ring    *telemetry.Ring
	sess    *session.Manager
	cast    *coach.Broadcaster
	files   *store.FileStore
	archive *store.DB
	units   string

	mu   sync.Mutex
	mode string
}

func NewServer(pipe *pipeline.Pipeline, ring *telemetry.Ring, sess *session.Manager,
	cast *coach.Broadcaster, files *store.FileStore, archive *store.DB, speedUnits string) *Server {
	return &Server{
		pipe:    pipe,
		ring:    ring,
		sess:    sess,
		cast:    cast,
		files:   files,
		archive: archive,
		units:   speedUnits,
		mode:    ModeFull,
	}
}

// Mode returns the UI-selected coaching mode.
func (s *Server) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Server) setMode(mode string) bool {
	switch mode {
	case ModeFull, ModeQuiet, ModeOff:
	default:
		return false
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return true
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

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/telemetry", s.wsTelemetry)
	mux.HandleFunc("/ws/session", s.wsSession)
	mux.HandleFunc("/ws/coaching", s.wsCoaching)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/report", s.showReport)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := json.NewEncoder(w).Encode(s.statusPayload()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
	}
}

// statusPayload is shared by the HTTP endpoint and the getStatus
// WebSocket request.
func (s *Server) statusPayload() map[string]interface{} {
	st := s.pipe.SessionStatus()
	return map[string]interface{}{
		"status": st,
		"mode":   s.Mode(),
		"units":  s.units,
	}
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.archive == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Archive not configured")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	msgs, err := s.archive.RecentMessages(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write history")
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.files == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Storage not configured")
		return
	}
	if err := json.NewEncoder(w).Encode(s.files.Sessions()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	config := map[string]interface{}{
		"units": s.units,
		"mode":  s.Mode(),
	}
	if err := json.NewEncoder(w).Encode(config); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
	}
}
