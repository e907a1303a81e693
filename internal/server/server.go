// Package server exposes proctoring sessions over HTTP: session lifecycle,
// frame upload, browser events, violation history and live streams.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/proctor"
	"github.com/proctorwatch/proctor-server/internal/recorder"
	"github.com/proctorwatch/proctor-server/internal/violations"
	"github.com/proctorwatch/proctor-server/internal/webrtc"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// Config configures the HTTP surface.
type Config struct {
	MaxUploadBytes int64
}

// DefaultConfig returns the HTTP defaults.
func DefaultConfig() Config {
	return Config{MaxUploadBytes: 8 << 20}
}

// Server serves the session API.
type Server struct {
	cfg      Config
	registry *Registry
	webrtc   *webrtc.Server
	metrics  *metrics.Metrics
}

// NewServer returns a server over registry. The WebRTC server is taken from
// the registry's dependencies.
func NewServer(cfg Config, registry *Registry) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		webrtc:   registry.deps.WebRTC,
		metrics:  registry.deps.Metrics,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/reference", s.handleReference)
	mux.HandleFunc("POST /api/sessions/{id}/frames", s.handleFrame)
	mux.HandleFunc("POST /api/sessions/{id}/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/sessions/{id}/events", s.handleEvent)
	mux.HandleFunc("POST /api/sessions/{id}/fullscreen", s.handleFullscreen)
	mux.HandleFunc("GET /api/sessions/{id}/violations", s.handleViolations)
	mux.HandleFunc("GET /api/sessions/{id}/violations/stream", s.handleViolationStream)
	mux.HandleFunc("GET /api/sessions/{id}/summary", s.handleSummary)
	mux.HandleFunc("POST /api/sessions/{id}/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

type fullscreenView struct {
	Enabled bool `json:"enabled"`
	Active  bool `json:"active"`
}

type sessionView struct {
	ID             string                    `json:"id"`
	ExamID         string                    `json:"exam_id"`
	StudentID      string                    `json:"student_id"`
	State          string                    `json:"state"`
	CreatedAt      time.Time                 `json:"created_at"`
	EndedAt        *time.Time                `json:"ended_at,omitempty"`
	EndReason      string                    `json:"end_reason,omitempty"`
	Violations     int                       `json:"violations"`
	Recent         []proctor.ViolationEvent  `json:"recent"`
	FramesReceived uint64                    `json:"frames_received"`
	ReferenceSet   bool                      `json:"reference_set"`
	Hidden         bool                      `json:"hidden"`
	Fullscreen     fullscreenView            `json:"fullscreen"`
	StreamClients  int                       `json:"stream_clients"`
	Evidence       *recorder.RecordingStatus `json:"evidence,omitempty"`
}

func viewOf(e *Entry) sessionView {
	v := sessionView{
		ID:             e.ID,
		ExamID:         e.ExamID,
		StudentID:      e.StudentID,
		State:          e.Session.State().String(),
		CreatedAt:      e.CreatedAt,
		Violations:     e.Log.Count(),
		Recent:         e.Log.Recent(),
		FramesReceived: e.Frames.Count(),
		ReferenceSet:   e.Session.Identity().IsSet(),
		Hidden:         e.Events.Hidden(),
		Fullscreen: fullscreenView{
			Enabled: e.Events.IsEnabled(),
			Active:  e.Events.IsFullscreen(),
		},
		StreamClients: e.Broadcaster.Clients(),
	}
	if endedAt, reason, ended := e.Ended(); ended {
		v.EndedAt = &endedAt
		v.EndReason = reason
	}
	if e.Recorder != nil {
		status := e.Recorder.GetStatus()
		v.Evidence = &status
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"sessions":       s.registry.Active(),
		"sessions_total": s.registry.Len(),
		"webrtc_clients": 0,
		"timestamp":      time.Now().UTC(),
	}
	if s.webrtc != nil {
		payload["webrtc_clients"] = s.webrtc.GetClientCount()
	}
	writeJSON(w, payload)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("invalid session request: %w", err), http.StatusBadRequest)
			return
		}
	}

	entry, err := s.registry.Create(r.Context(), req)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSONWithStatus(w, viewOf(entry), http.StatusCreated)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, viewOf(entry))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Delete(id); err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"id": id, "status": "terminated"})
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	frame, err := decodeFrame(data, time.Now(), types.FrameSourceHTTP)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	set, err := entry.Session.SetKnownFace(r.Context(), frame.Image)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	payload := map[string]any{"ok": set}
	if !set {
		payload["message"] = "no face found in the reference image"
	}
	writeJSON(w, payload)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if _, _, ended := entry.Ended(); ended {
		writeError(w, proctor.ErrTerminated, http.StatusConflict)
		return
	}
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	frame, err := s.registry.storeFrame(entry, data, types.FrameSourceHTTP)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSONWithStatus(w, map[string]any{
		"frame_number": frame.FrameNum,
		"width":        frame.Width,
		"height":       frame.Height,
	}, http.StatusAccepted)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	frame, err := decodeFrame(data, time.Now(), types.FrameSourceHTTP)
	if err != nil {
		s.metrics.FrameError()
		writeError(w, err, http.StatusBadRequest)
		return
	}

	result, err := entry.Session.AnalyzeFrame(r.Context(), frame)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	if result.Violations == nil {
		result.Violations = []proctor.ViolationEvent{}
	}
	writeJSON(w, result)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if _, _, ended := entry.Ended(); ended {
		writeError(w, proctor.ErrTerminated, http.StatusConflict)
		return
	}

	var msg webrtc.ControlMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&msg); err != nil {
		writeError(w, fmt.Errorf("invalid event: %w", err), http.StatusBadRequest)
		return
	}
	switch {
	case msg.Type == webrtc.ControlVisibility && msg.Hidden != nil:
	case msg.Type == webrtc.ControlFullscreen && (msg.Fullscreen != nil || msg.Enabled != nil):
	default:
		writeError(w, fmt.Errorf("unsupported event %q", msg.Type), http.StatusBadRequest)
		return
	}

	before := entry.Log.Count()
	entry.OnControl(msg)
	writeJSONWithStatus(w, map[string]any{
		"accepted":  true,
		"violation": entry.Log.Count() > before,
	}, http.StatusAccepted)
}

func (s *Server) handleFullscreen(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := entry.Session.EnterFullscreen(r.Context()); err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSONWithStatus(w, map[string]any{"requested": true}, http.StatusAccepted)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var events []proctor.ViolationEvent
	if r.URL.Query().Get("recent") != "" {
		events = entry.Log.Recent()
	} else {
		events = s.registry.History(r.Context(), entry)
	}
	if events == nil {
		events = []proctor.ViolationEvent{}
	}
	writeJSON(w, map[string]any{
		"session_id": entry.ID,
		"count":      len(events),
		"violations": events,
	})
}

func (s *Server) handleViolationStream(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}

	id, ch := entry.Broadcaster.Subscribe()
	defer entry.Broadcaster.Unsubscribe(id)

	streamViolations(w, r, ch, useProtobuf(r))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, violations.Summarize(entry.ID, s.registry.History(r.Context(), entry)))
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.webrtc == nil {
		writeError(w, errors.New("webrtc is disabled"), http.StatusServiceUnavailable)
		return
	}
	if _, _, ended := entry.Ended(); ended {
		writeError(w, proctor.ErrTerminated, http.StatusConflict)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errors.New("invalid offer data"), http.StatusBadRequest)
		return
	}
	answer, err := s.webrtc.HandleOffer(entry.ID, body, entry)
	if err != nil {
		log.Warn("WebRTC offer for %s rejected: %v", shortID(entry.ID), err)
		writeError(w, err, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
}

// lookup resolves the {id} path value, answering 404 itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Entry, bool) {
	entry, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return nil, false
	}
	return entry, true
}

// readBody reads an upload bounded by MaxUploadBytes.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
		} else {
			writeError(w, fmt.Errorf("read body: %w", err), http.StatusBadRequest)
		}
		return nil, false
	}
	return data, true
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	var analysisErr *proctor.AnalysisError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTooManySessions),
		errors.Is(err, proctor.ErrInitialization),
		errors.Is(err, detector.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, proctor.ErrAnalysisInFlight):
		return http.StatusTooManyRequests
	case errors.Is(err, proctor.ErrTerminated),
		errors.Is(err, proctor.ErrNotInitialized),
		errors.Is(err, proctor.ErrFullscreenUnsupported):
		return http.StatusConflict
	case errors.Is(err, proctor.ErrEmptyFrame):
		return http.StatusBadRequest
	case errors.Is(err, webrtc.ErrNoPeer):
		return http.StatusServiceUnavailable
	case errors.As(err, &analysisErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
