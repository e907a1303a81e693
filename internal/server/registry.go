package server

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/proctor"
	"github.com/proctorwatch/proctor-server/internal/recorder"
	"github.com/proctorwatch/proctor-server/internal/violations"
	"github.com/proctorwatch/proctor-server/internal/webrtc"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

var log = logger.For("Server")

// End reasons recorded with a session.
const (
	ReasonDeleted       = "deleted"
	ReasonMaxViolations = "max_violations"
	ReasonShutdown      = "shutdown"
	ReasonInitFailed    = "initialization_failed"
)

var (
	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the registry is full.
	ErrTooManySessions = errors.New("too many active sessions")
)

// AdapterFactory builds the detector adapter of a new session. Each session
// owns its adapter because Cleanup closes it.
type AdapterFactory func() *detector.Adapter

// RemoteAdapterFactory returns a factory backed by the inference sidecar.
func RemoteAdapterFactory(remote detector.RemoteConfig, cfg detector.Config) AdapterFactory {
	return func() *detector.Adapter {
		faces, objects := detector.NewRemote(remote)
		return detector.NewAdapter(faces, objects, nil, cfg)
	}
}

// Deps are the shared collaborators of every session.
type Deps struct {
	Adapters      AdapterFactory
	Session       proctor.Config
	MaxSessions   int
	MaxViolations int

	Store        *violations.SQLiteStore // Optional
	Kafka        proctor.Sink            // Optional
	WebRTC       *webrtc.Server          // Optional
	EvidencePath string                  // "" disables snapshots
	Metrics      *metrics.Metrics        // Optional
	Clock        func() time.Time        // Defaults to time.Now
}

// Entry is one registered session with its sinks and inputs.
type Entry struct {
	ID        string
	ExamID    string
	StudentID string
	CreatedAt time.Time

	Session     *proctor.Session
	Frames      *proctor.FrameSlot
	Events      *proctor.EventSource
	Log         *violations.Log
	Broadcaster *violations.Broadcaster
	Recorder    *recorder.Recorder // nil when evidence is disabled

	registry *Registry

	mu        sync.Mutex
	endedAt   time.Time
	endReason string
}

// Ended reports when and why the session ended.
func (e *Entry) Ended() (time.Time, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endedAt, e.endReason, !e.endedAt.IsZero()
}

// OnFrame implements webrtc.Handler: a binary message is an encoded frame.
func (e *Entry) OnFrame(data []byte) {
	if _, err := e.registry.storeFrame(e, data, types.FrameSourceWebRTC); err != nil {
		log.With(shortID(e.ID)).Debug("Dropping data channel frame: %v", err)
	}
}

// OnControl implements webrtc.Handler.
func (e *Entry) OnControl(msg webrtc.ControlMessage) {
	switch msg.Type {
	case webrtc.ControlVisibility:
		if msg.Hidden != nil {
			e.Events.PushVisibility(*msg.Hidden)
		}
	case webrtc.ControlFullscreen:
		if msg.Enabled != nil {
			e.Events.SetEnabled(*msg.Enabled)
		}
		if msg.Fullscreen != nil {
			e.Events.PushFullscreen(*msg.Fullscreen)
		}
	}
}

// Registry owns the live sessions of the server.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	entries  map[string]*Entry
	creating int // Slots reserved by Create calls still initializing
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.MaxSessions <= 0 {
		deps.MaxSessions = 100
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Registry{deps: deps, entries: make(map[string]*Entry)}
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ExamID            string `json:"exam_id"`
	StudentID         string `json:"student_id"`
	FullscreenEnabled *bool  `json:"fullscreen_enabled,omitempty"`
}

// Create builds, initializes and starts a session. A capability load
// failure is returned wrapped in proctor.ErrInitialization and nothing is
// registered.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Entry, error) {
	if r.deps.Adapters == nil {
		return nil, errors.New("no detector configured")
	}
	if !r.reserve() {
		return nil, ErrTooManySessions
	}
	registered := false
	defer func() {
		if !registered {
			r.unreserve()
		}
	}()

	fullscreen := true
	if req.FullscreenEnabled != nil {
		fullscreen = *req.FullscreenEnabled
	}

	id := uuid.NewString()
	entry := &Entry{
		ID:          id,
		ExamID:      req.ExamID,
		StudentID:   req.StudentID,
		CreatedAt:   r.deps.Clock(),
		Frames:      proctor.NewFrameSlot(),
		Events:      proctor.NewEventSource(fullscreen),
		Broadcaster: violations.NewBroadcaster(),
		registry:    r,
	}
	entry.Log = violations.NewLog(r.deps.MaxViolations, func(count int) {
		if err := r.End(id, ReasonMaxViolations); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Warn("Auto-termination of %s: %v", shortID(id), err)
		}
	})

	sinks := violations.Multi{entry.Log, entry.Broadcaster}
	if r.deps.Store != nil {
		sinks = append(sinks, r.deps.Store)
	}
	if r.deps.Kafka != nil {
		sinks = append(sinks, r.deps.Kafka)
	}
	if r.deps.EvidencePath != "" {
		rec := recorder.NewRecorder(r.deps.EvidencePath)
		if err := rec.Start(id); err != nil {
			log.Warn("Evidence disabled for %s: %v", shortID(id), err)
		} else {
			entry.Recorder = rec
			sinks = append(sinks, rec)
		}
	}
	if r.deps.WebRTC != nil {
		sinks = append(sinks, r.deps.WebRTC.Sink(id))
		entry.Events.SetRequestHandler(func(ctx context.Context) error {
			return r.deps.WebRTC.RequestFullscreen(ctx, id)
		})
	}

	entry.Session = proctor.NewSession(r.deps.Session, proctor.Options{
		ID:         id,
		Adapter:    r.deps.Adapters(),
		Sink:       sinks,
		Visibility: entry.Events,
		Fullscreen: entry.Events,
		Metrics:    r.deps.Metrics,
		Clock:      r.deps.Clock,
	})

	if r.deps.Store != nil {
		rec := violations.SessionRecord{
			ID:        id,
			ExamID:    req.ExamID,
			StudentID: req.StudentID,
			StartedAt: entry.CreatedAt,
		}
		if err := r.deps.Store.StartSession(ctx, rec); err != nil {
			log.Warn("Persist session %s: %v", shortID(id), err)
		}
	}

	if err := entry.Session.Initialize(ctx); err != nil {
		entry.release()
		r.persistEnd(id, r.deps.Clock(), ReasonInitFailed)
		return nil, err
	}
	if err := entry.Session.Start(entry.Frames); err != nil {
		entry.Session.Cleanup()
		entry.release()
		r.persistEnd(id, r.deps.Clock(), ReasonInitFailed)
		return nil, err
	}

	r.mu.Lock()
	r.entries[id] = entry
	r.creating--
	registered = true
	r.mu.Unlock()

	log.Info("Session %s created (exam=%q student=%q)", shortID(id), req.ExamID, req.StudentID)
	return entry, nil
}

// Get returns a registered session.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

// reserve claims a session slot, counting sessions that are still being
// created.
func (r *Registry) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeLocked()+r.creating >= r.deps.MaxSessions {
		return false
	}
	r.creating++
	return true
}

func (r *Registry) unreserve() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creating--
}

// Active returns the number of sessions that have not ended.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.entries {
		if _, _, ended := e.Ended(); !ended {
			n++
		}
	}
	return n
}

// Len returns the number of registered sessions, ended ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// End terminates a session but keeps it registered so its history stays
// readable. Ending an ended session is a no-op.
func (r *Registry) End(id, reason string) error {
	entry, err := r.Get(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if !entry.endedAt.IsZero() {
		entry.mu.Unlock()
		return nil
	}
	entry.endedAt = r.deps.Clock()
	entry.endReason = reason
	endedAt := entry.endedAt
	entry.mu.Unlock()

	entry.Session.Cleanup()

	if r.deps.WebRTC != nil {
		if err := r.deps.WebRTC.Send(id, webrtc.OutboundMessage{Type: webrtc.OutboundTerminated, Reason: reason}); err != nil && !errors.Is(err, webrtc.ErrNoPeer) {
			log.Warn("Notify %s of termination: %v", shortID(id), err)
		}
		r.deps.WebRTC.RemoveSession(id)
	}
	entry.release()

	r.persistEnd(id, endedAt, reason)
	log.Info("Session %s ended (%s, %d violations)", shortID(id), reason, entry.Log.Count())
	return nil
}

func (r *Registry) persistEnd(id string, at time.Time, reason string) {
	if r.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Store.EndSession(ctx, id, at, reason); err != nil {
		log.Warn("Persist end of %s: %v", shortID(id), err)
	}
}

// Delete ends a session and forgets it.
func (r *Registry) Delete(id string) error {
	if err := r.End(id, ReasonDeleted); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return nil
}

// Close ends every session.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.End(id, ReasonShutdown); err != nil {
			log.Warn("Shutdown of %s: %v", shortID(id), err)
		}
	}
}

// History returns a session's violations, preferring the persistent store.
func (r *Registry) History(ctx context.Context, entry *Entry) []proctor.ViolationEvent {
	if r.deps.Store != nil {
		events, err := r.deps.Store.ListViolations(ctx, entry.ID)
		if err == nil {
			return events
		}
		log.Warn("Read history of %s from store: %v", shortID(entry.ID), err)
	}
	return entry.Log.History()
}

// storeFrame decodes data and publishes it as the session's latest frame.
func (r *Registry) storeFrame(entry *Entry, data []byte, source types.FrameSource) (*types.Frame, error) {
	frame, err := decodeFrame(data, r.deps.Clock(), source)
	if err != nil {
		r.deps.Metrics.FrameError()
		return nil, err
	}
	entry.Frames.Store(frame)
	r.deps.Metrics.FrameReceived()
	return frame, nil
}

func decodeFrame(data []byte, now time.Time, source types.FrameSource) (*types.Frame, error) {
	if len(data) == 0 {
		return nil, proctor.ErrEmptyFrame
	}
	img, _, err := identity.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	frame := types.NewFrame(img, 0, now, source)
	frame.Encoded = data
	return frame, nil
}

// release stops the session's own sinks.
func (e *Entry) release() {
	e.Broadcaster.Close()
	if e.Recorder != nil {
		if err := e.Recorder.Close(); err != nil {
			log.Warn("Close evidence of %s: %v", shortID(e.ID), err)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
