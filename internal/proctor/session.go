package proctor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/proctorwatch/proctor-server/internal/cooldown"
	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// State is the session lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateAnalyzing
	StateTerminated
)

var stateNames = map[State]string{
	StateUninitialized: "Uninitialized",
	StateInitializing:  "Initializing",
	StateReady:         "Ready",
	StateAnalyzing:     "Analyzing",
	StateTerminated:    "Terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Config holds per-session tuning.
type Config struct {
	Interval            time.Duration // Analysis cadence
	Cooldown            time.Duration // Per-kind cooldown window
	IdentityThreshold   float64       // Distance above which a face is unknown
	MaxFrameAge         time.Duration // Ticks skip frames older than this (0 = no limit)
	ProhibitedClasses   []string
	MinObjectConfidence float64
}

// DefaultConfig returns the observed cadence and thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Second,
		Cooldown:          cooldown.DefaultWindow,
		IdentityThreshold: identity.DefaultThreshold,
		MaxFrameAge:       5 * time.Second,
		ProhibitedClasses: DefaultProhibitedClasses,
	}
}

// FrameSource yields the most recent frame for the periodic trigger.
type FrameSource interface {
	LatestFrame() (*types.Frame, bool)
}

// Options are the collaborators of a session.
type Options struct {
	ID         string // Generated when empty
	Adapter    *detector.Adapter
	Sink       Sink
	Visibility VisibilitySource // Optional
	Fullscreen FullscreenSource // Optional
	Metrics    *metrics.Metrics // Optional
	Clock      func() time.Time // Defaults to time.Now
	Logger     *logger.Logger   // Defaults to the global logger
}

// Session is one proctored exam attempt.
type Session struct {
	id      string
	cfg     Config
	adapter *detector.Adapter
	sink    Sink
	vis     VisibilitySource
	fs      FullscreenSource
	metrics *metrics.Metrics
	clock   func() time.Time
	log     logger.Module
	tickLog *logger.Throttled

	identity *identity.Store
	gate     *cooldown.Gate[ViolationKind]
	pipeline *Pipeline

	state    atomic.Int32
	inFlight atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	lifecycleMu sync.Mutex
	unsubscribe []func()
	loopDone    chan struct{}

	emitMu sync.Mutex
	alive  bool
}

// NewSession creates an uninitialized session.
func NewSession(cfg Config, opts Options) *Session {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.IdentityThreshold <= 0 {
		cfg.IdentityThreshold = def.IdentityThreshold
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sink == nil {
		opts.Sink = SinkFunc(func(ViolationEvent) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	mod := logger.For("Session")
	if opts.Logger != nil {
		mod = opts.Logger.For("Session")
	}
	mod = mod.With(shortID(opts.ID))

	s := &Session{
		id:      opts.ID,
		cfg:     cfg,
		adapter: opts.Adapter,
		sink:    opts.Sink,
		vis:     opts.Visibility,
		fs:      opts.Fullscreen,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		log:     mod,
		tickLog: logger.NewThrottled(mod, 3, 30*time.Second),
		gate:    cooldown.NewGate[ViolationKind](cfg.Cooldown),
		ctx:     ctx,
		cancel:  cancel,
		alive:   true,
	}
	s.identity = identity.NewStore(opts.Adapter, cfg.IdentityThreshold)
	s.pipeline = NewPipeline(opts.Adapter, s.identity, s, PipelineConfig{
		ProhibitedClasses:   cfg.ProhibitedClasses,
		MinObjectConfidence: cfg.MinObjectConfidence,
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Identity exposes the reference store.
func (s *Session) Identity() *identity.Store { return s.identity }

// Initialize loads the detector capabilities and attaches the environmental
// monitors. A load failure terminates the session; analysis never starts.
func (s *Session) Initialize(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		switch s.State() {
		case StateReady, StateAnalyzing:
			return nil
		case StateTerminated:
			return ErrTerminated
		default:
			return fmt.Errorf("initialize: session is %s", s.State())
		}
	}

	s.log.Info("Initializing (interval=%v, cooldown=%v)", s.cfg.Interval, s.cfg.Cooldown)

	var err error
	if s.adapter == nil {
		err = errors.New("no detector adapter configured")
	} else {
		err = s.adapter.Load(ctx)
	}
	if err != nil {
		s.metrics.SessionFailed()
		s.terminate()
		s.log.Error("Initialization failed: %v", err)
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	s.lifecycleMu.Lock()
	if s.State() != StateInitializing {
		// Cleanup ran while the capabilities were loading. Its Close came
		// before Load finished, so close again and attach nothing.
		s.lifecycleMu.Unlock()
		s.adapter.Close()
		s.log.Info("Terminated during initialization")
		return ErrTerminated
	}
	if s.vis != nil {
		s.unsubscribe = append(s.unsubscribe, watchVisibility(s.vis, s.emitEnvironmental))
	}
	if s.fs != nil {
		s.unsubscribe = append(s.unsubscribe, watchFullscreen(s.fs, s.emitEnvironmental))
	}
	s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		// Cleanup raced with initialization.
		return ErrTerminated
	}
	s.metrics.SessionStarted()
	s.log.Info("Ready")
	return nil
}

// Start runs the periodic analysis trigger against frames.
func (s *Session) Start(frames FrameSource) error {
	if frames == nil {
		return errors.New("start: nil frame source")
	}
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateAnalyzing)) {
		if s.State() == StateTerminated {
			return ErrTerminated
		}
		return fmt.Errorf("start: session is %s", s.State())
	}

	done := make(chan struct{})
	s.lifecycleMu.Lock()
	s.loopDone = done
	s.lifecycleMu.Unlock()

	go s.run(frames, done)
	return nil
}

func (s *Session) run(frames FrameSource, done chan struct{}) {
	defer close(done)

	s.log.Info("Starting analysis loop (every %v)", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(frames)
		}
	}
}

// tick starts a pass on its own goroutine unless one is still in flight.
// A slow detector therefore drops ticks; it never overlaps passes.
func (s *Session) tick(frames FrameSource) {
	frame, ok := frames.LatestFrame()
	if !ok {
		return
	}
	if s.cfg.MaxFrameAge > 0 && !frame.Timestamp.IsZero() && s.clock().Sub(frame.Timestamp) > s.cfg.MaxFrameAge {
		s.metrics.FrameStale()
		s.tickLog.Warn("Latest frame #%d is stale (%v old), skipping tick", frame.FrameNum, s.clock().Sub(frame.Timestamp).Round(time.Millisecond))
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.PassSkipped()
		s.log.Debug("Pass still in flight, skipping tick")
		return
	}

	go func() {
		defer s.inFlight.Store(false)
		if _, err := s.runPass(s.ctx, frame); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var aerr *AnalysisError
			if errors.As(err, &aerr) && !aerr.Transient() {
				s.tickLog.Error("Pass on frame #%d failed, detector unavailable: %v", frame.FrameNum, err)
				return
			}
			s.tickLog.Warn("Pass on frame #%d failed: %v", frame.FrameNum, err)
		}
	}()
}

// AnalyzeFrame runs a single pass on frame. It fails with
// ErrAnalysisInFlight instead of overlapping a running pass.
func (s *Session) AnalyzeFrame(ctx context.Context, frame *types.Frame) (AnalysisResult, error) {
	switch s.State() {
	case StateReady, StateAnalyzing:
	case StateTerminated:
		return AnalysisResult{}, ErrTerminated
	default:
		return AnalysisResult{}, ErrNotInitialized
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.PassSkipped()
		return AnalysisResult{}, ErrAnalysisInFlight
	}
	defer s.inFlight.Store(false)

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.runPass(passCtx, frame)
}

func (s *Session) runPass(ctx context.Context, frame *types.Frame) (AnalysisResult, error) {
	start := time.Now()
	result, err := s.pipeline.Analyze(ctx, frame)
	s.metrics.ObservePass(time.Since(start), err)
	return result, err
}

// SetKnownFace stores the reference identity from a still image. It returns
// false when the image holds no face.
func (s *Session) SetKnownFace(ctx context.Context, img image.Image) (bool, error) {
	switch s.State() {
	case StateReady, StateAnalyzing:
	case StateTerminated:
		return false, ErrTerminated
	default:
		return false, ErrNotInitialized
	}
	return s.identity.SetReference(ctx, img)
}

// EnterFullscreen asks the client to enter fullscreen.
func (s *Session) EnterFullscreen(ctx context.Context) error {
	if s.fs == nil || !s.fs.IsEnabled() {
		return ErrFullscreenUnsupported
	}
	if err := s.fs.Request(ctx); err != nil {
		s.log.Warn("Fullscreen request failed: %v", err)
		return err
	}
	return nil
}

// Emit implements Emitter: it admits c through the cooldown gate and hands
// the event to the sink. Nothing is emitted once Cleanup has started.
func (s *Session) Emit(c Candidate, frame *types.Frame) (ViolationEvent, bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if !s.alive {
		return ViolationEvent{}, false
	}
	now := s.clock()
	if !s.gate.TryAdmit(c.Kind, now) {
		s.metrics.ViolationSuppressed(string(c.Kind))
		return ViolationEvent{}, false
	}

	event := ViolationEvent{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Kind:      c.Kind,
		Message:   c.Message,
		Timestamp: now,
		Details:   c.Details,
		Frame:     frame,
	}
	if frame != nil {
		event.FrameNumber = frame.FrameNum
	}

	s.log.Info("Violation %s: %s", event.Kind, event.Message)
	s.sink.OnViolation(event)
	s.metrics.ViolationAdmitted(string(c.Kind))
	return event, true
}

func (s *Session) emitEnvironmental(c Candidate) {
	s.Emit(c, nil)
}

// Cleanup detaches the monitors, stops the trigger and silences every
// in-flight pass. It is idempotent.
func (s *Session) Cleanup() {
	s.emitMu.Lock()
	wasAlive := s.alive
	s.alive = false
	s.emitMu.Unlock()
	if !wasAlive {
		return
	}

	prev := s.terminate()

	s.lifecycleMu.Lock()
	unsubs := s.unsubscribe
	s.unsubscribe = nil
	done := s.loopDone
	s.lifecycleMu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if done != nil {
		<-done
	}
	if s.adapter != nil {
		s.adapter.Close()
	}
	if prev == StateReady || prev == StateAnalyzing {
		s.metrics.SessionEnded()
	}
	s.log.Info("Terminated (was %s)", prev)
}

// terminate moves to Terminated and cancels the session context, returning
// the previous state.
func (s *Session) terminate() State {
	s.emitMu.Lock()
	s.alive = false
	s.emitMu.Unlock()

	prev := State(s.state.Swap(int32(StateTerminated)))
	s.cancel()
	return prev
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
