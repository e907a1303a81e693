package proctor

import (
	"context"
	"errors"
	"sync"
)

// ErrFullscreenUnsupported is returned by Request when fullscreen is not available.
var ErrFullscreenUnsupported = errors.New("fullscreen not supported")

// VisibilitySource delivers page visibility changes.
type VisibilitySource interface {
	SubscribeVisibility(fn func(hidden bool)) (unsubscribe func())
}

// FullscreenSource exposes the fullscreen capability of the client.
type FullscreenSource interface {
	IsEnabled() bool
	IsFullscreen() bool
	Request(ctx context.Context) error
	SubscribeFullscreen(fn func(fullscreen bool)) (unsubscribe func())
}

// watchVisibility raises TAB_SWITCH whenever the page becomes hidden.
func watchVisibility(src VisibilitySource, emit func(Candidate)) func() {
	return src.SubscribeVisibility(func(hidden bool) {
		if hidden {
			emit(tabSwitchCandidate())
		}
	})
}

// watchFullscreen raises FULLSCREEN_EXIT whenever the client leaves fullscreen
// while the capability is enabled. The capability may be enabled after the
// session starts, so the listener is always attached.
func watchFullscreen(src FullscreenSource, emit func(Candidate)) func() {
	return src.SubscribeFullscreen(func(fullscreen bool) {
		if src.IsEnabled() && !fullscreen && !src.IsFullscreen() {
			emit(fullscreenExitCandidate())
		}
	})
}

// EventSource is an in-process VisibilitySource and FullscreenSource fed by
// whatever transport carries the browser events (HTTP or a data channel).
type EventSource struct {
	mu         sync.Mutex
	nextID     int
	visibility map[int]func(bool)
	fullscreen map[int]func(bool)

	enabled      bool
	isFullscreen bool
	hidden       bool
	onRequest    func(ctx context.Context) error
}

// NewEventSource creates an event source. fullscreenEnabled mirrors the
// client's fullscreen capability.
func NewEventSource(fullscreenEnabled bool) *EventSource {
	return &EventSource{
		visibility: make(map[int]func(bool)),
		fullscreen: make(map[int]func(bool)),
		enabled:    fullscreenEnabled,
	}
}

// SubscribeVisibility implements VisibilitySource.
func (e *EventSource) SubscribeVisibility(fn func(hidden bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.visibility[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.visibility, id)
	}
}

// SubscribeFullscreen implements FullscreenSource.
func (e *EventSource) SubscribeFullscreen(fn func(fullscreen bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.fullscreen[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.fullscreen, id)
	}
}

// IsEnabled implements FullscreenSource.
func (e *EventSource) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// IsFullscreen implements FullscreenSource.
func (e *EventSource) IsFullscreen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isFullscreen
}

// Hidden reports the last visibility state pushed.
func (e *EventSource) Hidden() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hidden
}

// SetRequestHandler installs the transport hook that asks the client to
// enter fullscreen.
func (e *EventSource) SetRequestHandler(fn func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRequest = fn
}

// Request implements FullscreenSource.
func (e *EventSource) Request(ctx context.Context) error {
	e.mu.Lock()
	enabled, hook := e.enabled, e.onRequest
	e.mu.Unlock()

	if !enabled {
		return ErrFullscreenUnsupported
	}
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// SetEnabled updates the fullscreen capability reported by the client.
func (e *EventSource) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// PushVisibility delivers a visibility change to subscribers.
func (e *EventSource) PushVisibility(hidden bool) {
	e.mu.Lock()
	e.hidden = hidden
	subs := snapshot(e.visibility)
	e.mu.Unlock()

	for _, fn := range subs {
		fn(hidden)
	}
}

// PushFullscreen delivers a fullscreen change to subscribers.
func (e *EventSource) PushFullscreen(fullscreen bool) {
	e.mu.Lock()
	e.isFullscreen = fullscreen
	subs := snapshot(e.fullscreen)
	e.mu.Unlock()

	for _, fn := range subs {
		fn(fullscreen)
	}
}

func snapshot(m map[int]func(bool)) []func(bool) {
	out := make([]func(bool), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}
