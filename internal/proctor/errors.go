package proctor

import (
	"errors"
	"fmt"

	"github.com/proctorwatch/proctor-server/internal/detector"
)

var (
	// ErrInitialization wraps a capability load failure; the session is terminated.
	ErrInitialization = errors.New("proctor initialization failed")
	// ErrTerminated is returned by operations on a terminated session.
	ErrTerminated = errors.New("proctor session terminated")
	// ErrNotInitialized is returned when analysis is requested before Initialize.
	ErrNotInitialized = errors.New("proctor session not initialized")
	// ErrAnalysisInFlight is returned when a pass is requested while another runs.
	ErrAnalysisInFlight = errors.New("analysis already in flight")
	// ErrEmptyFrame is returned for a frame without pixels.
	ErrEmptyFrame = errors.New("empty frame")
)

// AnalysisError reports an aborted pass. Nothing was emitted for it.
type AnalysisError struct {
	Op  string
	Err error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis %s: %v", e.Op, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Transient reports whether the next pass may succeed. A detector that is
// not ready is not transient: the session has lost its capabilities.
func (e *AnalysisError) Transient() bool {
	return !errors.Is(e.Err, detector.ErrNotReady)
}
