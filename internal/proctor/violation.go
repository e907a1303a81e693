package proctor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// ViolationKind tags a violation and selects its cooldown bucket.
type ViolationKind string

const (
	KindNoFace           ViolationKind = "NO_FACE"
	KindMultipleFaces    ViolationKind = "MULTIPLE_FACES"
	KindUnknownFace      ViolationKind = "UNKNOWN_FACE"
	KindProhibitedObject ViolationKind = "OBJECT_DETECTED"
	KindTabSwitch        ViolationKind = "TAB_SWITCH"
	KindFullscreenExit   ViolationKind = "FULLSCREEN_EXIT"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []ViolationKind{
	KindNoFace,
	KindMultipleFaces,
	KindUnknownFace,
	KindProhibitedObject,
	KindTabSwitch,
	KindFullscreenExit,
}

// Valid reports whether k is a known kind.
func (k ViolationKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Details is the kind-specific payload of a violation.
type Details interface {
	Kind() ViolationKind
}

// FaceCountDetails accompanies MULTIPLE_FACES.
type FaceCountDetails struct {
	FaceCount int `json:"face_count"`
}

func (FaceCountDetails) Kind() ViolationKind { return KindMultipleFaces }

// IdentityDetails accompanies UNKNOWN_FACE.
type IdentityDetails struct {
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
}

func (IdentityDetails) Kind() ViolationKind { return KindUnknownFace }

// ObjectDetails accompanies OBJECT_DETECTED. Classes holds each matched class once.
type ObjectDetails struct {
	Classes []string                   `json:"classes"`
	Objects []detector.ObjectDetection `json:"objects"`
}

func (ObjectDetails) Kind() ViolationKind { return KindProhibitedObject }

// ViolationEvent is one admitted violation.
type ViolationEvent struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Kind        ViolationKind `json:"type"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	FrameNumber uint64        `json:"frame_number,omitempty"`
	Details     Details       `json:"details,omitempty"`

	// Frame is the frame that produced a face or object violation. It is
	// never serialized; sinks that keep evidence read it directly.
	Frame *types.Frame `json:"-"`
}

type eventJSON struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Kind        ViolationKind   `json:"type"`
	Message     string          `json:"message"`
	Timestamp   time.Time       `json:"timestamp"`
	FrameNumber uint64          `json:"frame_number,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// UnmarshalJSON restores the kind-specific Details type.
func (e *ViolationEvent) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	details, err := DecodeDetails(raw.Kind, raw.Details)
	if err != nil {
		return err
	}
	*e = ViolationEvent{
		ID:          raw.ID,
		SessionID:   raw.SessionID,
		Kind:        raw.Kind,
		Message:     raw.Message,
		Timestamp:   raw.Timestamp,
		FrameNumber: raw.FrameNumber,
		Details:     details,
	}
	return nil
}

// DecodeDetails decodes a JSON details payload for kind. Empty input yields nil.
func DecodeDetails(kind ViolationKind, raw json.RawMessage) (Details, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		details Details
		err     error
	)
	switch kind {
	case KindMultipleFaces:
		var d FaceCountDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case KindUnknownFace:
		var d IdentityDetails
		err = json.Unmarshal(raw, &d)
		details = d
	case KindProhibitedObject:
		var d ObjectDetails
		err = json.Unmarshal(raw, &d)
		details = d
	default:
		return nil, fmt.Errorf("kind %q carries no details", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s details: %w", kind, err)
	}
	return details, nil
}

// Sink receives admitted violations. Calls are serialized in emission order
// and must not block for long; a sink must not call Session.Cleanup
// synchronously.
type Sink interface {
	OnViolation(event ViolationEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event ViolationEvent)

// OnViolation implements Sink.
func (f SinkFunc) OnViolation(event ViolationEvent) { f(event) }

// Candidate is a potential violation before the cooldown gate.
type Candidate struct {
	Kind    ViolationKind
	Message string
	Details Details
}

func noFaceCandidate() Candidate {
	return Candidate{Kind: KindNoFace, Message: "Warning: No face detected"}
}

func multipleFacesCandidate(count int) Candidate {
	return Candidate{
		Kind:    KindMultipleFaces,
		Message: fmt.Sprintf("Warning: Multiple faces detected (%d)", count),
		Details: FaceCountDetails{FaceCount: count},
	}
}

func unknownFaceCandidate(distance, threshold float64) Candidate {
	return Candidate{
		Kind:    KindUnknownFace,
		Message: "Warning: Unknown person detected",
		Details: IdentityDetails{Distance: distance, Threshold: threshold},
	}
}

func tabSwitchCandidate() Candidate {
	return Candidate{Kind: KindTabSwitch, Message: "Warning: Tab switching detected"}
}

func fullscreenExitCandidate() Candidate {
	return Candidate{Kind: KindFullscreenExit, Message: "Warning: Fullscreen mode exited"}
}
