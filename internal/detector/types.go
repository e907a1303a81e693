package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrNotReady is returned by every call made outside a valid
	// initialization window (before Load succeeded or after Close).
	ErrNotReady = errors.New("detector not ready")
	// ErrDetectorTimeout is returned when a capability does not answer within the call timeout.
	ErrDetectorTimeout = errors.New("detector call timed out")
	// ErrDescriptorMismatch is returned when two descriptors cannot be compared.
	ErrDescriptorMismatch = errors.New("descriptor length mismatch")
)

// CallError wraps a failed capability call with the operation name.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("detector %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Region is a bounding box in frame pixel coordinates.
type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Point is a facial landmark position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Descriptor is a fixed-length face embedding.
type Descriptor []float32

// FaceDetection is one face found in a frame.
type FaceDetection struct {
	Region     Region     `json:"region"`
	Score      float64    `json:"score"`
	Landmarks  []Point    `json:"landmarks,omitempty"`
	Descriptor Descriptor `json:"descriptor,omitempty"`
}

// ObjectDetection is one object found in a frame.
type ObjectDetection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       Region  `json:"bbox"`
}

// FaceOptions tunes the face detector.
type FaceOptions struct {
	InputSize       int     `json:"input_size"`
	ScoreThreshold  float64 `json:"score_threshold"`
	WithLandmarks   bool    `json:"with_landmarks"`
	WithDescriptors bool    `json:"with_descriptors"`
}

// DefaultFaceOptions matches the tiny face detector defaults.
func DefaultFaceOptions() FaceOptions {
	return FaceOptions{
		InputSize:       416,
		ScoreThreshold:  0.5,
		WithLandmarks:   true,
		WithDescriptors: true,
	}
}

// Loader is implemented by capabilities that need to be loaded before use.
type Loader interface {
	Load(ctx context.Context) error
}

// FaceDetector localizes faces and extracts landmarks and descriptors.
// An empty result is valid and must not be reported as an error.
type FaceDetector interface {
	Loader
	DetectFaces(ctx context.Context, img image.Image, opts FaceOptions) ([]FaceDetection, error)
}

// ObjectDetector finds labelled objects in a frame.
// An empty result is valid and must not be reported as an error.
type ObjectDetector interface {
	Loader
	DetectObjects(ctx context.Context, img image.Image) ([]ObjectDetection, error)
}

// FaceComparator measures the dissimilarity of two descriptors.
type FaceComparator interface {
	Distance(a, b Descriptor) (float64, error)
}
