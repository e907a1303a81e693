// Package detectortest provides deterministic detector capabilities for tests.
package detectortest

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/proctorwatch/proctor-server/internal/detector"
)

// FaceDetector is a scriptable detector.FaceDetector.
type FaceDetector struct {
	mu      sync.Mutex
	loadErr error
	faces   []detector.FaceDetection
	err     error

	// Hold, when set, blocks every detection until it is closed or receives.
	// The context is ignored while held so tests can simulate a model that
	// finishes after its caller gave up.
	Hold chan struct{}

	// Started is signalled (non-blocking) when a detection begins.
	Started chan struct{}

	// LoadHold, when set, blocks Load until it is closed. LoadStarted is
	// signalled (non-blocking) when Load begins.
	LoadHold    chan struct{}
	LoadStarted chan struct{}

	Calls atomic.Int32
}

// NewFaceDetector returns a detector that reports the given faces.
func NewFaceDetector(faces ...detector.FaceDetection) *FaceDetector {
	return &FaceDetector{
		faces:       faces,
		Started:     make(chan struct{}, 16),
		LoadStarted: make(chan struct{}, 1),
	}
}

// SetFaces replaces the scripted result.
func (f *FaceDetector) SetFaces(faces ...detector.FaceDetection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faces = faces
	f.err = nil
}

// SetError makes every detection fail with err.
func (f *FaceDetector) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetLoadError makes Load fail with err.
func (f *FaceDetector) SetLoadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

// Load implements detector.Loader.
func (f *FaceDetector) Load(ctx context.Context) error {
	select {
	case f.LoadStarted <- struct{}{}:
	default:
	}
	if f.LoadHold != nil {
		<-f.LoadHold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadErr
}

// DetectFaces implements detector.FaceDetector.
func (f *FaceDetector) DetectFaces(ctx context.Context, img image.Image, opts detector.FaceOptions) ([]detector.FaceDetection, error) {
	f.Calls.Add(1)
	select {
	case f.Started <- struct{}{}:
	default:
	}
	if f.Hold != nil {
		<-f.Hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]detector.FaceDetection, len(f.faces))
	copy(out, f.faces)
	return out, nil
}

// ObjectDetector is a scriptable detector.ObjectDetector.
type ObjectDetector struct {
	mu      sync.Mutex
	loadErr error
	objects []detector.ObjectDetection
	err     error

	Calls atomic.Int32
}

// NewObjectDetector returns a detector that reports the given objects.
func NewObjectDetector(objects ...detector.ObjectDetection) *ObjectDetector {
	return &ObjectDetector{objects: objects}
}

// SetObjects replaces the scripted result.
func (o *ObjectDetector) SetObjects(objects ...detector.ObjectDetection) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects = objects
	o.err = nil
}

// SetError makes every detection fail with err.
func (o *ObjectDetector) SetError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// SetLoadError makes Load fail with err.
func (o *ObjectDetector) SetLoadError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadErr = err
}

// Load implements detector.Loader.
func (o *ObjectDetector) Load(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadErr
}

// DetectObjects implements detector.ObjectDetector.
func (o *ObjectDetector) DetectObjects(ctx context.Context, img image.Image) ([]detector.ObjectDetection, error) {
	o.Calls.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	out := make([]detector.ObjectDetection, len(o.objects))
	copy(out, o.objects)
	return out, nil
}

// FixedComparator reports the same distance for every pair.
type FixedComparator struct {
	mu       sync.Mutex
	distance float64
}

// NewFixedComparator returns a comparator that always answers d.
func NewFixedComparator(d float64) *FixedComparator {
	return &FixedComparator{distance: d}
}

// Set changes the reported distance.
func (c *FixedComparator) Set(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distance = d
}

// Distance implements detector.FaceComparator.
func (c *FixedComparator) Distance(a, b detector.Descriptor) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.distance, nil
}

// Face returns a face detection with a descriptor.
func Face(score float64, descriptor ...float32) detector.FaceDetection {
	if len(descriptor) == 0 {
		descriptor = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return detector.FaceDetection{
		Region:     detector.Region{X: 100, Y: 80, W: 120, H: 120},
		Score:      score,
		Descriptor: descriptor,
	}
}

// Object returns an object detection of the given class.
func Object(class string) detector.ObjectDetection {
	return detector.ObjectDetection{
		ClassName:  class,
		Confidence: 0.9,
		BBox:       detector.Region{X: 10, Y: 10, W: 50, H: 50},
	}
}

// Image returns a blank frame of the given size.
func Image(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}
