package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/proctorwatch/proctor-server/internal/logger"
)

var log = logger.For("Detector")

// Config holds adapter tuning.
type Config struct {
	CallTimeout   time.Duration // Upper bound on a single capability call (0 = unbounded)
	MaxFrameWidth int           // Frames wider than this are downscaled before detection (0 = never)
	FaceOptions   FaceOptions
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:   5 * time.Second,
		MaxFrameWidth: 640,
		FaceOptions:   DefaultFaceOptions(),
	}
}

// Adapter is a stateless pass-through over the face and object capabilities.
// It only tracks whether the capabilities were loaded.
type Adapter struct {
	faces      FaceDetector
	objects    ObjectDetector
	comparator FaceComparator
	cfg        Config
	ready      atomic.Bool
}

// NewAdapter wires the capabilities together. A nil comparator defaults to Euclidean.
func NewAdapter(faces FaceDetector, objects ObjectDetector, comparator FaceComparator, cfg Config) *Adapter {
	if comparator == nil {
		comparator = Euclidean{}
	}
	return &Adapter{
		faces:      faces,
		objects:    objects,
		comparator: comparator,
		cfg:        cfg,
	}
}

// Load loads every capability. The adapter becomes ready only if all of them load.
func (a *Adapter) Load(ctx context.Context) error {
	if a.faces == nil || a.objects == nil {
		return fmt.Errorf("load: %w: missing capability", ErrNotReady)
	}

	start := time.Now()
	if err := a.faces.Load(ctx); err != nil {
		return fmt.Errorf("load face detector: %w", err)
	}
	if err := a.objects.Load(ctx); err != nil {
		return fmt.Errorf("load object detector: %w", err)
	}

	a.ready.Store(true)
	log.Info("Capabilities loaded in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

// Ready reports whether Load succeeded and Close has not been called.
func (a *Adapter) Ready() bool {
	return a.ready.Load()
}

// Close ends the initialization window; later calls fail with ErrNotReady.
func (a *Adapter) Close() {
	a.ready.Store(false)
}

// DetectFaces returns every face in the frame, or an empty slice.
func (a *Adapter) DetectFaces(ctx context.Context, img image.Image) ([]FaceDetection, error) {
	scaled, factor := a.prepare(img)
	faces, err := bounded(ctx, a, "detectFaces", func(ctx context.Context) ([]FaceDetection, error) {
		return a.faces.DetectFaces(ctx, scaled, a.cfg.FaceOptions)
	})
	if err != nil {
		return nil, err
	}
	if faces == nil {
		faces = []FaceDetection{}
	}
	if factor == 1 {
		return faces, nil
	}
	// The capability may hand back slices it still owns.
	scaledFaces := make([]FaceDetection, len(faces))
	for i, face := range faces {
		face.Region = scaleRegion(face.Region, factor)
		if len(face.Landmarks) > 0 {
			points := make([]Point, len(face.Landmarks))
			for j, p := range face.Landmarks {
				p.X *= factor
				p.Y *= factor
				points[j] = p
			}
			face.Landmarks = points
		}
		scaledFaces[i] = face
	}
	return scaledFaces, nil
}

// DetectObjects returns every object in the frame, or an empty slice.
func (a *Adapter) DetectObjects(ctx context.Context, img image.Image) ([]ObjectDetection, error) {
	scaled, factor := a.prepare(img)
	objects, err := bounded(ctx, a, "detectObjects", func(ctx context.Context) ([]ObjectDetection, error) {
		return a.objects.DetectObjects(ctx, scaled)
	})
	if err != nil {
		return nil, err
	}
	if objects == nil {
		objects = []ObjectDetection{}
	}
	for i := range objects {
		objects[i].BBox = scaleRegion(objects[i].BBox, factor)
	}
	return objects, nil
}

// EmbedFace extracts the descriptor of the most confident face in a still image.
// It returns ok=false with a nil error when the image holds no face.
func (a *Adapter) EmbedFace(ctx context.Context, img image.Image) (Descriptor, bool, error) {
	opts := a.cfg.FaceOptions
	opts.WithDescriptors = true
	opts.WithLandmarks = true

	faces, err := bounded(ctx, a, "embedFace", func(ctx context.Context) ([]FaceDetection, error) {
		return a.faces.DetectFaces(ctx, img, opts)
	})
	if err != nil {
		return nil, false, err
	}
	if len(faces) == 0 {
		return nil, false, nil
	}

	sort.SliceStable(faces, func(i, j int) bool { return faces[i].Score > faces[j].Score })
	if len(faces[0].Descriptor) == 0 {
		return nil, false, nil
	}
	descriptor := make(Descriptor, len(faces[0].Descriptor))
	copy(descriptor, faces[0].Descriptor)
	return descriptor, true, nil
}

// Distance compares two descriptors with the configured comparator.
func (a *Adapter) Distance(x, y Descriptor) (float64, error) {
	return a.comparator.Distance(x, y)
}

// bounded runs fn under the readiness check and the call timeout. A capability
// that ignores its context is abandoned when the timeout fires; its late result
// is dropped.
func bounded[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !a.ready.Load() {
		return zero, &CallError{Op: op, Err: ErrNotReady}
	}

	callCtx := ctx
	cancel := func() {}
	if a.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
	}
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return zero, &CallError{Op: op, Err: ErrDetectorTimeout}
			}
			return zero, &CallError{Op: op, Err: r.err}
		}
		return r.value, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, &CallError{Op: op, Err: ctx.Err()}
		}
		return zero, &CallError{Op: op, Err: ErrDetectorTimeout}
	}
}

// prepare downscales wide frames. The returned factor maps detector
// coordinates back to the original frame.
func (a *Adapter) prepare(img image.Image) (image.Image, float64) {
	if img == nil || a.cfg.MaxFrameWidth <= 0 {
		return img, 1
	}
	b := img.Bounds()
	if b.Dx() <= a.cfg.MaxFrameWidth {
		return img, 1
	}

	factor := float64(b.Dx()) / float64(a.cfg.MaxFrameWidth)
	h := int(float64(b.Dy()) / factor)
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, a.cfg.MaxFrameWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, factor
}

func scaleRegion(r Region, factor float64) Region {
	if factor == 1 {
		return r
	}
	return Region{
		X: int(float64(r.X) * factor),
		Y: int(float64(r.Y) * factor),
		W: int(float64(r.W) * factor),
		H: int(float64(r.H) * factor),
	}
}
