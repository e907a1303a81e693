package identity

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"sync"

	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/logger"
)

// DefaultThreshold is the distance above which a face is treated as unknown.
const DefaultThreshold = 0.6

var log = logger.For("Identity")

// Embedder extracts a single descriptor from a still image.
type Embedder interface {
	EmbedFace(ctx context.Context, img image.Image) (detector.Descriptor, bool, error)
	Distance(a, b detector.Descriptor) (float64, error)
}

// Store holds at most one reference descriptor for a session.
type Store struct {
	mu        sync.RWMutex
	embedder  Embedder
	threshold float64
	reference detector.Descriptor
}

// NewStore creates an empty store. A non-positive threshold uses DefaultThreshold.
func NewStore(embedder Embedder, threshold float64) *Store {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Store{embedder: embedder, threshold: threshold}
}

// SetReference computes and stores the descriptor of the face in img,
// replacing any previous reference. It returns false and leaves the store
// unchanged when img holds no face.
func (s *Store) SetReference(ctx context.Context, img image.Image) (bool, error) {
	descriptor, ok, err := s.embedder.EmbedFace(ctx, img)
	if err != nil {
		return false, fmt.Errorf("embed reference face: %w", err)
	}
	if !ok {
		log.Info("No face detected in reference image")
		return false, nil
	}

	s.mu.Lock()
	s.reference = descriptor
	s.mu.Unlock()

	log.Info("Reference face set (descriptor length %d)", len(descriptor))
	return true, nil
}

// IsSet reports whether a reference is stored.
func (s *Store) IsSet() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reference != nil
}

// Distance returns the dissimilarity between d and the reference.
// ok is false when no reference is set.
func (s *Store) Distance(d detector.Descriptor) (distance float64, ok bool, err error) {
	s.mu.RLock()
	ref := s.reference
	s.mu.RUnlock()

	if ref == nil {
		return 0, false, nil
	}
	distance, err = s.embedder.Distance(d, ref)
	if err != nil {
		return 0, false, err
	}
	return distance, true, nil
}

// IsUnknown reports whether distance exceeds the threshold.
func (s *Store) IsUnknown(distance float64) bool {
	return distance > s.threshold
}

// Threshold returns the configured threshold.
func (s *Store) Threshold() float64 {
	return s.threshold
}

// DecodeImage decodes a JPEG, PNG or WebP still.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}
