package detector

import (
	"fmt"
	"math"
)

// Euclidean compares descriptors by Euclidean distance.
type Euclidean struct{}

// Distance implements FaceComparator.
func (Euclidean) Distance(a, b Descriptor) (float64, error) {
	return EuclideanDistance(a, b)
}

// EuclideanDistance returns the L2 distance between two descriptors of equal length.
func EuclideanDistance(a, b Descriptor) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDescriptorMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
