package cooldown

import (
	"sync"
	"time"
)

// DefaultWindow is the minimum spacing between two admissions of the same kind.
const DefaultWindow = 3 * time.Second

// Gate suppresses repeat admissions of the same kind inside a fixed window.
// Buckets are independent: admitting one kind never affects another.
type Gate[K comparable] struct {
	mu     sync.Mutex
	window time.Duration
	last   map[K]time.Time
}

// NewGate creates a gate. A non-positive window uses DefaultWindow.
func NewGate[K comparable](window time.Duration) *Gate[K] {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate[K]{
		window: window,
		last:   make(map[K]time.Time),
	}
}

// TryAdmit admits kind at now if no admission of kind happened within the
// window, recording now as its last admission. Check and update happen under
// one lock, so two concurrent callers can never both be admitted.
func (g *Gate[K]) TryAdmit(kind K, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[kind]; ok && now.Sub(last) < g.window {
		return false
	}
	g.last[kind] = now
	return true
}

// Last returns the last admission time of kind.
func (g *Gate[K]) Last(kind K) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[kind]
	return t, ok
}

// Window returns the cooldown window.
func (g *Gate[K]) Window() time.Duration {
	return g.window
}

// Reset forgets every admission.
func (g *Gate[K]) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = make(map[K]time.Time)
}
