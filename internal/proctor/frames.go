package proctor

import (
	"sync"

	"github.com/proctorwatch/proctor-server/pkg/types"
)

// FrameSlot keeps the latest frame pushed by a transport. It implements
// FrameSource; older frames are overwritten, never queued.
type FrameSlot struct {
	mu    sync.RWMutex
	frame *types.Frame
	count uint64
}

// NewFrameSlot returns an empty slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{}
}

// Store replaces the latest frame and assigns it the next frame number when
// the producer did not.
func (s *FrameSlot) Store(frame *types.Frame) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if frame.FrameNum == 0 {
		frame.FrameNum = s.count
	}
	s.frame = frame
}

// LatestFrame implements FrameSource.
func (s *FrameSlot) LatestFrame() (*types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.frame != nil
}

// Count returns how many frames were stored.
func (s *FrameSlot) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
