package types

import (
	"image"
	"time"
)

// FrameSource identifies where a frame entered the server
type FrameSource string

const (
	FrameSourceHTTP   FrameSource = "http"
	FrameSourceWebRTC FrameSource = "webrtc"
	FrameSourceTest   FrameSource = "test"
)

// Frame represents a single decoded webcam frame with metadata
type Frame struct {
	Image     image.Image // Decoded pixels
	Encoded   []byte      // Original encoded bytes (JPEG/PNG), kept for evidence snapshots
	Timestamp time.Time   // Frame capture timestamp
	FrameNum  uint64      // Sequential frame number within the session
	Width     int         // Frame width
	Height    int         // Frame height
	Source    FrameSource
}

// NewFrame wraps a decoded image as a Frame
func NewFrame(img image.Image, frameNum uint64, ts time.Time, source FrameSource) *Frame {
	f := &Frame{
		Image:     img,
		Timestamp: ts,
		FrameNum:  frameNum,
		Source:    source,
	}
	if img != nil {
		b := img.Bounds()
		f.Width = b.Dx()
		f.Height = b.Dy()
	}
	return f
}
