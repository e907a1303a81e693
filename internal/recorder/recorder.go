// Package recorder keeps evidence snapshots of the frames behind violations.
package recorder

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/proctor"
)

var log = logger.For("Recorder")

type snapshot struct {
	event proctor.ViolationEvent
}

// Recorder writes a JPEG snapshot for every violation that carries a frame.
// It implements proctor.Sink; writes happen on a background goroutine.
type Recorder struct {
	mu            sync.RWMutex
	basePath      string
	dir           string
	recording     bool
	snapshotCount uint64
	bytesWritten  uint64
	dropped       uint64
	startTime     time.Time
	files         []string
	snapChan      chan snapshot
	wg            sync.WaitGroup
	quality       int
}

// NewRecorder creates a recorder that stores snapshots under basePath.
func NewRecorder(basePath string) *Recorder {
	return &Recorder{
		basePath: basePath,
		quality:  85,
	}
}

// Start starts recording evidence for a session into basePath/<sessionID>.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	dir := filepath.Join(r.basePath, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create evidence directory: %w", err)
	}

	r.dir = dir
	r.recording = true
	r.snapshotCount = 0
	r.bytesWritten = 0
	r.dropped = 0
	r.files = nil
	r.startTime = time.Now()
	r.snapChan = make(chan snapshot, 16)

	r.wg.Add(1)
	go r.writeSnapshots(r.snapChan)

	log.Info("Recording evidence to %s", dir)
	return nil
}

// Stop stops recording and waits for queued snapshots to be written.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.snapChan)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// OnViolation implements proctor.Sink. Environmental violations have no frame
// and are ignored.
func (r *Recorder) OnViolation(event proctor.ViolationEvent) {
	if event.Frame == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}

	// Non-blocking send
	select {
	case r.snapChan <- snapshot{event: event}:
	default:
		r.dropped++
		log.Warn("Snapshot queue full, dropping evidence for %s", event.ID)
	}
}

func (r *Recorder) writeSnapshots(ch <-chan snapshot) {
	defer r.wg.Done()
	for snap := range ch {
		if err := r.writeSnapshot(snap.event); err != nil {
			log.Error("Write snapshot for %s: %v", snap.event.ID, err)
		}
	}
}

func (r *Recorder) writeSnapshot(event proctor.ViolationEvent) error {
	data, err := r.encode(event)
	if err != nil {
		return err
	}

	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()

	name := fmt.Sprintf("%s_%06d_%s.jpg", event.Timestamp.UTC().Format("20060102T150405.000"), event.FrameNumber, strings.ToLower(string(event.Kind)))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	r.mu.Lock()
	r.snapshotCount++
	r.bytesWritten += uint64(len(data))
	r.files = append(r.files, name)
	r.mu.Unlock()
	return nil
}

// encode reuses the uploaded JPEG when there is one.
func (r *Recorder) encode(event proctor.ViolationEvent) ([]byte, error) {
	frame := event.Frame
	if len(frame.Encoded) > 2 && frame.Encoded[0] == 0xFF && frame.Encoded[1] == 0xD8 {
		return frame.Encoded, nil
	}
	if frame.Image == nil {
		return nil, fmt.Errorf("frame #%d has no pixels", frame.FrameNum)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:     r.recording,
		Directory:     r.dir,
		Files:         append([]string(nil), r.files...),
		SnapshotCount: r.snapshotCount,
		BytesWritten:  r.bytesWritten,
		Dropped:       r.dropped,
		Duration:      duration,
		StartTime:     r.startTime,
	}
}

// Close stops the recorder if it is recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording     bool          `json:"recording"`
	Directory     string        `json:"directory"`
	Files         []string      `json:"files"`
	SnapshotCount uint64        `json:"snapshot_count"`
	BytesWritten  uint64        `json:"bytes_written"`
	Dropped       uint64        `json:"dropped"`
	Duration      time.Duration `json:"duration_ms"`
	StartTime     time.Time     `json:"start_time"`
}
