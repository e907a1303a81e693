package proctor

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// DefaultProhibitedClasses are the object classes that raise OBJECT_DETECTED.
var DefaultProhibitedClasses = []string{"cell phone", "book", "laptop", "remote"}

// Detector is the part of the detector adapter the pipeline needs.
type Detector interface {
	DetectFaces(ctx context.Context, img image.Image) ([]detector.FaceDetection, error)
	DetectObjects(ctx context.Context, img image.Image) ([]detector.ObjectDetection, error)
}

// Emitter admits candidates through the cooldown gate and delivers them.
type Emitter interface {
	Emit(c Candidate, frame *types.Frame) (ViolationEvent, bool)
}

// AnalysisResult is informational for the caller and independent of the violation stream.
type AnalysisResult struct {
	Faces      []detector.FaceDetection   `json:"faces"`
	Objects    []detector.ObjectDetection `json:"objects"`
	IsValid    bool                       `json:"is_valid"`
	Violations []ViolationEvent           `json:"violations"`
}

// PipelineConfig tunes candidate generation.
type PipelineConfig struct {
	ProhibitedClasses   []string
	MinObjectConfidence float64 // Objects below this confidence are ignored (0 = keep all)
}

// Pipeline runs one analysis pass over a frame.
type Pipeline struct {
	detector   Detector
	identity   *identity.Store
	emitter    Emitter
	prohibited map[string]struct{}
	minConf    float64
}

// NewPipeline builds a pipeline. identity may be nil (no identity checks).
func NewPipeline(d Detector, ids *identity.Store, emitter Emitter, cfg PipelineConfig) *Pipeline {
	classes := cfg.ProhibitedClasses
	if len(classes) == 0 {
		classes = DefaultProhibitedClasses
	}
	prohibited := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		prohibited[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return &Pipeline{
		detector:   d,
		identity:   ids,
		emitter:    emitter,
		prohibited: prohibited,
		minConf:    cfg.MinObjectConfidence,
	}
}

// Analyze runs both detectors, derives at most one face candidate and one
// object candidate, and emits them through the gate. A detector failure
// aborts the pass before anything is emitted.
func (p *Pipeline) Analyze(ctx context.Context, frame *types.Frame) (AnalysisResult, error) {
	if frame == nil || frame.Image == nil {
		return AnalysisResult{}, &AnalysisError{Op: "frame", Err: ErrEmptyFrame}
	}

	faces, err := p.detector.DetectFaces(ctx, frame.Image)
	if err != nil {
		return AnalysisResult{}, &AnalysisError{Op: "detectFaces", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return AnalysisResult{}, &AnalysisError{Op: "detectFaces", Err: err}
	}

	objects, err := p.detector.DetectObjects(ctx, frame.Image)
	if err != nil {
		return AnalysisResult{}, &AnalysisError{Op: "detectObjects", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return AnalysisResult{}, &AnalysisError{Op: "detectObjects", Err: err}
	}

	candidates := make([]Candidate, 0, 2)
	faceCandidate, ok, err := p.faceCandidate(faces)
	if err != nil {
		return AnalysisResult{}, &AnalysisError{Op: "compareIdentity", Err: err}
	}
	if ok {
		candidates = append(candidates, faceCandidate)
	}
	if c, ok := p.objectCandidate(objects); ok {
		candidates = append(candidates, c)
	}

	result := AnalysisResult{
		Faces:      faces,
		Objects:    objects,
		IsValid:    len(faces) == 1,
		Violations: []ViolationEvent{},
	}
	for _, c := range candidates {
		if event, admitted := p.emitter.Emit(c, frame); admitted {
			result.Violations = append(result.Violations, event)
		}
	}
	return result, nil
}

// faceCandidate implements the face channel: none, several, or one face that
// does not match the reference.
func (p *Pipeline) faceCandidate(faces []detector.FaceDetection) (Candidate, bool, error) {
	switch {
	case len(faces) == 0:
		return noFaceCandidate(), true, nil
	case len(faces) > 1:
		return multipleFacesCandidate(len(faces)), true, nil
	}

	if p.identity == nil || len(faces[0].Descriptor) == 0 {
		return Candidate{}, false, nil
	}
	distance, set, err := p.identity.Distance(faces[0].Descriptor)
	if err != nil {
		return Candidate{}, false, err
	}
	if !set || !p.identity.IsUnknown(distance) {
		return Candidate{}, false, nil
	}
	return unknownFaceCandidate(distance, p.identity.Threshold()), true, nil
}

// objectCandidate implements the object channel.
func (p *Pipeline) objectCandidate(objects []detector.ObjectDetection) (Candidate, bool) {
	var (
		matched []detector.ObjectDetection
		classes []string
		seen    = make(map[string]struct{})
	)
	for _, obj := range objects {
		class := strings.ToLower(obj.ClassName)
		if _, ok := p.prohibited[class]; !ok {
			continue
		}
		if obj.Confidence < p.minConf {
			continue
		}
		matched = append(matched, obj)
		if _, dup := seen[class]; !dup {
			seen[class] = struct{}{}
			classes = append(classes, obj.ClassName)
		}
	}
	if len(matched) == 0 {
		return Candidate{}, false
	}
	return Candidate{
		Kind:    KindProhibitedObject,
		Message: fmt.Sprintf("Warning: Prohibited items detected: %s", strings.Join(classes, ", ")),
		Details: ObjectDetails{Classes: classes, Objects: matched},
	}, true
}
