package detector_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/detector/detectortest"
)

func newLoadedAdapter(t *testing.T, faces *detectortest.FaceDetector, objects *detectortest.ObjectDetector, cfg detector.Config) *detector.Adapter {
	t.Helper()
	a := detector.NewAdapter(faces, objects, nil, cfg)
	require.NoError(t, a.Load(context.Background()))
	return a
}

func TestAdapterNotReadyBeforeLoad(t *testing.T) {
	a := detector.NewAdapter(detectortest.NewFaceDetector(), detectortest.NewObjectDetector(), nil, detector.DefaultConfig())

	_, err := a.DetectFaces(context.Background(), detectortest.Image(64, 64))
	require.ErrorIs(t, err, detector.ErrNotReady)

	_, err = a.DetectObjects(context.Background(), detectortest.Image(64, 64))
	require.ErrorIs(t, err, detector.ErrNotReady)

	_, _, err = a.EmbedFace(context.Background(), detectortest.Image(64, 64))
	require.ErrorIs(t, err, detector.ErrNotReady)

	var callErr *detector.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "embedFace", callErr.Op)
}

func TestAdapterNotReadyAfterClose(t *testing.T) {
	a := newLoadedAdapter(t, detectortest.NewFaceDetector(), detectortest.NewObjectDetector(), detector.DefaultConfig())
	a.Close()

	_, err := a.DetectFaces(context.Background(), detectortest.Image(64, 64))
	assert.ErrorIs(t, err, detector.ErrNotReady)
}

func TestAdapterLoadFailureKeepsNotReady(t *testing.T) {
	objects := detectortest.NewObjectDetector()
	objects.SetLoadError(errors.New("model download failed"))
	a := detector.NewAdapter(detectortest.NewFaceDetector(), objects, nil, detector.DefaultConfig())

	err := a.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object detector")
	assert.False(t, a.Ready())
}

func TestAdapterEmptyResultsAreNotErrors(t *testing.T) {
	a := newLoadedAdapter(t, detectortest.NewFaceDetector(), detectortest.NewObjectDetector(), detector.DefaultConfig())

	faces, err := a.DetectFaces(context.Background(), detectortest.Image(64, 64))
	require.NoError(t, err)
	assert.NotNil(t, faces)
	assert.Empty(t, faces)

	objects, err := a.DetectObjects(context.Background(), detectortest.Image(64, 64))
	require.NoError(t, err)
	assert.NotNil(t, objects)
	assert.Empty(t, objects)
}

func TestAdapterTimeout(t *testing.T) {
	faces := detectortest.NewFaceDetector(detectortest.Face(0.9))
	faces.Hold = make(chan struct{})
	defer close(faces.Hold)

	cfg := detector.DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	a := newLoadedAdapter(t, faces, detectortest.NewObjectDetector(), cfg)

	_, err := a.DetectFaces(context.Background(), detectortest.Image(64, 64))
	require.ErrorIs(t, err, detector.ErrDetectorTimeout)
}

func TestAdapterDownscalesWideFrames(t *testing.T) {
	faces := detectortest.NewFaceDetector(detector.FaceDetection{
		Region: detector.Region{X: 10, Y: 10, W: 100, H: 100},
		Score:  0.9,
	})
	cfg := detector.DefaultConfig()
	cfg.MaxFrameWidth = 640
	a := newLoadedAdapter(t, faces, detectortest.NewObjectDetector(), cfg)

	got, err := a.DetectFaces(context.Background(), detectortest.Image(1280, 720))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, detector.Region{X: 20, Y: 20, W: 200, H: 200}, got[0].Region)
}

func TestAdapterScalesLandmarksOnce(t *testing.T) {
	faces := detectortest.NewFaceDetector(detector.FaceDetection{
		Region:    detector.Region{X: 10, Y: 10, W: 100, H: 100},
		Score:     0.9,
		Landmarks: []detector.Point{{X: 30, Y: 40}},
	})
	cfg := detector.DefaultConfig()
	cfg.MaxFrameWidth = 640
	a := newLoadedAdapter(t, faces, detectortest.NewObjectDetector(), cfg)

	for i := 0; i < 3; i++ {
		got, err := a.DetectFaces(context.Background(), detectortest.Image(1280, 720))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []detector.Point{{X: 60, Y: 80}}, got[0].Landmarks, "call %d", i)
	}
}

func TestEmbedFacePicksMostConfidentFace(t *testing.T) {
	faces := detectortest.NewFaceDetector(
		detectortest.Face(0.4, 1, 1, 1),
		detectortest.Face(0.95, 2, 2, 2),
	)
	a := newLoadedAdapter(t, faces, detectortest.NewObjectDetector(), detector.DefaultConfig())

	desc, ok, err := a.EmbedFace(context.Background(), detectortest.Image(64, 64))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, detector.Descriptor{2, 2, 2}, desc)
}

func TestEmbedFaceNoFace(t *testing.T) {
	a := newLoadedAdapter(t, detectortest.NewFaceDetector(), detectortest.NewObjectDetector(), detector.DefaultConfig())

	desc, ok, err := a.EmbedFace(context.Background(), detectortest.Image(64, 64))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, desc)
}

func TestEuclideanDistance(t *testing.T) {
	d, err := detector.EuclideanDistance(detector.Descriptor{0, 0}, detector.Descriptor{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, 1e-9)

	_, err = detector.EuclideanDistance(detector.Descriptor{1}, detector.Descriptor{1, 2})
	assert.ErrorIs(t, err, detector.ErrDescriptorMismatch)
}

func TestRemoteDetectors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": true, "models": []string{"tiny_face", "coco_ssd"}})
	})
	mux.HandleFunc("POST /v1/faces", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		assert.Equal(t, "416", r.URL.Query().Get("input_size"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"faces": []map[string]any{{
				"region":     map[string]int{"x": 1, "y": 2, "w": 3, "h": 4},
				"score":      0.8,
				"descriptor": []float32{0.5, 0.25},
			}},
		})
	})
	mux.HandleFunc("POST /v1/objects", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"objects": []map[string]any{{"class_name": "cell phone", "confidence": 0.7, "bbox": map[string]int{"x": 5, "y": 5, "w": 10, "h": 10}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	faces, objects := detector.NewRemote(detector.RemoteConfig{BaseURL: srv.URL})
	a := detector.NewAdapter(faces, objects, nil, detector.DefaultConfig())
	require.NoError(t, a.Load(context.Background()))

	gotFaces, err := a.DetectFaces(context.Background(), detectortest.Image(64, 64))
	require.NoError(t, err)
	require.Len(t, gotFaces, 1)
	assert.Equal(t, detector.Descriptor{0.5, 0.25}, gotFaces[0].Descriptor)

	gotObjects, err := a.DetectObjects(context.Background(), detectortest.Image(64, 64))
	require.NoError(t, err)
	require.Len(t, gotObjects, 1)
	assert.Equal(t, "cell phone", gotObjects[0].ClassName)
}

func TestRemoteLoadNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": false})
	}))
	defer srv.Close()

	faces, _ := detector.NewRemote(detector.RemoteConfig{BaseURL: srv.URL})
	err := faces.Load(context.Background())
	assert.ErrorIs(t, err, detector.ErrNotReady)
}
