package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/detector/detectortest"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/proctor"
	"github.com/proctorwatch/proctor-server/internal/violations"
	"github.com/proctorwatch/proctor-server/internal/webrtc"
)

type testServer struct {
	*httptest.Server
	registry *Registry
	store    *violations.SQLiteStore
	faces    *detectortest.FaceDetector
	objects  *detectortest.ObjectDetector
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T, tweak func(*Deps, *Config)) *testServer {
	t.Helper()
	ts := &testServer{
		faces:   detectortest.NewFaceDetector(),
		objects: detectortest.NewObjectDetector(),
		metrics: metrics.New(),
	}
	store, err := violations.OpenSQLite(":memory:", ts.metrics)
	require.NoError(t, err)
	ts.store = store

	cfg := proctor.DefaultConfig()
	// Tests drive passes through the analyze endpoint.
	cfg.Interval = time.Hour

	deps := Deps{
		Adapters: func() *detector.Adapter {
			return detector.NewAdapter(ts.faces, ts.objects, detectortest.NewFixedComparator(0.2), detector.DefaultConfig())
		},
		Session:       cfg,
		MaxSessions:   10,
		MaxViolations: violations.DefaultMaxViolations,
		Store:         store,
		EvidencePath:  t.TempDir(),
		Metrics:       ts.metrics,
	}
	srvCfg := DefaultConfig()
	if tweak != nil {
		tweak(&deps, &srvCfg)
	}
	ts.registry = NewRegistry(deps)
	ts.Server = httptest.NewServer(NewServer(srvCfg, ts.registry).Handler())

	t.Cleanup(func() {
		ts.Server.Close()
		ts.registry.Close()
		_ = store.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) create(t *testing.T) string {
	t.Helper()
	var view sessionView
	status := ts.do(t, http.MethodPost, "/api/sessions",
		strings.NewReader(`{"exam_id":"exam-1","student_id":"student-1"}`), &view)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, view.ID)
	return view.ID
}

func (ts *testServer) event(t *testing.T, id, body string) map[string]any {
	t.Helper()
	var out map[string]any
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/events", strings.NewReader(body), &out))
	return out
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, detectortest.Image(w, h)))
	return buf.Bytes()
}

func TestCreateAndGetSession(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	var view sessionView
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sessions/"+id, nil, &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, "exam-1", view.ExamID)
	assert.Equal(t, "student-1", view.StudentID)
	assert.Equal(t, proctor.StateAnalyzing.String(), view.State)
	assert.Zero(t, view.Violations)
	assert.Nil(t, view.EndedAt)
	assert.True(t, view.Fullscreen.Enabled)
	require.NotNil(t, view.Evidence)
	assert.True(t, view.Evidence.Recording)

	var health map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["sessions"])

	rec, err := ts.store.GetSession(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "exam-1", rec.ExamID)
}

func TestCreateSessionFailsWhenModelsMissing(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.objects.SetLoadError(errors.New("weights missing"))

	var out map[string]any
	status := ts.do(t, http.MethodPost, "/api/sessions", strings.NewReader(`{}`), &out)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, out["error"], "initialization failed")
	assert.Zero(t, ts.registry.Len())
	assert.Equal(t, uint64(1), ts.metrics.SessionsFailed.Load())

	// The failed attempt gives its slot back.
	ts.registry.mu.RLock()
	assert.Zero(t, ts.registry.creating)
	ts.registry.mu.RUnlock()
}

func TestCreateSessionLimit(t *testing.T) {
	ts := newTestServer(t, func(d *Deps, _ *Config) { d.MaxSessions = 1 })
	id := ts.create(t)

	var out map[string]any
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/api/sessions", nil, &out))
	assert.Contains(t, out["error"], "too many")

	// Ended sessions free their slot.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil, nil))
	ts.create(t)
}

func TestCreateReservesSlotWhileInitializing(t *testing.T) {
	ts := newTestServer(t, func(d *Deps, _ *Config) { d.MaxSessions = 2 })
	ts.faces.LoadHold = make(chan struct{})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ts.registry.Create(t.Context(), CreateRequest{ExamID: "exam-1"})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		ts.registry.mu.RLock()
		defer ts.registry.mu.RUnlock()
		return ts.registry.creating == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err := ts.registry.Create(t.Context(), CreateRequest{ExamID: "exam-1"})
	assert.ErrorIs(t, err, ErrTooManySessions)

	close(ts.faces.LoadHold)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 2, ts.registry.Active())
}

func TestUnknownSession(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/violations", "/api/sessions/nope/summary"} {
		var out map[string]any
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, nil, &out), path)
		assert.Equal(t, ErrSessionNotFound.Error(), out["error"])
	}
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/sessions/nope", nil, nil))
}

func TestAnalyzeReportsViolations(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	var result proctor.AnalysisResult
	status := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", bytes.NewReader(pngBytes(t, 64, 48)), &result)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, result.IsValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, proctor.KindNoFace, result.Violations[0].Kind)
	assert.Equal(t, id, result.Violations[0].SessionID)

	// Within the cooldown the same condition is suppressed.
	status = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", bytes.NewReader(pngBytes(t, 64, 48)), &result)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, result.Violations)

	ts.faces.SetFaces(detectortest.Face(0.9))
	ts.objects.SetObjects(detectortest.Object("cell phone"))
	status = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", bytes.NewReader(pngBytes(t, 64, 48)), &result)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, result.IsValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, proctor.KindProhibitedObject, result.Violations[0].Kind)

	var history struct {
		Count      int                      `json:"count"`
		Violations []proctor.ViolationEvent `json:"violations"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sessions/"+id+"/violations", nil, &history))
	assert.Equal(t, 2, history.Count)
	require.Len(t, history.Violations, 2)
	assert.Equal(t, proctor.KindNoFace, history.Violations[0].Kind)
	details, ok := history.Violations[1].Details.(proctor.ObjectDetails)
	require.True(t, ok)
	assert.Equal(t, []string{"cell phone"}, details.Classes)

	var summary violations.Summary
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sessions/"+id+"/summary", nil, &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 25, summary.Suspicion.Score)
	assert.Equal(t, violations.SuspicionLow, summary.Suspicion.Level)

	// Face and object violations carry their frame as evidence.
	require.Eventually(t, func() bool {
		entry, err := ts.registry.Get(id)
		return err == nil && entry.Recorder.GetStatus().SnapshotCount == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnalyzeErrors(t *testing.T) {
	ts := newTestServer(t, func(_ *Deps, c *Config) { c.MaxUploadBytes = 1 << 10 })
	id := ts.create(t)

	var out map[string]any
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", strings.NewReader("not an image"), &out))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", nil, &out))
	assert.Equal(t, http.StatusRequestEntityTooLarge, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", bytes.NewReader(make([]byte, 2<<10)), &out))

	ts.objects.SetError(errors.New("inference timeout"))
	assert.Equal(t, http.StatusBadGateway, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", bytes.NewReader(pngBytes(t, 8, 8)), &out))
	assert.Contains(t, out["error"], "detectObjects")
	assert.Equal(t, uint64(2), ts.metrics.FrameErrors.Load())
}

func TestReferenceImage(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	var out map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/reference", bytes.NewReader(pngBytes(t, 32, 32)), &out))
	assert.Equal(t, false, out["ok"])

	ts.faces.SetFaces(detectortest.Face(0.95))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/reference", bytes.NewReader(pngBytes(t, 32, 32)), &out))
	assert.Equal(t, true, out["ok"])

	var view sessionView
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sessions/"+id, nil, &view))
	assert.True(t, view.ReferenceSet)
}

func TestFrameUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	var out map[string]any
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/frames", bytes.NewReader(pngBytes(t, 40, 30)), &out))
	assert.EqualValues(t, 1, out["frame_number"])
	assert.EqualValues(t, 40, out["width"])

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/frames", strings.NewReader("junk"), &out))

	var view sessionView
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sessions/"+id, nil, &view))
	assert.Equal(t, uint64(1), view.FramesReceived)
	assert.Equal(t, uint64(1), ts.metrics.FramesReceived.Load())
}

func TestBrowserEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	out := ts.event(t, id, `{"type":"visibility","hidden":true}`)
	assert.Equal(t, true, out["violation"])
	out = ts.event(t, id, `{"type":"visibility","hidden":false}`)
	assert.Equal(t, false, out["violation"])
	out = ts.event(t, id, `{"type":"visibility","hidden":true}`)
	assert.Equal(t, false, out["violation"], "suppressed by the cooldown")

	out = ts.event(t, id, `{"type":"fullscreen","fullscreen":true}`)
	assert.Equal(t, false, out["violation"])
	out = ts.event(t, id, `{"type":"fullscreen","fullscreen":false}`)
	assert.Equal(t, true, out["violation"])

	var bad map[string]any
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/events", strings.NewReader(`{"type":"chat"}`), &bad))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/events", strings.NewReader(`{"type":"visibility"}`), &bad))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/events", strings.NewReader(`{`), &bad))

	entry, err := ts.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []proctor.ViolationKind{proctor.KindTabSwitch, proctor.KindFullscreenExit}, kinds(entry.Log.History()))
}

func TestFullscreenRequest(t *testing.T) {
	disabled := false
	ts := newTestServer(t, nil)
	id := ts.create(t)

	var out map[string]any
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/fullscreen", nil, &out))

	body, err := json.Marshal(CreateRequest{FullscreenEnabled: &disabled})
	require.NoError(t, err)
	var view sessionView
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sessions", bytes.NewReader(body), &view))
	assert.False(t, view.Fullscreen.Enabled)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/sessions/"+view.ID+"/fullscreen", nil, &out))
	assert.Equal(t, proctor.ErrFullscreenUnsupported.Error(), out["error"])
}

func TestAutoTerminationAfterViolationLimit(t *testing.T) {
	ts := newTestServer(t, func(d *Deps, _ *Config) { d.MaxViolations = 1 })
	id := ts.create(t)

	ts.event(t, id, `{"type":"visibility","hidden":true}`)
	ts.event(t, id, `{"type":"fullscreen","fullscreen":false}`)

	require.Eventually(t, func() bool {
		var view sessionView
		ts.do(t, http.MethodGet, "/api/sessions/"+id, nil, &view)
		return view.State == proctor.StateTerminated.String() && view.EndReason == ReasonMaxViolations
	}, 2*time.Second, 10*time.Millisecond)

	var out map[string]any
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/analyze", bytes.NewReader(pngBytes(t, 8, 8)), &out))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/events", strings.NewReader(`{"type":"visibility","hidden":true}`), &out))

	// History survives termination.
	var summary violations.Summary
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/sessions/"+id+"/summary", nil, &summary))
	assert.Equal(t, 2, summary.Total)

	rec, err := ts.store.GetSession(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxViolations, rec.EndReason)
	assert.Zero(t, ts.registry.Active())
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	var out map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil, &out))
	assert.Equal(t, "terminated", out["status"])
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sessions/"+id, nil, nil))

	rec, err := ts.store.GetSession(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, ReasonDeleted, rec.EndReason)
	assert.Zero(t, ts.metrics.SessionsActive.Load())
}

func openStream(t *testing.T, ts *testServer, id, accept string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/api/sessions/"+id+"/violations/stream", nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return resp, bufio.NewReader(resp.Body)
}

// nextData returns the payload of the next "data:" line.
func nextData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSpace(payload)
		}
	}
}

func TestViolationStreamJSON(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	resp, reader := openStream(t, ts, id, "")
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

	ts.event(t, id, `{"type":"visibility","hidden":true}`)

	var event proctor.ViolationEvent
	require.NoError(t, json.Unmarshal([]byte(nextData(t, reader)), &event))
	assert.Equal(t, proctor.KindTabSwitch, event.Kind)
	assert.Equal(t, id, event.SessionID)

	// Ending the session closes the stream.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil, nil))
	assert.Equal(t, "{}", nextData(t, reader))
}

func TestViolationStreamProtobuf(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	resp, reader := openStream(t, ts, id, "application/x-protobuf")
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	ts.event(t, id, `{"type":"fullscreen","fullscreen":false}`)

	msg, err := violations.DecodeProto([]byte(nextData(t, reader)))
	require.NoError(t, err)
	assert.Equal(t, string(proctor.KindFullscreenExit), msg.GetFields()["type"].GetStringValue())
	assert.Equal(t, id, msg.GetFields()["session_id"].GetStringValue())
}

func TestWebRTCOffer(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)

	var out map[string]any
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/api/sessions/"+id+"/webrtc/offer", strings.NewReader(`{}`), &out))

	rtc := webrtc.NewServer(webrtc.Config{MaxClients: 1})
	t.Cleanup(func() { _ = rtc.Close() })
	ts2 := newTestServer(t, func(d *Deps, _ *Config) { d.WebRTC = rtc })
	id2 := ts2.create(t)
	assert.Equal(t, http.StatusBadRequest, ts2.do(t, http.MethodPost, "/api/sessions/"+id2+"/webrtc/offer", strings.NewReader(`{"type":"answer"}`), &out))

	// Without a connected browser the fullscreen request cannot be delivered.
	assert.Equal(t, http.StatusServiceUnavailable, ts2.do(t, http.MethodPost, "/api/sessions/"+id2+"/fullscreen", nil, &out))
}

func TestEntryHandlesDataChannelMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)
	entry, err := ts.registry.Get(id)
	require.NoError(t, err)

	entry.OnFrame(pngBytes(t, 16, 16))
	entry.OnFrame([]byte("garbage"))
	frame, ok := entry.Frames.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, 16, frame.Width)
	assert.NotEmpty(t, frame.Encoded)

	hidden, enabled := true, false
	entry.OnControl(webrtc.ControlMessage{Type: webrtc.ControlVisibility, Hidden: &hidden})
	entry.OnControl(webrtc.ControlMessage{Type: webrtc.ControlFullscreen, Enabled: &enabled})
	assert.True(t, entry.Events.Hidden())
	assert.False(t, entry.Events.IsEnabled())
	assert.Equal(t, []proctor.ViolationKind{proctor.KindTabSwitch}, kinds(entry.Log.History()))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrTooManySessions, http.StatusServiceUnavailable},
		{proctor.ErrAnalysisInFlight, http.StatusTooManyRequests},
		{proctor.ErrTerminated, http.StatusConflict},
		{proctor.ErrNotInitialized, http.StatusConflict},
		{webrtc.ErrNoPeer, http.StatusServiceUnavailable},
		{&proctor.AnalysisError{Op: "detectFaces", Err: detector.ErrNotReady}, http.StatusServiceUnavailable},
		{&proctor.AnalysisError{Op: "detectFaces", Err: errors.New("sidecar down")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func kinds(events []proctor.ViolationEvent) []proctor.ViolationKind {
	out := make([]proctor.ViolationKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}
