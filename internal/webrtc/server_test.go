package webrtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorwatch/proctor-server/internal/proctor"
)

type recordingHandler struct {
	mu       sync.Mutex
	frames   [][]byte
	controls []ControlMessage
	got      chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan struct{}, 16)}
}

func (h *recordingHandler) OnFrame(data []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, append([]byte(nil), data...))
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *recordingHandler) OnControl(msg ControlMessage) {
	h.mu.Lock()
	h.controls = append(h.controls, msg)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *recordingHandler) snapshot() ([][]byte, []ControlMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames, h.controls
}

func TestDispatchRoutesMessages(t *testing.T) {
	h := newRecordingHandler()

	dispatch(h, webrtc.DataChannelMessage{Data: []byte{0xFF, 0xD8, 0x01}})
	dispatch(h, webrtc.DataChannelMessage{IsString: true, Data: []byte(`{"type":"visibility","hidden":true}`)})
	dispatch(h, webrtc.DataChannelMessage{IsString: true, Data: []byte(`{"type":"fullscreen","fullscreen":false,"enabled":true}`)})
	dispatch(h, webrtc.DataChannelMessage{IsString: true, Data: []byte(`{"type":"chat"}`)})
	dispatch(h, webrtc.DataChannelMessage{IsString: true, Data: []byte(`not json`)})
	dispatch(h, webrtc.DataChannelMessage{})

	frames, controls := h.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01}, frames[0])
	require.Len(t, controls, 2)
	assert.Equal(t, ControlVisibility, controls[0].Type)
	require.NotNil(t, controls[0].Hidden)
	assert.True(t, *controls[0].Hidden)
	require.NotNil(t, controls[1].Enabled)
	assert.False(t, *controls[1].Fullscreen)
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(Config{MaxClients: 1})
	_, err := s.HandleOffer("s-1", []byte("{"), newRecordingHandler())
	assert.Error(t, err)

	_, err = s.HandleOffer("s-1", []byte(`{"type":"answer","sdp":"v=0"}`), newRecordingHandler())
	assert.Error(t, err)
}

func TestSendWithoutPeer(t *testing.T) {
	s := NewServer(Config{MaxClients: 1})
	assert.ErrorIs(t, s.Send("s-1", OutboundMessage{Type: OutboundTerminated}), ErrNoPeer)
	assert.ErrorIs(t, s.RequestFullscreen(context.Background(), "s-1"), ErrNoPeer)

	// The sink swallows the missing peer.
	s.Sink("s-1").OnViolation(proctor.ViolationEvent{ID: "v-1", Kind: proctor.KindTabSwitch})
	assert.Zero(t, s.GetClientCount())
}

func TestDataChannelLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	s := NewServer(Config{MaxClients: 2, IncludeLoopback: true})
	defer s.Close()

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	browser, err := webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer browser.Close()

	dc, err := browser.CreateDataChannel(ChannelLabel, nil)
	require.NoError(t, err)
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	inbound := make(chan OutboundMessage, 4)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var out OutboundMessage
		if json.Unmarshal(msg.Data, &out) == nil {
			inbound <- out
		}
	})

	offer, err := browser.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(browser)
	require.NoError(t, browser.SetLocalDescription(offer))
	<-gathered

	offerJSON, err := json.Marshal(browser.LocalDescription())
	require.NoError(t, err)

	h := newRecordingHandler()
	answerJSON, err := s.HandleOffer("s-1", offerJSON, h)
	require.NoError(t, err)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	require.NoError(t, browser.SetRemoteDescription(answer))

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("data channel did not open")
	}

	require.NoError(t, dc.Send([]byte{0xFF, 0xD8, 0xFF}))
	require.NoError(t, dc.SendText(`{"type":"visibility","hidden":true}`))
	for range 2 {
		select {
		case <-h.got:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not receive browser messages")
		}
	}
	frames, controls := h.snapshot()
	assert.Len(t, frames, 1)
	assert.Len(t, controls, 1)

	require.Eventually(t, func() bool {
		return s.Send("s-1", OutboundMessage{Type: OutboundRequestFullscreen}) == nil
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case out := <-inbound:
		assert.Equal(t, OutboundRequestFullscreen, out.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("browser did not receive the request")
	}

	s.Sink("s-1").OnViolation(proctor.ViolationEvent{ID: "v-1", SessionID: "s-1", Kind: proctor.KindNoFace})
	select {
	case out := <-inbound:
		assert.Equal(t, OutboundViolation, out.Type)
		require.NotNil(t, out.Violation)
		assert.Equal(t, "v-1", out.Violation.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("browser did not receive the violation")
	}

	assert.Equal(t, 1, s.GetClientCount())
	s.RemoveSession("s-1")
	assert.Zero(t, s.GetClientCount())
}
