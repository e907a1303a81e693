// Package webrtc links a browser to its proctoring session over a WebRTC
// data channel: frames and page events flow in, violations flow out.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/proctor"
)

// ChannelLabel is the data channel the browser must open.
const ChannelLabel = "proctor"

var log = logger.For("WebRTC")

// ErrNoPeer is returned when a session has no open data channel.
var ErrNoPeer = errors.New("no connected peer for session")

// Handler receives what the browser sends on the data channel.
type Handler interface {
	// OnFrame is called with each binary message (an encoded camera frame).
	OnFrame(data []byte)
	// OnControl is called with each text message.
	OnControl(msg ControlMessage)
}

// Control message types sent by the browser.
const (
	ControlVisibility = "visibility"
	ControlFullscreen = "fullscreen"
)

// ControlMessage is a JSON text message from the browser.
type ControlMessage struct {
	Type       string `json:"type"`
	Hidden     *bool  `json:"hidden,omitempty"`
	Fullscreen *bool  `json:"fullscreen,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"` // Fullscreen capability
}

// Outbound message types sent to the browser.
const (
	OutboundViolation         = "violation"
	OutboundRequestFullscreen = "request_fullscreen"
	OutboundTerminated        = "terminated"
)

// OutboundMessage is a JSON text message to the browser.
type OutboundMessage struct {
	Type      string                  `json:"type"`
	Violation *proctor.ViolationEvent `json:"violation,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

// Config configures the WebRTC server.
type Config struct {
	STUNServers []string
	MaxClients  int
	// IncludeLoopback gathers loopback candidates (single-host tests).
	IncludeLoopback bool
}

// Client is a connected browser
type Client struct {
	id          string
	sessionID   string
	peerConn    *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	open        atomic.Bool
	sendChan    chan []byte
	closeChan   chan struct{}
	closeOnce   sync.Once
	msgsSent    atomic.Uint64
	msgsDropped atomic.Uint64
	framesRecv  atomic.Uint64
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
}

// NewServer creates a new WebRTC server
func NewServer(cfg Config) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	settingsEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	// Data channels only; no media codecs are negotiated.
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = 1
	}
	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
	}
}

// HandleOffer answers a browser offer for sessionID. Messages arriving on the
// "proctor" data channel are dispatched to h.
func (s *Server) HandleOffer(sessionID string, offerJSON []byte, h Handler) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected an SDP offer")
	}

	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()

	if numClients >= s.maxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        "client-" + uuid.NewString()[:8],
		sessionID: sessionID,
		peerConn:  peerConn,
		sendChan:  make(chan []byte, 32),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			log.Warn("Client %s opened unexpected channel %q, ignoring", client.id, dc.Label())
			return
		}
		client.dc = dc
		dc.OnOpen(func() {
			client.open.Store(true)
			log.Info("Client %s data channel open (session %s)", client.id, sessionID)
			go s.sendMessages(client)
		})
		dc.OnClose(func() {
			client.open.Store(false)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString {
				client.framesRecv.Add(1)
			}
			dispatch(h, msg)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			log.Info("Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		_ = peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete
	log.Debug("ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	log.Info("Client %s connected for session %s", client.id, sessionID)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// dispatch routes one data channel message to h.
func dispatch(h Handler, msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		if len(msg.Data) > 0 {
			h.OnFrame(msg.Data)
		}
		return
	}
	var ctrl ControlMessage
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		log.Warn("Ignoring malformed control message: %v", err)
		return
	}
	switch ctrl.Type {
	case ControlVisibility, ControlFullscreen:
		h.OnControl(ctrl)
	default:
		log.Warn("Ignoring control message of type %q", ctrl.Type)
	}
}

// sendMessages writes queued text messages to a client.
func (s *Server) sendMessages(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case data := <-client.sendChan:
			if err := client.dc.SendText(string(data)); err != nil {
				log.Warn("Error sending to client %s: %v", client.id, err)
				return
			}
			client.msgsSent.Add(1)
		}
	}
}

// Send queues msg for every open client of sessionID. It returns ErrNoPeer
// when no client could take it.
func (s *Server) Send(sessionID string, msg OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	delivered := false
	for _, client := range s.clients {
		if client.sessionID != sessionID || !client.open.Load() {
			continue
		}
		// Non-blocking send
		select {
		case client.sendChan <- data:
			delivered = true
		default:
			client.msgsDropped.Add(1)
		}
	}
	if !delivered {
		return ErrNoPeer
	}
	return nil
}

// Sink returns a proctor.Sink that forwards violations to the session's browser.
func (s *Server) Sink(sessionID string) proctor.Sink {
	return proctor.SinkFunc(func(event proctor.ViolationEvent) {
		event.Frame = nil
		if err := s.Send(sessionID, OutboundMessage{Type: OutboundViolation, Violation: &event}); err != nil && !errors.Is(err, ErrNoPeer) {
			log.Warn("Forward violation %s: %v", event.ID, err)
		}
	})
}

// RequestFullscreen asks the session's browser to enter fullscreen.
func (s *Server) RequestFullscreen(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Send(sessionID, OutboundMessage{Type: OutboundRequestFullscreen})
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	client.close()
	log.Info("Client %s disconnected (sent: %d, dropped: %d, frames received: %d)",
		clientID, client.msgsSent.Load(), client.msgsDropped.Load(), client.framesRecv.Load())
}

// RemoveSession disconnects every client of sessionID.
func (s *Server) RemoveSession(sessionID string) {
	for _, id := range s.clientIDs(sessionID) {
		s.RemoveClient(id)
	}
}

func (s *Server) clientIDs(sessionID string) []string {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id, c := range s.clients {
		if sessionID == "" || c.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.open.Store(false)
		_ = c.peerConn.Close()
	})
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"messages_sent":    client.msgsSent.Load(),
			"messages_dropped": client.msgsDropped.Load(),
			"frames_received":  client.framesRecv.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	for _, id := range s.clientIDs("") {
		s.RemoveClient(id)
	}
	return nil
}
