package violations

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/proctorwatch/proctor-server/internal/proctor"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

// Broadcaster fans violation events out to SSE clients. Slow clients miss
// events instead of blocking the emitting session.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[int]chan *SerializedEvent)}
}

// Subscribe adds a new client and returns a channel for receiving events.
// The channel is already closed when the broadcaster is closed.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 8)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	log.Debug("Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of subscribed clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// OnViolation implements proctor.Sink.
func (b *Broadcaster) OnViolation(event proctor.ViolationEvent) {
	b.mu.Lock()
	idle := len(b.clients) == 0
	b.mu.Unlock()
	if idle {
		return
	}

	serialized, err := Serialize(event)
	if err != nil {
		log.Error("Serialize %s: %v", event.ID, err)
		return
	}
	b.broadcast(serialized)
}

func (b *Broadcaster) broadcast(event *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.clients {
		select {
		case ch <- event:
		default:
			log.Debug("Client #%d too slow, dropping event", id)
		}
	}
}

// Serialize encodes event as JSON and as a base64 protobuf envelope.
func Serialize(event proctor.ViolationEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	msg, err := ToProto(event)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// ToProto renders event as a structpb.Struct with the same field names as the
// JSON form.
func ToProto(event proctor.ViolationEvent) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":           event.ID,
		"session_id":   event.SessionID,
		"type":         string(event.Kind),
		"message":      event.Message,
		"timestamp":    event.Timestamp.UTC().Format(time.RFC3339Nano),
		"frame_number": float64(event.FrameNumber),
	}
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return nil, fmt.Errorf("details marshal: %w", err)
		}
		var details map[string]any
		if err := json.Unmarshal(raw, &details); err != nil {
			return nil, fmt.Errorf("details unmarshal: %w", err)
		}
		fields["details"] = details
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build protobuf struct: %w", err)
	}
	return msg, nil
}

// DecodeProto reverses the base64 protobuf encoding of Serialize.
func DecodeProto(data []byte) (*structpb.Struct, error) {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("protobuf unmarshal: %w", err)
	}
	return msg, nil
}
