package violations

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/proctor"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	block    chan struct{}
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func TestKafkaPublisherWritesKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(KafkaConfig{Topic: "proctor.violations"}, w, metrics.New())

	p.OnViolation(event(1, proctor.KindTabSwitch))
	p.OnViolation(event(2, proctor.KindNoFace))
	require.NoError(t, p.Close(context.Background()))

	msgs := w.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("s-1"), msgs[0].Key)
	assert.Equal(t, "type", msgs[0].Headers[0].Key)
	assert.Equal(t, []byte("TAB_SWITCH"), msgs[0].Headers[0].Value)

	var decoded proctor.ViolationEvent
	require.NoError(t, json.Unmarshal(msgs[1].Value, &decoded))
	assert.Equal(t, "v-2", decoded.ID)
	assert.True(t, w.closed)

	// Events after Close are ignored.
	p.OnViolation(event(3, proctor.KindNoFace))
	assert.Len(t, w.Messages(), 2)
}

func TestKafkaPublisherDropsOnFullQueue(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	m := metrics.New()
	p := newKafkaPublisher(KafkaConfig{Topic: "t", QueueSize: 1}, w, m)

	// One message is held by the writer, one sits in the queue.
	for i := range 10 {
		p.OnViolation(event(i, proctor.KindNoFace))
	}
	assert.GreaterOrEqual(t, p.Dropped(), uint64(8))
	assert.Equal(t, p.Dropped(), m.SinkErrors.Load())

	close(w.block)
	require.NoError(t, p.Close(context.Background()))
}

func TestKafkaPublisherCountsWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	m := metrics.New()
	p := newKafkaPublisher(KafkaConfig{Topic: "t"}, w, m)

	p.OnViolation(event(1, proctor.KindNoFace))
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, uint64(1), m.SinkErrors.Load())
}

func TestKafkaPublisherCloseHonoursContext(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := newKafkaPublisher(KafkaConfig{Topic: "t"}, w, nil)
	p.OnViolation(event(1, proctor.KindNoFace))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	close(w.block)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, nil)
	assert.ErrorIs(t, err, errPublisherNoBrokers)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.ErrorIs(t, err, errPublisherNoTopic)
}
