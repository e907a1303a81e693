package violations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/proctor"
)

// KafkaConfig configures the violation publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	QueueSize    int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	errPublisherNoBrokers = errors.New("kafka publisher requires at least one broker")
	errPublisherNoTopic   = errors.New("kafka publisher requires a topic")
)

// KafkaPublisher publishes violations to a Kafka topic keyed by session ID,
// so every event of a session lands on the same partition in order. Delivery
// runs on a background goroutine; a full queue drops the event.
type KafkaPublisher struct {
	cfg     KafkaConfig
	writer  messageWriter
	metrics *metrics.Metrics
	queue   chan kafka.Message

	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex // Guards queue against send-after-close
	stopped  bool
	dropped  atomic.Uint64
}

// NewKafkaPublisher builds a publisher backed by a kafka.Writer and starts it.
func NewKafkaPublisher(cfg KafkaConfig, m *metrics.Metrics) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errPublisherNoBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errPublisherNoTopic
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaPublisher(cfg, writer, m), nil
}

func newKafkaPublisher(cfg KafkaConfig, writer messageWriter, m *metrics.Metrics) *KafkaPublisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	p := &KafkaPublisher{
		cfg:     cfg,
		writer:  writer,
		metrics: m,
		queue:   make(chan kafka.Message, cfg.QueueSize),
	}
	p.wg.Add(1)
	go p.run()
	log.Info("Kafka publisher started (topic=%s)", cfg.Topic)
	return p
}

// OnViolation implements proctor.Sink.
func (p *KafkaPublisher) OnViolation(event proctor.ViolationEvent) {
	msg, err := eventMessage(event)
	if err != nil {
		p.metrics.SinkError()
		log.Error("Encode violation %s: %v", event.ID, err)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.metrics.SinkError()
		log.Warn("Kafka queue full, dropping violation %s", event.ID)
	}
}

func eventMessage(event proctor.ViolationEvent) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.SessionID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Kind)},
		},
	}, nil
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.metrics.SinkError()
			log.Error("Publish to %s failed: %v", p.cfg.Topic, err)
		}
	}
}

// Dropped returns how many events were dropped on a full queue.
func (p *KafkaPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close drains the queue and closes the writer. It waits at most until ctx
// is done.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	var closeErr error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = fmt.Errorf("drain kafka queue: %w", ctx.Err())
		}
		if err := p.writer.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		log.Info("Kafka publisher stopped")
	})
	return closeErr
}
