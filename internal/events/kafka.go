package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig tunes the Kafka event publisher.
type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "fixcore"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Second
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = 1
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
	return c
}

// KafkaPublisher forwards bus events to per-type Kafka topics. Writers run
// async; delivery errors surface through the completion callback, never back
// into the publishing goroutine.
type KafkaPublisher struct {
	cfg KafkaConfig
	log *zap.Logger

	mu      sync.RWMutex
	writers map[string]*kafka.Writer

	wg sync.WaitGroup
}

// NewKafkaPublisher builds a publisher. No connection is made until the
// first event is written.
func NewKafkaPublisher(cfg KafkaConfig, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		cfg:     cfg.withDefaults(),
		log:     log,
		writers: make(map[string]*kafka.Writer),
	}
}

// Start consumes a bus subscription on a background goroutine until the
// channel closes. Close waits for the drain.
func (p *KafkaPublisher) Start(ch <-chan Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range ch {
			p.publish(ev)
		}
	}()
}

func (p *KafkaPublisher) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("event marshal failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(ev.Key), Value: data, Time: ev.At}

	w := p.getWriter(p.topicFor(ev.Type))
	if err := w.WriteMessages(context.Background(), msg); err != nil {
		p.log.Error("kafka publish failed",
			zap.String("topic", w.Topic), zap.Error(err))
	}
}

func (p *KafkaPublisher) topicFor(t Type) string {
	return fmt.Sprintf("%s.%s", p.cfg.TopicPrefix, t)
}

// getWriter returns the writer for a topic, creating it on first use.
func (p *KafkaPublisher) getWriter(topic string) *kafka.Writer {
	p.mu.RLock()
	w, ok := p.writers[topic]
	p.mu.RUnlock()
	if ok {
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}

	w = &kafka.Writer{
		Addr:         kafka.TCP(p.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    p.cfg.BatchSize,
		BatchTimeout: p.cfg.BatchTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAcks),
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error("kafka delivery failed",
					zap.String("topic", topic), zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	switch p.cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		w.Compression = kafka.Snappy
	}

	p.writers[topic] = w
	return w
}

// Close waits for the consuming goroutine to drain and closes every writer.
func (p *KafkaPublisher) Close() error {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	var lastErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			lastErr = err
			p.log.Error("kafka writer close failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	p.writers = make(map[string]*kafka.Writer)
	return lastErr
}
