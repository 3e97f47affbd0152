package events

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestBusDeliversToSubscribers(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("all", 8)
	defer cancel()

	b.Publish(Event{Type: TypeExecution, Key: "o-1", Payload: "fill"})
	b.Publish(Event{Type: TypeVenueStatus, Key: "NYQ", Payload: "UP"})

	ev := recvEvent(t, ch)
	assert.Equal(t, TypeExecution, ev.Type)
	assert.Equal(t, "o-1", ev.Key)
	assert.False(t, ev.At.IsZero(), "publish stamps the time")

	ev = recvEvent(t, ch)
	assert.Equal(t, TypeVenueStatus, ev.Type)
}

func TestBusFiltersByType(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	execs, cancel := b.Subscribe("execs", 8, TypeExecution)
	defer cancel()

	b.Publish(Event{Type: TypeVenueStatus, Key: "NYQ"})
	b.Publish(Event{Type: TypeExecution, Key: "o-1"})

	ev := recvEvent(t, execs)
	assert.Equal(t, TypeExecution, ev.Type)
	assert.Empty(t, execs, "filtered type was never queued")
}

func TestBusDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("slow", 1)
	defer cancel()

	// Nothing reads; only the first event fits. The rest drop and Publish
	// returns immediately every time.
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeExecution, Key: "o-1"})
	}
	assert.Len(t, ch, 1)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(zap.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("gone", 1)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe reaches nobody and must not panic.
	b.Publish(Event{Type: TypeExecution})
}

func TestBusCloseIsTerminal(t *testing.T) {
	b := NewBus(zap.NewNop())
	ch, _ := b.Subscribe("s", 1)
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	b.Publish(Event{Type: TypeExecution})
	b.Close()

	late, _ := b.Subscribe("late", 1)
	_, ok = <-late
	assert.False(t, ok, "subscriptions after close are stillborn")
}

func TestKafkaPublisherTopics(t *testing.T) {
	p := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Equal(t, "fixcore.execution", p.topicFor(TypeExecution))

	p2 := NewKafkaPublisher(KafkaConfig{TopicPrefix: "engine"}, zap.NewNop())
	assert.Equal(t, "engine.marketdata", p2.topicFor(TypeMarketData))
}

func TestKafkaPublisherWriterReuse(t *testing.T) {
	p := NewKafkaPublisher(KafkaConfig{
		Brokers:     []string{"localhost:9092"},
		Compression: "gzip",
	}, zap.NewNop())

	w1 := p.getWriter("fixcore.execution")
	w2 := p.getWriter("fixcore.execution")
	assert.Same(t, w1, w2)
	assert.Equal(t, kafka.Gzip, w1.Compression)
	assert.True(t, w1.Async)

	w3 := p.getWriter("fixcore.marketdata")
	assert.NotSame(t, w1, w3)
}
