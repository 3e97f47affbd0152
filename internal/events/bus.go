// Package events fans engine events out to in-process subscribers and
// external sinks. Publishing never blocks: a subscriber that cannot keep up
// loses events, counted per sink, rather than stalling the trading path.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/pkg/metrics"
)

// Type classifies an event on the bus.
type Type string

const (
	TypeExecution     Type = "execution"
	TypeOrderUpdate   Type = "order_update"
	TypeOrderRejected Type = "order_rejected"
	TypeMarketData    Type = "marketdata"
	TypeVenueStatus   Type = "venue_status"
)

// Event is one engine event. Payload is a self-contained snapshot; consumers
// never share mutable state with the engine.
type Event struct {
	Type    Type      `json:"type"`
	Key     string    `json:"key"` // ordering key: order ID, symbol or venue
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type subscriber struct {
	name  string
	types map[Type]struct{} // nil subscribes to everything
	ch    chan Event
}

// Bus is the in-process event bus.
type Bus struct {
	log    *zap.Logger
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// NewBus builds an event bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log, subs: make(map[string]*subscriber)}
}

// Subscribe registers a named sink with its own buffer. With no types listed
// the sink receives everything. The returned cancel function closes the
// channel; reads drain what was already delivered.
func (b *Bus) Subscribe(name string, buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{name: name, ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if old, ok := b.subs[name]; ok {
		close(old.ch)
	}
	b.subs[name] = sub
	b.mu.Unlock()

	cancel := func() { b.unsubscribe(name, sub) }
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, want := sub.types[ev.Type]; !want {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(sub.name).Inc()
			b.log.Debug("event dropped for slow sink",
				zap.String("sink", sub.name), zap.String("type", string(ev.Type)))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[string]*subscriber)
}

func (b *Bus) unsubscribe(name string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[name]; ok && cur == sub {
		delete(b.subs, name)
		close(sub.ch)
	}
}
