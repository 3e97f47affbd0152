package engine

import (
	"fmt"

	"github.com/quantfabric/fixcore/internal/events"
	"github.com/quantfabric/fixcore/internal/feed"
	"github.com/quantfabric/fixcore/internal/routing"
	"github.com/quantfabric/fixcore/pkg/models"
)

// callbackBuffer is the per-callback event buffer; a slow callback sheds
// events rather than stall the engine.
const callbackBuffer = 256

// startDistribution wires the bus into the configured sinks. Bus.Close ends
// every pump.
func (e *Engine) startDistribution() {
	if e.cfg.Kafka != nil {
		ch, _ := e.bus.Subscribe("kafka", 1024)
		e.cfg.Kafka.Start(ch)
	}
	if e.cfg.Feed != nil {
		ch, _ := e.bus.Subscribe("feed", 1024)
		e.pumps.Add(1)
		go e.feedPump(ch)
	}
}

func (e *Engine) feedPump(ch <-chan events.Event) {
	defer e.pumps.Done()
	for ev := range ch {
		topic, ok := feedTopic(ev.Type)
		if !ok {
			continue
		}
		e.cfg.Feed.BroadcastJSON(topic, ev)
	}
}

func feedTopic(t events.Type) (string, bool) {
	switch t {
	case events.TypeExecution:
		return feed.TopicExecutions, true
	case events.TypeOrderUpdate, events.TypeOrderRejected:
		return feed.TopicOrders, true
	case events.TypeMarketData:
		return feed.TopicMarketData, true
	case events.TypeVenueStatus:
		return feed.TopicVenues, true
	}
	return "", false
}

// OnExecution registers a callback for applied execution reports. The
// returned function cancels the registration. Callbacks run on their own
// goroutine; register before Start.
func (e *Engine) OnExecution(fn func(models.Execution)) func() {
	return e.callback("execution", events.TypeExecution, func(ev events.Event) {
		if v, ok := ev.Payload.(models.Execution); ok {
			fn(v)
		}
	})
}

// OnOrderUpdate registers a callback for order state changes.
func (e *Engine) OnOrderUpdate(fn func(models.Order)) func() {
	return e.callback("order-update", events.TypeOrderUpdate, func(ev events.Event) {
		if v, ok := ev.Payload.(models.Order); ok {
			fn(v)
		}
	})
}

// OnOrderRejected registers a callback for venue and local rejects.
func (e *Engine) OnOrderRejected(fn func(models.Order)) func() {
	return e.callback("order-rejected", events.TypeOrderRejected, func(ev events.Event) {
		if v, ok := ev.Payload.(models.Order); ok {
			fn(v)
		}
	})
}

// OnMarketData registers a callback for applied book updates.
func (e *Engine) OnMarketData(fn func(models.BookSnapshot)) func() {
	return e.callback("marketdata", events.TypeMarketData, func(ev events.Event) {
		if v, ok := ev.Payload.(models.BookSnapshot); ok {
			fn(v)
		}
	})
}

// OnVenueStatus registers a callback for venue health transitions.
func (e *Engine) OnVenueStatus(fn func(routing.VenueStatus)) func() {
	return e.callback("venue-status", events.TypeVenueStatus, func(ev events.Event) {
		if v, ok := ev.Payload.(routing.VenueStatus); ok {
			fn(v)
		}
	})
}

func (e *Engine) callback(kind string, t events.Type, deliver func(events.Event)) func() {
	name := fmt.Sprintf("cb-%s-%d", kind, e.cbSeq.Add(1))
	ch, cancel := e.bus.Subscribe(name, callbackBuffer, t)
	e.pumps.Add(1)
	go func() {
		defer e.pumps.Done()
		for ev := range ch {
			deliver(ev)
		}
	}()
	return cancel
}
