// Package engine composes the codec, sessions, order state, market data,
// routing and distribution layers into one tradable facade.
//
// The engine is the only component that touches more than one subsystem: it
// frames outbound FIX messages, dispatches inbound application messages to
// the order and book managers, feeds routing health from session state, and
// fans the resulting events out to the bus, the Kafka publisher, the
// websocket feed and the journal. Dispatch never blocks the session read
// path; every sink is bounded and sheds under pressure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/events"
	"github.com/quantfabric/fixcore/internal/feed"
	"github.com/quantfabric/fixcore/internal/journal"
	"github.com/quantfabric/fixcore/internal/lock"
	"github.com/quantfabric/fixcore/internal/marketdata"
	"github.com/quantfabric/fixcore/internal/orders"
	"github.com/quantfabric/fixcore/internal/routing"
	"github.com/quantfabric/fixcore/internal/session"
	"github.com/quantfabric/fixcore/internal/session/seqstore"
	"github.com/quantfabric/fixcore/pkg/models"
)

var (
	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("engine: not running")

	// ErrNotAccepting is returned by order intake before Start completes
	// and once Stop has begun.
	ErrNotAccepting = errors.New("engine: not accepting orders")

	// ErrStaleMarketData blocks submissions on symbols whose subscribed
	// book has gone stale.
	ErrStaleMarketData = errors.New("engine: market data stale")

	// ErrUnknownVenue is returned when a venue has no configured session.
	ErrUnknownVenue = errors.New("engine: no session for venue")
)

// defaultDrainTimeout bounds how long Stop waits for venue acks.
const defaultDrainTimeout = 5 * time.Second

// Config assembles the engine. Venues, Routing, Orders and MarketData are
// component configs passed through unchanged, except that the engine chains
// its own hooks in front of Orders.OnTimeout and MarketData.OnGap.
//
// The optional sinks (Journal, Kafka, Lock, Feed) must be passed unstarted;
// the engine owns their lifecycle from Start to Stop.
type Config struct {
	// Venues holds one session config per venue. Venue names must be
	// unique.
	Venues []session.Config

	Routing    routing.Config
	Orders     orders.Config
	MarketData marketdata.Config

	// DrainTimeout bounds how long Stop waits for in-flight orders to be
	// acknowledged before sessions are torn down.
	DrainTimeout time.Duration

	// Dialer overrides the venue transport. Nil dials TCP.
	Dialer session.Dialer

	// Store persists session sequence numbers across restarts. Required.
	Store seqstore.Store

	// Journal, when set, persists order and execution state for recovery.
	Journal *journal.Journal

	// Kafka, when set, publishes every bus event to Kafka topics.
	Kafka *events.KafkaPublisher

	// Lock, when set, enforces the single-writer rule per venue through
	// etcd leases. Nil skips enforcement.
	Lock *lock.VenueLock

	// Feed, when set, receives bus events as websocket broadcasts.
	Feed *feed.Hub
}

// Engine is the facade over the full FIX stack. One Engine drives every
// configured venue.
type Engine struct {
	cfg Config
	log *zap.Logger

	bus    *events.Bus
	router *routing.Router
	orders *orders.Manager
	md     *marketdata.Manager

	sessions map[string]*session.Session

	running   atomic.Bool
	accepting atomic.Bool

	trk   *ackTracker
	pumps sync.WaitGroup
	cbSeq atomic.Uint64
}

// New wires the engine. Sessions are constructed but not connected; Start
// brings them up.
func New(cfg Config, log *zap.Logger) (*Engine, error) {
	if len(cfg.Venues) == 0 {
		return nil, errors.New("engine: at least one venue required")
	}
	if cfg.Store == nil {
		return nil, errors.New("engine: sequence store required")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		bus:      events.NewBus(log),
		trk:      newAckTracker(),
		sessions: make(map[string]*session.Session, len(cfg.Venues)),
	}

	ocfg := cfg.Orders
	userTimeout := ocfg.OnTimeout
	ocfg.OnTimeout = func(o models.Order) {
		e.onOrderTimeout(o)
		if userTimeout != nil {
			userTimeout(o)
		}
	}
	e.orders = orders.NewManager(ocfg, log)

	mcfg := cfg.MarketData
	userGap := mcfg.OnGap
	mcfg.OnGap = func(symbol string, expected, lowest uint64) {
		e.onBookGap(symbol, expected, lowest)
		if userGap != nil {
			userGap(symbol, expected, lowest)
		}
	}
	e.md = marketdata.NewManager(mcfg, log)

	e.router = routing.NewRouter(cfg.Routing, log)

	for _, vc := range cfg.Venues {
		if _, dup := e.sessions[vc.Venue]; dup {
			return nil, fmt.Errorf("engine: duplicate venue %q", vc.Venue)
		}
		s, err := session.New(vc, cfg.Dialer, cfg.Store, e, log)
		if err != nil {
			return nil, fmt.Errorf("engine: venue %s: %w", vc.Venue, err)
		}
		e.sessions[vc.Venue] = s
	}
	return e, nil
}

// Start brings the sinks up and connects every venue. A venue that cannot
// acquire its lease or open its session is logged and skipped; its session
// keeps reconnecting in the background when it started at all. Start fails
// only when no venue comes up, and has then already torn the engine back
// down.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}

	e.orders.Start()
	if e.cfg.Journal != nil {
		e.cfg.Journal.Start()
	}
	if e.cfg.Feed != nil {
		e.cfg.Feed.Start()
	}
	e.startDistribution()

	var started int
	var errs []error
	for venue, s := range e.sessions {
		if err := e.startVenue(ctx, venue, s); err != nil {
			e.log.Error("venue not started",
				zap.String("venue", venue), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", venue, err))
			continue
		}
		started++
	}
	if started == 0 {
		err := fmt.Errorf("engine: no venue started: %w", errors.Join(errs...))
		_ = e.Stop(ctx)
		return err
	}

	e.accepting.Store(true)
	e.log.Info("engine started",
		zap.Int("venues", started), zap.Int("skipped", len(errs)))
	return nil
}

func (e *Engine) startVenue(ctx context.Context, venue string, s *session.Session) error {
	if e.cfg.Lock != nil {
		if err := e.cfg.Lock.Acquire(ctx, venue); err != nil {
			return fmt.Errorf("venue lease: %w", err)
		}
	}
	return s.Start(ctx)
}

// Stop halts intake, waits for in-flight acks up to DrainTimeout, logs every
// session out and flushes the sinks. Safe to call twice and safe to call
// after a failed Start.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.accepting.Store(false)

	e.drainInFlight(ctx)

	for venue, s := range e.sessions {
		if err := s.Stop(ctx); err != nil {
			e.log.Warn("session stop",
				zap.String("venue", venue), zap.Error(err))
		}
	}
	if e.cfg.Lock != nil {
		if err := e.cfg.Lock.Close(ctx); err != nil {
			e.log.Warn("venue lease release", zap.Error(err))
		}
	}

	e.orders.Stop()
	e.bus.Close()
	e.pumps.Wait()

	if e.cfg.Kafka != nil {
		if err := e.cfg.Kafka.Close(); err != nil {
			e.log.Warn("kafka publisher close", zap.Error(err))
		}
	}
	if e.cfg.Feed != nil {
		e.cfg.Feed.Stop()
	}
	if e.cfg.Journal != nil {
		if err := e.cfg.Journal.Stop(ctx); err != nil {
			e.log.Warn("journal flush", zap.Error(err))
		}
	}

	e.log.Info("engine stopped")
	return nil
}

// drainInFlight polls until no order is awaiting a venue response or the
// drain timeout elapses.
func (e *Engine) drainInFlight(ctx context.Context) {
	deadline := time.NewTimer(e.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		n := e.pendingAcks()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			e.log.Warn("stop cancelled with unacknowledged orders",
				zap.Int("orders", n))
			return
		case <-deadline.C:
			e.log.Warn("drain timeout with unacknowledged orders",
				zap.Int("orders", n))
			return
		case <-tick.C:
		}
	}
}

// pendingAcks counts orders waiting on a venue response.
func (e *Engine) pendingAcks() int {
	n := 0
	for _, o := range e.orders.Open() {
		switch o.Status {
		case models.OrderStatusPendingNew,
			models.OrderStatusPendingCancel,
			models.OrderStatusPendingReplace:
			n++
		}
	}
	return n
}

// SessionInfo describes one venue session for operational surfaces.
type SessionInfo struct {
	Venue  string `json:"venue"`
	State  string `json:"state"`
	InSeq  uint64 `json:"in_seq"`
	OutSeq uint64 `json:"out_seq"`
	Failed bool   `json:"failed"`
}

// Sessions reports every venue session, sorted by venue.
func (e *Engine) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(e.sessions))
	for venue, s := range e.sessions {
		in, outSeq := s.SequenceNumbers()
		out = append(out, SessionInfo{
			Venue:  venue,
			State:  s.State().String(),
			InSeq:  in,
			OutSeq: outSeq,
			Failed: s.Failed(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Health is a point-in-time operational snapshot.
type Health struct {
	Running         bool                  `json:"running"`
	Accepting       bool                  `json:"accepting"`
	Sessions        map[string]string     `json:"sessions"`
	Venues          []routing.VenueStatus `json:"venues"`
	OrdersInFlight  int                   `json:"orders_in_flight"`
	OrdersOpen      int                   `json:"orders_open"`
	AvgAckLatencyNs int64                 `json:"avg_ack_latency_ns"`
	StaleSymbols    []string              `json:"stale_symbols"`
	JournalDepth    int                   `json:"journal_depth"`
	FeedClients     int                   `json:"feed_clients"`
}

// Health snapshots the engine for the health endpoint.
func (e *Engine) Health() Health {
	h := Health{
		Running:         e.running.Load(),
		Accepting:       e.accepting.Load(),
		Sessions:        make(map[string]string, len(e.sessions)),
		Venues:          e.router.Status(),
		OrdersInFlight:  e.pendingAcks(),
		OrdersOpen:      len(e.orders.Open()),
		AvgAckLatencyNs: e.trk.average().Nanoseconds(),
		StaleSymbols:    e.md.StaleSymbols(0),
	}
	for venue, s := range e.sessions {
		h.Sessions[venue] = s.State().String()
	}
	if e.cfg.Journal != nil {
		h.JournalDepth = e.cfg.Journal.Depth()
	}
	if e.cfg.Feed != nil {
		h.FeedClients = e.cfg.Feed.ClientCount()
	}
	return h
}

// Ready reports whether at least one venue session is logged on.
func (e *Engine) Ready() bool {
	if !e.running.Load() {
		return false
	}
	for _, s := range e.sessions {
		if s.State() == session.StateActive {
			return true
		}
	}
	return false
}

// Orders exposes the order manager for read paths.
func (e *Engine) Orders() *orders.Manager { return e.orders }

// MarketData exposes the book manager for read paths.
func (e *Engine) MarketData() *marketdata.Manager { return e.md }

// Router exposes venue routing state.
func (e *Engine) Router() *routing.Router { return e.router }

// Bus exposes the event bus for in-process subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }
