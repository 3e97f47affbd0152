// Package routing selects the venue for each order from a static rank table
// refined by live venue health and latency. Routing never queues: when no
// usable venue exists the route fails immediately with ErrNoVenueAvailable.
package routing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/pkg/metrics"
)

// ErrNoVenueAvailable is returned when no ranked venue is in a usable state
// for the symbol.
var ErrNoVenueAvailable = errors.New("routing: no venue available")

// Health is a venue's operational state as reported by its session.
type Health int32

const (
	HealthDown Health = iota
	HealthDegraded
	HealthUp
)

func (h Health) String() string {
	switch h {
	case HealthDown:
		return "DOWN"
	case HealthDegraded:
		return "DEGRADED"
	case HealthUp:
		return "UP"
	}
	return "UNKNOWN"
}

// VenueRank is one row of the static rank table. Lower rank is preferred;
// venues sharing a rank are separated by live P50 latency.
type VenueRank struct {
	Venue string
	Rank  int
}

// Config is the static routing table.
type Config struct {
	// Ranks maps a symbol class to its ranked venues.
	Ranks map[string][]VenueRank

	// Classes maps a symbol to its class. Symbols not listed fall into
	// DefaultClass.
	Classes map[string]string

	// DefaultClass names the rank list used for unclassified symbols.
	DefaultClass string

	// WindowSize is the per-venue latency window length.
	WindowSize int
}

func (c Config) withDefaults() Config {
	if c.DefaultClass == "" {
		c.DefaultClass = "default"
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 128
	}
	return c
}

// VenueStatus is a point-in-time view of one venue's health.
type VenueStatus struct {
	Venue         string        `json:"venue"`
	Health        string        `json:"health"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	P50           time.Duration `json:"p50_ns"`
	P99           time.Duration `json:"p99_ns"`
	Samples       int           `json:"samples"`
}

type venueState struct {
	mu            sync.Mutex
	health        Health
	lastHeartbeat time.Time
	window        *latencyWindow
}

// Router routes symbols to venues. Health and latency are pushed in by the
// session layer; Route itself only reads.
type Router struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	venues map[string]*venueState
}

// NewRouter builds a router from the static table. Every ranked venue starts
// Down until its session reports otherwise.
func NewRouter(cfg Config, log *zap.Logger) *Router {
	r := &Router{
		cfg:    cfg.withDefaults(),
		log:    log,
		venues: make(map[string]*venueState),
	}
	for _, ranked := range r.cfg.Ranks {
		for _, vr := range ranked {
			if _, ok := r.venues[vr.Venue]; !ok {
				r.venues[vr.Venue] = &venueState{window: newLatencyWindow(r.cfg.WindowSize)}
			}
		}
	}
	return r
}

// SetHealth records a venue's health as reported by its session.
func (r *Router) SetHealth(venue string, h Health) {
	st := r.ensure(venue)
	st.mu.Lock()
	prev := st.health
	st.health = h
	st.mu.Unlock()
	if prev != h {
		r.log.Info("venue health changed",
			zap.String("venue", venue),
			zap.String("from", prev.String()), zap.String("to", h.String()))
	}
}

// ObserveHeartbeat records venue liveness for status reporting.
func (r *Router) ObserveHeartbeat(venue string, at time.Time) {
	st := r.ensure(venue)
	st.mu.Lock()
	st.lastHeartbeat = at
	st.mu.Unlock()
}

// ObserveLatency feeds one round-trip sample into the venue's window.
func (r *Router) ObserveLatency(venue string, d time.Duration) {
	st := r.ensure(venue)
	st.mu.Lock()
	st.window.observe(d)
	st.mu.Unlock()
}

// Route picks the venue for a symbol: best rank among Up venues, P50 breaking
// rank ties. With no Up venue it settles for the best Degraded one; with
// nothing usable it fails rather than queue.
func (r *Router) Route(symbol string) (string, error) {
	ranked := r.rankedFor(symbol)
	if venue, ok := r.pick(ranked, HealthUp); ok {
		metrics.RoutingDecisions.WithLabelValues(venue).Inc()
		return venue, nil
	}
	if venue, ok := r.pick(ranked, HealthDegraded); ok {
		r.log.Warn("no healthy venue, routing to degraded venue",
			zap.String("symbol", symbol), zap.String("venue", venue))
		metrics.RoutingDecisions.WithLabelValues(venue).Inc()
		return venue, nil
	}
	metrics.RoutingFailures.Inc()
	return "", fmt.Errorf("%w: symbol %s", ErrNoVenueAvailable, symbol)
}

// RoutePinned validates an explicitly requested venue instead of consulting
// the rank table. Down or unknown venues fail the route.
func (r *Router) RoutePinned(venue string) (string, error) {
	r.mu.RLock()
	st := r.venues[venue]
	r.mu.RUnlock()
	if st == nil {
		metrics.RoutingFailures.Inc()
		return "", fmt.Errorf("%w: unknown venue %s", ErrNoVenueAvailable, venue)
	}
	st.mu.Lock()
	h := st.health
	st.mu.Unlock()
	if h == HealthDown {
		metrics.RoutingFailures.Inc()
		return "", fmt.Errorf("%w: venue %s is down", ErrNoVenueAvailable, venue)
	}
	if h == HealthDegraded {
		r.log.Warn("pinned venue is degraded", zap.String("venue", venue))
	}
	metrics.RoutingDecisions.WithLabelValues(venue).Inc()
	return venue, nil
}

// Status returns every known venue's health, ordered by name.
func (r *Router) Status() []VenueStatus {
	r.mu.RLock()
	names := make([]string, 0, len(r.venues))
	for name := range r.venues {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]VenueStatus, 0, len(names))
	for _, name := range names {
		if vs, ok := r.StatusOf(name); ok {
			out = append(out, vs)
		}
	}
	return out
}

// StatusOf returns one venue's health snapshot.
func (r *Router) StatusOf(venue string) (VenueStatus, bool) {
	r.mu.RLock()
	st := r.venues[venue]
	r.mu.RUnlock()
	if st == nil {
		return VenueStatus{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	p50, _ := st.window.percentile(50)
	p99, _ := st.window.percentile(99)
	return VenueStatus{
		Venue:         venue,
		Health:        st.health.String(),
		LastHeartbeat: st.lastHeartbeat,
		P50:           p50,
		P99:           p99,
		Samples:       st.window.count(),
	}, true
}

func (r *Router) pick(ranked []VenueRank, want Health) (string, bool) {
	var (
		best     string
		bestRank int
		bestP50  time.Duration
		have     bool
	)
	for _, vr := range ranked {
		r.mu.RLock()
		st := r.venues[vr.Venue]
		r.mu.RUnlock()
		if st == nil {
			continue
		}
		st.mu.Lock()
		h := st.health
		p50, ok := st.window.percentile(50)
		st.mu.Unlock()
		if h != want {
			continue
		}
		if !ok {
			// Unmeasured venues lose latency ties to measured ones.
			p50 = time.Duration(math.MaxInt64)
		}
		switch {
		case !have, vr.Rank < bestRank:
			best, bestRank, bestP50, have = vr.Venue, vr.Rank, p50, true
		case vr.Rank == bestRank && p50 < bestP50:
			best, bestP50 = vr.Venue, p50
		}
	}
	return best, have
}

func (r *Router) rankedFor(symbol string) []VenueRank {
	class, ok := r.cfg.Classes[symbol]
	if !ok {
		class = r.cfg.DefaultClass
	}
	ranked := r.cfg.Ranks[class]
	if len(ranked) == 0 && class != r.cfg.DefaultClass {
		ranked = r.cfg.Ranks[r.cfg.DefaultClass]
	}
	return ranked
}

func (r *Router) ensure(venue string) *venueState {
	r.mu.RLock()
	st := r.venues[venue]
	r.mu.RUnlock()
	if st != nil {
		return st
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st = r.venues[venue]; st != nil {
		return st
	}
	st = &venueState{window: newLatencyWindow(r.cfg.WindowSize)}
	r.venues[venue] = st
	return st
}
