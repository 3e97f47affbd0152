// Package marketdata maintains per-symbol order books fed by venue snapshots
// and incremental updates. Increments apply strictly in sequence: out-of-order
// updates wait in a bounded buffer for the missing sequence and are abandoned
// with a staleness warning when the reorder window passes. Freshness is a
// correctness gate, not a metric; callers check IsStale before using a book
// for order decisions.
package marketdata

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/fix"
	"github.com/quantfabric/fixcore/pkg/metrics"
	"github.com/quantfabric/fixcore/pkg/models"
)

const shardCount = 16

// Config tunes the market data manager.
type Config struct {
	// StaleThreshold is the freshness bound used when IsStale is called
	// without an explicit threshold.
	StaleThreshold time.Duration

	// ReorderWindow is how long out-of-order increments may wait for the
	// missing sequence before the gap is abandoned.
	ReorderWindow time.Duration

	// MaxPending bounds the per-symbol buffer of out-of-order increments.
	MaxPending int

	// OnGap, when set, is invoked after a gap is abandoned so the caller can
	// request a fresh snapshot. Called outside all manager locks.
	OnGap func(symbol string, expected, lowest uint64)
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 3 * time.Second
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = 500 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 64
	}
	return c
}

// Subscription identifies one active market data subscription. ReqID is the
// MDReqID carried on the wire; an unsubscribe must quote the same ID.
type Subscription struct {
	Symbol    string
	Type      string // fix.SubscriptionSnapshot or fix.SubscriptionSnapshotUpdates
	ReqID     string
	Venue     string
	CreatedAt time.Time
}

// Entry is one price level or trade from a market data message.
type Entry struct {
	Action string // fix.MDUpdateAction*, empty in snapshots
	Type   string // fix.MDEntryType*
	Price  decimal.Decimal
	Size   decimal.Decimal
}

// Update is a decoded market data message, snapshot or incremental.
// ReceivedAt is stamped at socket read time and carries Go's monotonic clock.
type Update struct {
	Symbol     string
	Venue      string
	Seq        uint64
	Entries    []Entry
	ReceivedAt time.Time
}

type symbolState struct {
	mu           sync.Mutex
	sub          Subscription
	book         *book
	lastSeq      uint64
	haveSnapshot bool
	lastApplied  time.Time
	pending      map[uint64]*Update
	pendingSince time.Time
}

type shard struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// Manager is the market data manager. Symbols shard by hash so one symbol's
// update stream never contends with another's.
type Manager struct {
	cfg    Config
	log    *zap.Logger
	shards [shardCount]*shard
}

// NewManager builds a market data manager.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	m := &Manager{cfg: cfg.withDefaults(), log: log}
	for i := range m.shards {
		m.shards[i] = &shard{symbols: make(map[string]*symbolState)}
	}
	return m
}

// Subscribe registers a subscription and returns the ticket the engine turns
// into a MarketDataRequest. The book stays stale until the first snapshot.
func (m *Manager) Subscribe(symbol, subType, venue string) (*Subscription, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if subType != fix.SubscriptionSnapshot && subType != fix.SubscriptionSnapshotUpdates {
		return nil, fmt.Errorf("%w: subscription type %q", ErrInvalidRequest, subType)
	}

	sh := m.shard(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.symbols[symbol]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, symbol)
	}

	sub := Subscription{
		Symbol:    symbol,
		Type:      subType,
		ReqID:     uuid.NewString(),
		Venue:     venue,
		CreatedAt: time.Now(),
	}
	sh.symbols[symbol] = &symbolState{
		sub:     sub,
		book:    newBook(),
		pending: make(map[uint64]*Update),
	}
	m.log.Info("market data subscribed",
		zap.String("symbol", symbol), zap.String("venue", venue), zap.String("md_req_id", sub.ReqID))
	return &sub, nil
}

// Unsubscribe drops the symbol and returns the original subscription so the
// engine can send the matching unsubscribe request.
func (m *Manager) Unsubscribe(symbol string) (*Subscription, error) {
	sh := m.shard(symbol)
	sh.mu.Lock()
	st, ok := sh.symbols[symbol]
	if ok {
		delete(sh.symbols, symbol)
	}
	sh.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, symbol)
	}

	st.mu.Lock()
	sub := st.sub
	st.mu.Unlock()
	m.log.Info("market data unsubscribed",
		zap.String("symbol", symbol), zap.String("md_req_id", sub.ReqID))
	return &sub, nil
}

// OnSnapshot replaces the symbol's book wholesale and re-anchors the
// sequence. Buffered increments at or below the snapshot sequence are
// discarded; contiguous successors apply immediately after.
func (m *Manager) OnSnapshot(up *Update) error {
	st, err := m.state(up.Symbol)
	if err != nil {
		return err
	}

	st.mu.Lock()
	m.expirePendingLocked(st, time.Now())

	if st.haveSnapshot && up.Seq < st.lastSeq {
		m.log.Debug("snapshot regresses sequence, venue is authoritative",
			zap.String("symbol", up.Symbol),
			zap.Uint64("book_seq", st.lastSeq), zap.Uint64("snapshot_seq", up.Seq))
	}

	st.book = newBook()
	for _, e := range up.Entries {
		st.book.apply(e)
	}
	st.lastSeq = up.Seq
	st.haveSnapshot = true
	st.lastApplied = receiptTime(up)
	metrics.MarketDataUpdates.WithLabelValues("snapshot").Inc()

	for seq := range st.pending {
		if seq <= st.lastSeq {
			delete(st.pending, seq)
		}
	}
	m.drainPendingLocked(st)
	st.mu.Unlock()
	return nil
}

// OnIncrement applies one incremental update. Only lastSeq+1 applies
// directly; anything newer waits in the reorder buffer and anything older is
// dropped as a duplicate.
func (m *Manager) OnIncrement(up *Update) error {
	st, err := m.state(up.Symbol)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	m.expirePendingLocked(st, time.Now())

	if st.haveSnapshot && up.Seq <= st.lastSeq {
		metrics.MarketDataDropped.Inc()
		m.log.Debug("stale increment dropped",
			zap.String("symbol", up.Symbol),
			zap.Uint64("seq", up.Seq), zap.Uint64("book_seq", st.lastSeq))
		return nil
	}

	if st.haveSnapshot && up.Seq == st.lastSeq+1 {
		m.applyIncrementLocked(st, up)
		m.drainPendingLocked(st)
		return nil
	}

	// Out of order, or ahead of the first snapshot. Buffer and wait.
	if len(st.pending) >= m.cfg.MaxPending {
		m.abandonPendingLocked(st, "reorder buffer full")
	}
	if _, dup := st.pending[up.Seq]; !dup {
		st.pending[up.Seq] = up
		if len(st.pending) == 1 {
			st.pendingSince = time.Now()
		}
	}
	return nil
}

// IsStale reports whether the symbol's data is too old for order decisions.
// Unsubscribed symbols and books that never received a snapshot are stale.
// A non-positive threshold uses the configured default.
func (m *Manager) IsStale(symbol string, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = m.cfg.StaleThreshold
	}
	st, err := m.state(symbol)
	if err != nil {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.staleLocked(st, threshold, time.Now())
}

func (m *Manager) staleLocked(st *symbolState, threshold time.Duration, now time.Time) bool {
	if !st.haveSnapshot {
		return true
	}
	return now.Sub(st.lastApplied) > threshold
}

// StaleSymbols returns the subscribed symbols that fail the freshness gate
// and refreshes the stale-books gauge.
func (m *Manager) StaleSymbols(threshold time.Duration) []string {
	if threshold <= 0 {
		threshold = m.cfg.StaleThreshold
	}
	now := time.Now()
	var stale []string
	for _, sh := range m.shards {
		sh.mu.RLock()
		states := make([]*symbolState, 0, len(sh.symbols))
		for _, st := range sh.symbols {
			states = append(states, st)
		}
		sh.mu.RUnlock()
		for _, st := range states {
			st.mu.Lock()
			if m.staleLocked(st, threshold, now) {
				stale = append(stale, st.sub.Symbol)
			}
			st.mu.Unlock()
		}
	}
	metrics.StaleBooks.Set(float64(len(stale)))
	return stale
}

// TopOfBook returns the best bid and ask. Missing sides come back as zero
// levels; staleness is the caller's check.
func (m *Manager) TopOfBook(symbol string) (bid, ask models.PriceLevel, err error) {
	st, err := m.state(symbol)
	if err != nil {
		return bid, ask, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	bid, ask = st.book.top()
	return bid, ask, nil
}

// Depth returns up to n levels per side, best first, with the book's
// last trade price and sequence.
func (m *Manager) Depth(symbol string, n int) (*models.BookSnapshot, error) {
	st, err := m.state(symbol)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	bids, asks := st.book.depth(n)
	return &models.BookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		LastPrice: st.book.lastPrice,
		Seq:       st.lastSeq,
		UpdatedAt: st.lastApplied,
	}, nil
}

// Subscriptions returns a snapshot of every active subscription.
func (m *Manager) Subscriptions() []Subscription {
	var out []Subscription
	for _, sh := range m.shards {
		sh.mu.RLock()
		states := make([]*symbolState, 0, len(sh.symbols))
		for _, st := range sh.symbols {
			states = append(states, st)
		}
		sh.mu.RUnlock()
		for _, st := range states {
			st.mu.Lock()
			out = append(out, st.sub)
			st.mu.Unlock()
		}
	}
	return out
}

func (m *Manager) applyIncrementLocked(st *symbolState, up *Update) {
	for _, e := range up.Entries {
		st.book.apply(e)
	}
	st.lastSeq = up.Seq
	st.lastApplied = receiptTime(up)
	metrics.MarketDataUpdates.WithLabelValues("incremental").Inc()
}

// drainPendingLocked applies buffered increments that are now contiguous. If
// a further gap remains the reorder window restarts for it.
func (m *Manager) drainPendingLocked(st *symbolState) {
	for {
		next, ok := st.pending[st.lastSeq+1]
		if !ok {
			break
		}
		delete(st.pending, st.lastSeq+1)
		m.applyIncrementLocked(st, next)
	}
	if len(st.pending) == 0 {
		st.pendingSince = time.Time{}
	} else {
		st.pendingSince = time.Now()
	}
}

// expirePendingLocked abandons the gap once buffered increments have waited
// longer than the reorder window. The book stops advancing and goes stale
// until a fresh snapshot re-anchors it.
func (m *Manager) expirePendingLocked(st *symbolState, now time.Time) {
	if len(st.pending) == 0 || now.Sub(st.pendingSince) <= m.cfg.ReorderWindow {
		return
	}
	m.abandonPendingLocked(st, "reorder window elapsed")
}

func (m *Manager) abandonPendingLocked(st *symbolState, cause string) {
	expected := st.lastSeq + 1
	var lowest uint64
	for seq := range st.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	dropped := len(st.pending)
	st.pending = make(map[uint64]*Update)
	st.pendingSince = time.Time{}

	metrics.MarketDataGaps.Inc()
	m.log.Warn("market data gap abandoned, book is stale until next snapshot",
		zap.String("symbol", st.sub.Symbol),
		zap.String("cause", cause),
		zap.Uint64("expected_seq", expected),
		zap.Uint64("lowest_buffered", lowest),
		zap.Int("dropped", dropped))

	if m.cfg.OnGap != nil {
		symbol := st.sub.Symbol
		go m.cfg.OnGap(symbol, expected, lowest)
	}
}

func (m *Manager) state(symbol string) (*symbolState, error) {
	sh := m.shard(symbol)
	sh.mu.RLock()
	st := sh.symbols[symbol]
	sh.mu.RUnlock()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, symbol)
	}
	return st, nil
}

func (m *Manager) shard(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return m.shards[h.Sum32()%shardCount]
}

func receiptTime(up *Update) time.Time {
	if up.ReceivedAt.IsZero() {
		return time.Now()
	}
	return up.ReceivedAt
}
