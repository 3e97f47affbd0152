// Package orders tracks working orders through their lifecycle: PendingNew
// through New, partial fills, and the terminal Filled, Cancelled or Rejected
// states, with cancel/replace chains and idempotent execution-report
// application. The manager is pure order state; building and sending the FIX
// messages is the engine's job.
package orders

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

// avgPxScale is the decimal precision kept for the running average price.
const avgPxScale = 10

// Config tunes the order manager.
type Config struct {
	// AckTimeout is how long an order may sit in PendingNew before it is
	// flagged PendingTimeout. Zero disables the watchdog.
	AckTimeout time.Duration

	// OnTimeout is invoked with a snapshot of each order that exceeds
	// AckTimeout. The order is flagged, never auto-cancelled; a late venue
	// acknowledgment still moves it to New.
	OnTimeout func(models.Order)
}

// CancelTicket is everything the engine needs to put an OrderCancelRequest
// on the wire.
type CancelTicket struct {
	Order       models.Order
	ClOrdID     string
	OrigClOrdID string
}

// ReplaceTicket is everything the engine needs to put an
// OrderCancelReplaceRequest on the wire.
type ReplaceTicket struct {
	Order       models.Order
	ClOrdID     string
	OrigClOrdID string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
}

type managedOrder struct {
	mu         sync.Mutex
	order      models.Order
	execIDs    map[string]struct{}
	execs      []models.Execution
	notional   decimal.Decimal // sum of LastQty*LastPx across fills
	prevStatus string          // status to restore if a cancel/replace is rejected
	staged     *models.ReplaceRequest
}

type shard struct {
	mu     sync.RWMutex
	orders map[string]*managedOrder // engine order ID -> order
	chain  map[string]*managedOrder // any ClOrdID in the chain -> order
}

// Manager holds all orders sharded by ID. Lookups release the shard lock
// before taking the order lock, so shard and order locks never nest in that
// direction.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	shards   [shardCount]*shard
	timeouts *scheduler
}

// NewManager builds an order manager. Call Start to arm the acknowledgment
// watchdog and Stop to release it.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	m := &Manager{cfg: cfg, log: log}
	for i := range m.shards {
		m.shards[i] = &shard{
			orders: make(map[string]*managedOrder),
			chain:  make(map[string]*managedOrder),
		}
	}
	m.timeouts = newScheduler(m.flagOverdue)
	return m
}

func (m *Manager) Start() { m.timeouts.start() }
func (m *Manager) Stop()  { m.timeouts.close() }

// Submit registers a new order in PendingNew and returns its snapshot. The
// engine sends the NewOrderSingle built from the snapshot.
func (m *Manager) Submit(req models.OrderRequest, venue string) (*models.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = models.TimeInForceDay
	}
	now := time.Now()
	o := models.Order{
		ID:          uuid.NewString(),
		ClOrdID:     uuid.NewString(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       req.Price,
		TimeInForce: tif,
		Venue:       venue,
		Status:      models.OrderStatusPendingNew,
		LeavesQty:   req.Quantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	mo := &managedOrder{order: o, execIDs: make(map[string]struct{}, 4)}
	m.indexOrder(mo)
	m.aliasClOrdID(o.ClOrdID, mo)

	if m.cfg.AckTimeout > 0 {
		m.timeouts.schedule(o.ID, now.Add(m.cfg.AckTimeout))
	}
	metrics.OrdersSubmitted.WithLabelValues(venue, o.Side).Inc()

	snap := o
	return &snap, nil
}

func validateRequest(req models.OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, req.Side)
	}
	if req.Type != models.OrderTypeLimit && req.Type != models.OrderTypeMarket {
		return fmt.Errorf("%w: type %q", ErrInvalidRequest, req.Type)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if req.Type == models.OrderTypeLimit && !req.Price.IsPositive() {
		return fmt.Errorf("%w: limit orders need a positive price", ErrInvalidRequest)
	}
	return nil
}

// RequestCancel moves the order to PendingCancel and returns the ticket for
// the OrderCancelRequest. The ticket's ClOrdID joins the order's chain so the
// venue's response finds its way back.
func (m *Manager) RequestCancel(orderID string) (*CancelTicket, error) {
	mo, err := m.byID(orderID)
	if err != nil {
		return nil, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()

	if models.IsTerminalStatus(mo.order.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalStatus, orderID, mo.order.Status)
	}
	if mo.order.Status == models.OrderStatusPendingCancel || mo.order.Status == models.OrderStatusPendingReplace {
		return nil, fmt.Errorf("%w: %s", ErrChangePending, mo.order.Status)
	}

	cancelID := uuid.NewString()
	orig := mo.order.ClOrdID
	mo.prevStatus = mo.order.Status
	mo.order.Status = models.OrderStatusPendingCancel
	mo.order.UpdatedAt = time.Now()
	m.aliasClOrdID(cancelID, mo)

	return &CancelTicket{Order: mo.order, ClOrdID: cancelID, OrigClOrdID: orig}, nil
}

// RequestReplace validates and stages a cancel/replace, moving the order to
// PendingReplace. The new quantity and price take effect only when the venue
// confirms with an ExecType=Replaced report.
func (m *Manager) RequestReplace(orderID string, req models.ReplaceRequest) (*ReplaceTicket, error) {
	mo, err := m.byID(orderID)
	if err != nil {
		return nil, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()

	if models.IsTerminalStatus(mo.order.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalStatus, orderID, mo.order.Status)
	}
	if mo.order.Status == models.OrderStatusPendingCancel || mo.order.Status == models.OrderStatusPendingReplace {
		return nil, fmt.Errorf("%w: %s", ErrChangePending, mo.order.Status)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if req.Quantity.LessThan(mo.order.FilledQty) {
		return nil, fmt.Errorf("%w: filled %s, requested %s",
			ErrReplaceBelowFilledQuantity, mo.order.FilledQty, req.Quantity)
	}
	if mo.order.Type == models.OrderTypeLimit && !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: limit orders need a positive price", ErrInvalidRequest)
	}

	replaceID := uuid.NewString()
	orig := mo.order.ClOrdID
	mo.prevStatus = mo.order.Status
	mo.order.Status = models.OrderStatusPendingReplace
	mo.order.UpdatedAt = time.Now()
	staged := req
	mo.staged = &staged
	m.aliasClOrdID(replaceID, mo)

	return &ReplaceTicket{
		Order:       mo.order,
		ClOrdID:     replaceID,
		OrigClOrdID: orig,
		Quantity:    req.Quantity,
		Price:       req.Price,
	}, nil
}

// ApplyExecution applies one execution report. Reports are idempotent on
// ExecID: a replayed report returns the current state without reapplying.
func (m *Manager) ApplyExecution(exec *models.Execution) (*models.Order, error) {
	if exec.ExecID == "" {
		return nil, fmt.Errorf("%w: execution without ExecID", ErrInvalidRequest)
	}
	mo := m.byClOrdID(exec.ClOrdID)
	if mo == nil {
		mo = m.byClOrdID(exec.OrigClOrdID)
	}
	if mo == nil {
		return nil, fmt.Errorf("%w: cl_ord_id %q", ErrUnknownOrder, exec.ClOrdID)
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if _, dup := mo.execIDs[exec.ExecID]; dup {
		metrics.ExecutionsDuplicate.Inc()
		m.log.Debug("duplicate execution ignored",
			zap.String("exec_id", exec.ExecID), zap.String("order_id", mo.order.ID))
		snap := mo.order
		return &snap, nil
	}
	mo.execIDs[exec.ExecID] = struct{}{}
	mo.execs = append(mo.execs, *exec)

	m.applyLocked(mo, exec)
	metrics.ExecutionsApplied.WithLabelValues(exec.ExecType).Inc()

	snap := mo.order
	return &snap, nil
}

func (m *Manager) applyLocked(mo *managedOrder, exec *models.Execution) {
	o := &mo.order
	if models.IsTerminalStatus(o.Status) {
		m.log.Warn("execution for terminal order ignored",
			zap.String("order_id", o.ID), zap.String("status", o.Status),
			zap.String("exec_type", exec.ExecType))
		return
	}
	if exec.OrderID != "" {
		o.OrderID = exec.OrderID
	}
	o.UpdatedAt = time.Now()

	switch exec.ExecType {
	case fix.ExecTypePendingNew, fix.ExecTypePendingCancel, fix.ExecTypePendingReplace:
		// Venue acks of states we already hold locally.

	case fix.ExecTypeNew:
		switch o.Status {
		case models.OrderStatusPendingNew, models.OrderStatusPendingTimeout:
			o.Status = models.OrderStatusNew
			o.Reason = ""
		default:
			m.log.Warn("New execution in unexpected status",
				zap.String("order_id", o.ID), zap.String("status", o.Status))
		}

	case fix.ExecTypePartialFill, fix.ExecTypeFill:
		m.applyFillLocked(mo, exec)

	case fix.ExecTypeCanceled:
		o.Status = models.OrderStatusCancelled
		o.LeavesQty = decimal.Zero
		o.Reason = exec.Reason
		mo.staged = nil
		mo.prevStatus = ""

	case fix.ExecTypeReplaced:
		m.applyReplacedLocked(mo, exec)

	case fix.ExecTypeRejected:
		o.Status = models.OrderStatusRejected
		o.LeavesQty = decimal.Zero
		o.Reason = exec.Reason
		mo.staged = nil
		mo.prevStatus = ""

	default:
		m.log.Warn("unhandled exec type",
			zap.String("order_id", o.ID), zap.String("exec_type", exec.ExecType))
	}
}

// applyFillLocked folds one fill into the running totals. The average price
// is kept as exact notional divided by cumulative quantity, never a float.
func (m *Manager) applyFillLocked(mo *managedOrder, exec *models.Execution) {
	o := &mo.order
	if !exec.LastQty.IsPositive() {
		m.log.Warn("fill with non-positive LastQty ignored",
			zap.String("order_id", o.ID), zap.String("exec_id", exec.ExecID))
		return
	}

	o.FilledQty = o.FilledQty.Add(exec.LastQty)
	mo.notional = mo.notional.Add(exec.LastQty.Mul(exec.LastPx))
	o.AvgPrice = mo.notional.DivRound(o.FilledQty, avgPxScale)
	o.LeavesQty = o.Quantity.Sub(o.FilledQty)
	if o.LeavesQty.IsNegative() {
		m.log.Warn("venue overfilled order",
			zap.String("order_id", o.ID),
			zap.String("quantity", o.Quantity.String()),
			zap.String("filled", o.FilledQty.String()))
		o.LeavesQty = decimal.Zero
	}
	if !exec.CumQty.IsZero() && !exec.CumQty.Equal(o.FilledQty) {
		m.log.Warn("venue CumQty disagrees with accumulated fills",
			zap.String("order_id", o.ID),
			zap.String("venue_cum", exec.CumQty.String()),
			zap.String("local_cum", o.FilledQty.String()))
	}

	switch {
	case o.FilledQty.GreaterThanOrEqual(o.Quantity):
		o.Status = models.OrderStatusFilled
		mo.staged = nil
		mo.prevStatus = ""
	case o.Status == models.OrderStatusPendingCancel || o.Status == models.OrderStatusPendingReplace:
		// The order keeps trading while a cancel/replace is in flight; a
		// reject now restores PartiallyFilled, not the pre-fill status.
		mo.prevStatus = models.OrderStatusPartiallyFilled
	default:
		o.Status = models.OrderStatusPartiallyFilled
	}
}

func (m *Manager) applyReplacedLocked(mo *managedOrder, exec *models.Execution) {
	o := &mo.order
	if exec.ClOrdID != "" {
		o.ClOrdID = exec.ClOrdID
	}
	if mo.staged != nil {
		o.Quantity = mo.staged.Quantity
		if mo.staged.Price.IsPositive() {
			o.Price = mo.staged.Price
		}
		mo.staged = nil
	}
	o.LeavesQty = o.Quantity.Sub(o.FilledQty)
	if o.LeavesQty.IsNegative() {
		o.LeavesQty = decimal.Zero
	}
	switch {
	case o.FilledQty.GreaterThanOrEqual(o.Quantity):
		o.Status = models.OrderStatusFilled
	case o.FilledQty.IsPositive():
		o.Status = models.OrderStatusPartiallyFilled
	default:
		o.Status = models.OrderStatusNew
	}
	mo.prevStatus = ""
}

// ApplyCancelReject handles an OrderCancelReject: the pending change is
// abandoned and the order returns to its previous working status.
func (m *Manager) ApplyCancelReject(clOrdID, origClOrdID, responseTo, reason string) (*models.Order, error) {
	mo := m.byClOrdID(clOrdID)
	if mo == nil {
		mo = m.byClOrdID(origClOrdID)
	}
	if mo == nil {
		return nil, fmt.Errorf("%w: cl_ord_id %q", ErrUnknownOrder, clOrdID)
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()
	o := &mo.order

	if models.IsTerminalStatus(o.Status) {
		m.log.Warn("cancel reject for terminal order",
			zap.String("order_id", o.ID), zap.String("status", o.Status))
		snap := *o
		return &snap, nil
	}

	switch o.Status {
	case models.OrderStatusPendingCancel, models.OrderStatusPendingReplace:
		prev := mo.prevStatus
		if prev == "" {
			prev = models.OrderStatusNew
		}
		o.Status = prev
	default:
		m.log.Warn("cancel reject in unexpected status",
			zap.String("order_id", o.ID), zap.String("status", o.Status))
	}
	mo.staged = nil
	mo.prevStatus = ""
	o.Reason = reason
	o.UpdatedAt = time.Now()

	m.log.Warn("cancel/replace rejected by venue",
		zap.String("order_id", o.ID),
		zap.String("response_to", responseTo),
		zap.String("reason", reason))

	snap := *o
	return &snap, nil
}

// flagOverdue fires when an order's acknowledgment deadline passes. The
// order is flagged for operator review and reported through OnTimeout; it is
// never cancelled here, and a late ack still recovers it.
func (m *Manager) flagOverdue(orderID string) {
	mo, err := m.byID(orderID)
	if err != nil {
		return
	}
	mo.mu.Lock()
	if mo.order.Status != models.OrderStatusPendingNew {
		mo.mu.Unlock()
		return
	}
	mo.order.Status = models.OrderStatusPendingTimeout
	mo.order.Reason = "order acknowledgment overdue"
	mo.order.UpdatedAt = time.Now()
	snap := mo.order
	mo.mu.Unlock()

	metrics.OrderTimeouts.Inc()
	m.log.Error("order acknowledgment overdue, flagging for review",
		zap.String("order_id", snap.ID),
		zap.String("venue", snap.Venue),
		zap.String("symbol", snap.Symbol))
	if m.cfg.OnTimeout != nil {
		m.cfg.OnTimeout(snap)
	}
}

// Get returns a snapshot of one order by engine ID.
func (m *Manager) Get(orderID string) (*models.Order, error) {
	mo, err := m.byID(orderID)
	if err != nil {
		return nil, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	snap := mo.order
	return &snap, nil
}

// Executions returns the execution reports applied to one order, in arrival
// order.
func (m *Manager) Executions(orderID string) ([]models.Execution, error) {
	mo, err := m.byID(orderID)
	if err != nil {
		return nil, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	out := make([]models.Execution, len(mo.execs))
	copy(out, mo.execs)
	return out, nil
}

// List returns snapshots of every tracked order.
func (m *Manager) List() []*models.Order {
	var out []*models.Order
	for _, sh := range m.shards {
		sh.mu.RLock()
		mos := make([]*managedOrder, 0, len(sh.orders))
		for _, mo := range sh.orders {
			mos = append(mos, mo)
		}
		sh.mu.RUnlock()
		for _, mo := range mos {
			mo.mu.Lock()
			snap := mo.order
			mo.mu.Unlock()
			out = append(out, &snap)
		}
	}
	return out
}

// Open returns snapshots of orders that are not in a terminal status.
func (m *Manager) Open() []*models.Order {
	var out []*models.Order
	for _, o := range m.List() {
		if !models.IsTerminalStatus(o.Status) {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) byID(id string) (*managedOrder, error) {
	sh := m.shards[shardIndex(id)]
	sh.mu.RLock()
	mo := sh.orders[id]
	sh.mu.RUnlock()
	if mo == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return mo, nil
}

func (m *Manager) byClOrdID(clOrdID string) *managedOrder {
	if clOrdID == "" {
		return nil
	}
	sh := m.shards[shardIndex(clOrdID)]
	sh.mu.RLock()
	mo := sh.chain[clOrdID]
	sh.mu.RUnlock()
	return mo
}

func (m *Manager) aliasClOrdID(clOrdID string, mo *managedOrder) {
	sh := m.shards[shardIndex(clOrdID)]
	sh.mu.Lock()
	sh.chain[clOrdID] = mo
	sh.mu.Unlock()
}

func (m *Manager) indexOrder(mo *managedOrder) {
	sh := m.shards[shardIndex(mo.order.ID)]
	sh.mu.Lock()
	sh.orders[mo.order.ID] = mo
	sh.mu.Unlock()
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}
