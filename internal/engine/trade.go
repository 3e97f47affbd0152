package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/fix"
	"github.com/quantfabric/fixcore/internal/orders"
	"github.com/quantfabric/fixcore/pkg/metrics"
	"github.com/quantfabric/fixcore/pkg/models"
)

// SubmitOrder validates, routes and sends a new order. On success the
// returned snapshot is registered PENDING_NEW and the NewOrderSingle is on
// the wire. A send failure after registration converges the order to
// REJECTED through a local execution so no ghost order lingers.
func (e *Engine) SubmitOrder(req models.OrderRequest) (*models.Order, error) {
	start := time.Now()
	if !e.accepting.Load() {
		return nil, ErrNotAccepting
	}
	if err := e.staleGate(req.Symbol); err != nil {
		return nil, err
	}

	venue, err := e.pickVenue(req)
	if err != nil {
		return nil, err
	}
	s, ok := e.sessions[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}

	order, err := e.orders.Submit(req, venue)
	if err != nil {
		return nil, err
	}

	if err := s.Send(newOrderSingle(order)); err != nil {
		e.rejectLocal(order, fmt.Sprintf("send to %s failed: %v", venue, err))
		return nil, fmt.Errorf("engine: send %s: %w", venue, err)
	}
	e.trk.sent(order.ID, start)
	metrics.OrderSubmitLatency.Observe(time.Since(start).Seconds())

	e.log.Info("order submitted",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("venue", venue))
	return order, nil
}

// CancelOrder sends an OrderCancelRequest. The order sits in PENDING_CANCEL
// until the venue answers; a failed send unwinds the pending state the same
// way a venue reject would.
func (e *Engine) CancelOrder(orderID string) (*models.Order, error) {
	if !e.accepting.Load() {
		return nil, ErrNotAccepting
	}
	ticket, err := e.orders.RequestCancel(orderID)
	if err != nil {
		return nil, err
	}

	s, ok := e.sessions[ticket.Order.Venue]
	if !ok {
		e.orders.ApplyCancelReject(ticket.ClOrdID, ticket.OrigClOrdID,
			fix.CxlRejResponseToCancel, "no session for venue")
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, ticket.Order.Venue)
	}
	if err := s.Send(orderCancelRequest(ticket)); err != nil {
		e.orders.ApplyCancelReject(ticket.ClOrdID, ticket.OrigClOrdID,
			fix.CxlRejResponseToCancel, fmt.Sprintf("send failed: %v", err))
		return nil, fmt.Errorf("engine: send %s: %w", ticket.Order.Venue, err)
	}
	return e.orders.Get(orderID)
}

// ReplaceOrder sends an OrderCancelReplaceRequest adjusting quantity and
// price. The working order keeps trading until the venue accepts.
func (e *Engine) ReplaceOrder(orderID string, req models.ReplaceRequest) (*models.Order, error) {
	if !e.accepting.Load() {
		return nil, ErrNotAccepting
	}
	ticket, err := e.orders.RequestReplace(orderID, req)
	if err != nil {
		return nil, err
	}

	s, ok := e.sessions[ticket.Order.Venue]
	if !ok {
		e.orders.ApplyCancelReject(ticket.ClOrdID, ticket.OrigClOrdID,
			fix.CxlRejResponseToReplace, "no session for venue")
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, ticket.Order.Venue)
	}
	if err := s.Send(orderCancelReplace(ticket)); err != nil {
		e.orders.ApplyCancelReject(ticket.ClOrdID, ticket.OrigClOrdID,
			fix.CxlRejResponseToReplace, fmt.Sprintf("send failed: %v", err))
		return nil, fmt.Errorf("engine: send %s: %w", ticket.Order.Venue, err)
	}
	return e.orders.Get(orderID)
}

// staleGate blocks order flow on symbols whose subscribed book has gone
// stale. Symbols without a market data subscription are not gated.
func (e *Engine) staleGate(symbol string) error {
	if !e.subscribed(symbol) {
		return nil
	}
	if e.md.IsStale(symbol, 0) {
		return fmt.Errorf("%w: %s", ErrStaleMarketData, symbol)
	}
	return nil
}

func (e *Engine) subscribed(symbol string) bool {
	for _, sub := range e.md.Subscriptions() {
		if sub.Symbol == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) pickVenue(req models.OrderRequest) (string, error) {
	if req.Venue != "" {
		return e.router.RoutePinned(req.Venue)
	}
	return e.router.Route(req.Symbol)
}

// rejectLocal converges an order that never reached the venue. The synthetic
// execution keeps the reject visible in the order's execution history.
func (e *Engine) rejectLocal(o *models.Order, reason string) {
	now := time.Now()
	exec := &models.Execution{
		ExecID:     "local-" + uuid.NewString(),
		OrderID:    o.OrderID,
		ClOrdID:    o.ClOrdID,
		Venue:      o.Venue,
		Symbol:     o.Symbol,
		ExecType:   fix.ExecTypeRejected,
		OrdStatus:  fix.OrdStatusRejected,
		Reason:     reason,
		TransactAt: now,
		ReceivedAt: now,
	}
	updated, err := e.orders.ApplyExecution(exec)
	if err != nil {
		e.log.Warn("local reject not applied",
			zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	e.trk.forget(o.ID)
	e.publishOrder(updated, exec)
}

func newOrderSingle(o *models.Order) *fix.Message {
	b := fix.NewBuilder(fix.MsgTypeNewOrderSingle).
		Add(fix.TagClOrdID, o.ClOrdID).
		Add(fix.TagHandlInst, fix.HandlInstAutomated).
		Add(fix.TagSymbol, o.Symbol).
		Add(fix.TagSide, wireSide(o.Side)).
		AddTime(fix.TagTransactTime, time.Now().UTC()).
		AddDecimal(fix.TagOrderQty, o.Quantity).
		Add(fix.TagOrdType, wireOrdType(o.Type))
	if o.Type == models.OrderTypeLimit {
		b.AddDecimal(fix.TagPrice, o.Price)
	}
	if tif := wireTIF(o.TimeInForce); tif != "" {
		b.Add(fix.TagTimeInForce, tif)
	}
	return b.Build()
}

func orderCancelRequest(t *orders.CancelTicket) *fix.Message {
	return fix.NewBuilder(fix.MsgTypeOrderCancelRequest).
		Add(fix.TagOrigClOrdID, t.OrigClOrdID).
		Add(fix.TagClOrdID, t.ClOrdID).
		Add(fix.TagSymbol, t.Order.Symbol).
		Add(fix.TagSide, wireSide(t.Order.Side)).
		AddTime(fix.TagTransactTime, time.Now().UTC()).
		AddDecimal(fix.TagOrderQty, t.Order.Quantity).
		Build()
}

func orderCancelReplace(t *orders.ReplaceTicket) *fix.Message {
	b := fix.NewBuilder(fix.MsgTypeOrderCancelReplace).
		Add(fix.TagOrigClOrdID, t.OrigClOrdID).
		Add(fix.TagClOrdID, t.ClOrdID).
		Add(fix.TagHandlInst, fix.HandlInstAutomated).
		Add(fix.TagSymbol, t.Order.Symbol).
		Add(fix.TagSide, wireSide(t.Order.Side)).
		AddTime(fix.TagTransactTime, time.Now().UTC()).
		AddDecimal(fix.TagOrderQty, t.Quantity).
		Add(fix.TagOrdType, wireOrdType(t.Order.Type))
	if t.Order.Type == models.OrderTypeLimit && !t.Price.IsZero() {
		b.AddDecimal(fix.TagPrice, t.Price)
	}
	return b.Build()
}

func wireSide(side string) string {
	if side == models.OrderSideSell {
		return fix.SideSell
	}
	return fix.SideBuy
}

func wireOrdType(typ string) string {
	if typ == models.OrderTypeMarket {
		return fix.OrdTypeMarket
	}
	return fix.OrdTypeLimit
}

func wireTIF(tif string) string {
	switch tif {
	case models.TimeInForceDay:
		return fix.TIFDay
	case models.TimeInForceGTC:
		return fix.TIFGTC
	case models.TimeInForceIOC:
		return fix.TIFIOC
	case models.TimeInForceFOK:
		return fix.TIFFOK
	}
	return ""
}

// ackTracker measures the venue round trip from order send to first
// execution report. The average feeds routing and the health snapshot.
type ackTracker struct {
	mu      sync.Mutex
	pending map[string]time.Time
	count   int64
	sum     time.Duration
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[string]time.Time)}
}

func (t *ackTracker) sent(orderID string, at time.Time) {
	t.mu.Lock()
	t.pending[orderID] = at
	t.mu.Unlock()
}

// acked returns the round trip for the order's first venue response and
// folds it into the running average. Later executions return false.
func (t *ackTracker) acked(orderID string, at time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sentAt, ok := t.pending[orderID]
	if !ok {
		return 0, false
	}
	delete(t.pending, orderID)
	d := at.Sub(sentAt)
	if d < 0 {
		d = 0
	}
	t.count++
	t.sum += d
	return d, true
}

func (t *ackTracker) forget(orderID string) {
	t.mu.Lock()
	delete(t.pending, orderID)
	t.mu.Unlock()
}

func (t *ackTracker) average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return t.sum / time.Duration(t.count)
}
