package engine

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/events"
	"github.com/quantfabric/fixcore/internal/fix"
	"github.com/quantfabric/fixcore/internal/marketdata"
	"github.com/quantfabric/fixcore/internal/routing"
	"github.com/quantfabric/fixcore/internal/session"
	"github.com/quantfabric/fixcore/pkg/models"
)

// bookDepth is how many levels each side of a book event carries.
const bookDepth = 10

// OnMessage implements session.Handler. It runs on the session's read
// goroutine, so everything is copied out of msg before returning and no call
// here may block.
func (e *Engine) OnMessage(venue string, msg *fix.Message) {
	e.router.ObserveHeartbeat(venue, time.Now())

	switch msg.MsgType() {
	case fix.MsgTypeExecutionReport:
		e.handleExecution(venue, msg)
	case fix.MsgTypeOrderCancelReject:
		e.handleCancelReject(venue, msg)
	case fix.MsgTypeMarketDataSnapshot:
		e.handleMarketData(venue, msg, true)
	case fix.MsgTypeMarketDataIncremental:
		e.handleMarketData(venue, msg, false)
	default:
		e.log.Debug("unhandled application message",
			zap.String("venue", venue), zap.String("msg_type", msg.MsgType()))
	}
}

// OnStateChange implements session.Handler. Session state drives routing
// health: only a logged-on session takes order flow.
func (e *Engine) OnStateChange(venue string, from, to session.State) {
	health := routing.HealthDown
	if to == session.StateActive {
		health = routing.HealthUp
	}
	e.router.SetHealth(venue, health)

	status, ok := e.router.StatusOf(venue)
	if !ok {
		return
	}
	e.bus.Publish(events.Event{
		Type:    events.TypeVenueStatus,
		Key:     venue,
		Payload: status,
	})
}

func (e *Engine) handleExecution(venue string, msg *fix.Message) {
	exec := decodeExecution(venue, msg)
	defer releaseExecution(exec)

	if exec.ExecID == "" || exec.ClOrdID == "" {
		e.log.Warn("execution report missing identifiers",
			zap.String("venue", venue))
		return
	}
	order, err := e.orders.ApplyExecution(exec)
	if err != nil {
		e.log.Warn("execution not applied",
			zap.String("venue", venue),
			zap.String("cl_ord_id", exec.ClOrdID),
			zap.Error(err))
		return
	}
	if d, ok := e.trk.acked(order.ID, time.Now()); ok {
		e.router.ObserveLatency(venue, d)
	}
	e.publishOrder(order, exec)
}

func (e *Engine) handleCancelReject(venue string, msg *fix.Message) {
	clOrdID, _ := msg.GetString(fix.TagClOrdID)
	origClOrdID, _ := msg.GetString(fix.TagOrigClOrdID)
	responseTo, _ := msg.GetString(fix.TagCxlRejResponseTo)
	reason, _ := msg.GetString(fix.TagText)
	if reason == "" {
		if code, ok := msg.GetString(fix.TagCxlRejReason); ok {
			reason = "venue reject code " + code
		}
	}

	order, err := e.orders.ApplyCancelReject(clOrdID, origClOrdID, responseTo, reason)
	if err != nil {
		e.log.Warn("cancel reject not applied",
			zap.String("venue", venue),
			zap.String("cl_ord_id", clOrdID),
			zap.Error(err))
		return
	}
	e.bus.Publish(events.Event{
		Type:    events.TypeOrderUpdate,
		Key:     order.ID,
		Payload: *order,
	})
	if e.cfg.Journal != nil {
		e.cfg.Journal.RecordOrder(*order)
	}
}

func (e *Engine) handleMarketData(venue string, msg *fix.Message, snapshot bool) {
	up := decodeMarketData(venue, msg)
	if up == nil {
		e.log.Warn("market data without symbol dropped",
			zap.String("venue", venue), zap.String("msg_type", msg.MsgType()))
		return
	}

	var err error
	if snapshot {
		err = e.md.OnSnapshot(up)
	} else {
		err = e.md.OnIncrement(up)
	}
	if err != nil {
		e.log.Debug("market data not applied",
			zap.String("venue", venue),
			zap.String("symbol", up.Symbol),
			zap.Error(err))
		return
	}

	book, err := e.md.Depth(up.Symbol, bookDepth)
	if err != nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:    events.TypeMarketData,
		Key:     up.Symbol,
		Payload: *book,
	})
}

// publishOrder fans one applied execution out to the bus and the journal.
func (e *Engine) publishOrder(order *models.Order, exec *models.Execution) {
	e.bus.Publish(events.Event{
		Type:    events.TypeExecution,
		Key:     order.ID,
		Payload: *exec,
	})
	e.bus.Publish(events.Event{
		Type:    events.TypeOrderUpdate,
		Key:     order.ID,
		Payload: *order,
	})
	if order.Status == models.OrderStatusRejected {
		e.bus.Publish(events.Event{
			Type:    events.TypeOrderRejected,
			Key:     order.ID,
			Payload: *order,
		})
	}
	if e.cfg.Journal != nil {
		e.cfg.Journal.RecordExecution(*exec)
		e.cfg.Journal.RecordOrder(*order)
	}
}

// onOrderTimeout runs on the order watchdog goroutine when an order has
// waited too long for its first venue response.
func (e *Engine) onOrderTimeout(o models.Order) {
	e.trk.forget(o.ID)
	e.bus.Publish(events.Event{
		Type:    events.TypeOrderUpdate,
		Key:     o.ID,
		Payload: o,
	})
	if e.cfg.Journal != nil {
		e.cfg.Journal.RecordOrder(o)
	}
}

func decodeExecution(venue string, msg *fix.Message) *models.Execution {
	exec := models.ExecutionPool.Get().(*models.Execution)
	*exec = models.Execution{
		Venue:      venue,
		ReceivedAt: time.Now(),
	}

	exec.ExecID, _ = msg.GetString(fix.TagExecID)
	exec.OrderID, _ = msg.GetString(fix.TagOrderID)
	exec.ClOrdID, _ = msg.GetString(fix.TagClOrdID)
	exec.OrigClOrdID, _ = msg.GetString(fix.TagOrigClOrdID)
	exec.Symbol, _ = msg.GetString(fix.TagSymbol)
	exec.ExecType, _ = msg.GetString(fix.TagExecType)
	exec.OrdStatus, _ = msg.GetString(fix.TagOrdStatus)
	exec.Reason, _ = msg.GetString(fix.TagText)

	if v, err := msg.GetDecimal(fix.TagLastShares); err == nil {
		exec.LastQty = v
	}
	if v, err := msg.GetDecimal(fix.TagLastPx); err == nil {
		exec.LastPx = v
	}
	if v, err := msg.GetDecimal(fix.TagCumQty); err == nil {
		exec.CumQty = v
	}
	if v, err := msg.GetDecimal(fix.TagLeavesQty); err == nil {
		exec.LeavesQty = v
	}
	if t, err := msg.GetTime(fix.TagTransactTime); err == nil {
		exec.TransactAt = t
	} else {
		exec.TransactAt = exec.ReceivedAt
	}
	return exec
}

// releaseExecution returns a decoded execution to the pool. Every sink
// copies the value, so the pooled struct owns nothing after publish.
func releaseExecution(exec *models.Execution) {
	*exec = models.Execution{}
	models.ExecutionPool.Put(exec)
}

// decodeMarketData flattens one W or X message into a book update. The
// symbol comes from tag 55, which incremental refreshes carry inside the
// group; entries naming a different symbol than the message's are skipped,
// one update serves one book.
func decodeMarketData(venue string, msg *fix.Message) *marketdata.Update {
	symbol, _ := msg.GetString(fix.TagSymbol)
	if symbol == "" {
		return nil
	}

	var seq uint64
	if v, err := msg.GetUint64(fix.TagRptSeq); err == nil {
		seq = v
	}

	groups := msg.Group(fix.TagNoMDEntries)
	entries := make([]marketdata.Entry, 0, len(groups))
	for _, g := range groups {
		typ, ok := g.GetString(fix.TagMDEntryType)
		if !ok {
			continue
		}
		if s, ok := g.GetString(fix.TagSymbol); ok && s != symbol {
			continue
		}
		// RptSeq rides on each entry; the update carries the highest so the
		// book expects the right successor.
		if s, ok := g.GetString(fix.TagRptSeq); ok {
			if v, err := strconv.ParseUint(s, 10, 64); err == nil && v > seq {
				seq = v
			}
		}
		var entry marketdata.Entry
		entry.Type = typ
		if a, ok := g.GetString(fix.TagMDUpdateAction); ok {
			entry.Action = a
		}
		if v, err := g.GetDecimal(fix.TagMDEntryPx); err == nil {
			entry.Price = v
		}
		if v, err := g.GetDecimal(fix.TagMDEntrySize); err == nil {
			entry.Size = v
		}
		entries = append(entries, entry)
	}

	return &marketdata.Update{
		Symbol:     symbol,
		Venue:      venue,
		Seq:        seq,
		Entries:    entries,
		ReceivedAt: time.Now(),
	}
}
