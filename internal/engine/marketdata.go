package engine

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/fix"
	"github.com/quantfabric/fixcore/internal/marketdata"
)

// SubscribeMarketData opens a book subscription and sends the request to the
// serving venue. An empty subType asks for snapshot plus updates; an empty
// venue routes by symbol rank.
func (e *Engine) SubscribeMarketData(symbol, venue, subType string) (*marketdata.Subscription, error) {
	if !e.running.Load() {
		return nil, ErrNotRunning
	}
	if subType == "" {
		subType = fix.SubscriptionSnapshotUpdates
	}

	var err error
	if venue == "" {
		venue, err = e.router.Route(symbol)
	} else {
		venue, err = e.router.RoutePinned(venue)
	}
	if err != nil {
		return nil, err
	}
	s, ok := e.sessions[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}

	sub, err := e.md.Subscribe(symbol, subType, venue)
	if err != nil {
		return nil, err
	}
	if err := s.Send(marketDataRequest(sub.ReqID, subType, symbol)); err != nil {
		e.md.Unsubscribe(symbol)
		return nil, fmt.Errorf("engine: send %s: %w", venue, err)
	}

	e.log.Info("market data subscribed",
		zap.String("symbol", symbol),
		zap.String("venue", venue),
		zap.String("req_id", sub.ReqID))
	return sub, nil
}

// UnsubscribeMarketData drops the book and tells the venue. The local state
// is gone even when the venue notification cannot be sent.
func (e *Engine) UnsubscribeMarketData(symbol string) error {
	sub, err := e.md.Unsubscribe(symbol)
	if err != nil {
		return err
	}
	s, ok := e.sessions[sub.Venue]
	if !ok {
		return nil
	}
	if err := s.Send(unsubscribeRequest(sub.ReqID, symbol)); err != nil {
		e.log.Warn("unsubscribe not sent",
			zap.String("symbol", symbol),
			zap.String("venue", sub.Venue),
			zap.Error(err))
	}
	return nil
}

// onBookGap runs on the book manager's gap goroutine after the reorder
// window gave up. A one-shot snapshot request re-anchors the book without
// touching the standing subscription.
func (e *Engine) onBookGap(symbol string, expected, lowest uint64) {
	sub, ok := e.subscriptionFor(symbol)
	if !ok {
		return
	}
	s, ok := e.sessions[sub.Venue]
	if !ok {
		return
	}
	if err := s.Send(marketDataRequest(uuid.NewString(), fix.SubscriptionSnapshot, symbol)); err != nil {
		e.log.Warn("snapshot refresh not sent",
			zap.String("symbol", symbol),
			zap.String("venue", sub.Venue),
			zap.Error(err))
		return
	}
	e.log.Info("snapshot refresh requested",
		zap.String("symbol", symbol),
		zap.String("venue", sub.Venue),
		zap.Uint64("expected_seq", expected),
		zap.Uint64("buffered_seq", lowest))
}

func (e *Engine) subscriptionFor(symbol string) (marketdata.Subscription, bool) {
	for _, sub := range e.md.Subscriptions() {
		if sub.Symbol == symbol {
			return sub, true
		}
	}
	return marketdata.Subscription{}, false
}

func marketDataRequest(reqID, subType, symbol string) *fix.Message {
	b := fix.NewBuilder(fix.MsgTypeMarketDataRequest).
		Add(fix.TagMDReqID, reqID).
		Add(fix.TagSubscriptionRequestType, subType).
		AddInt(fix.TagMarketDepth, 0)
	if subType == fix.SubscriptionSnapshotUpdates {
		b.Add(fix.TagMDUpdateType, fix.MDUpdateTypeIncremental)
	}
	b.AddInt(fix.TagNoMDEntryTypes, 3).
		Add(fix.TagMDEntryType, fix.MDEntryTypeBid).
		Add(fix.TagMDEntryType, fix.MDEntryTypeOffer).
		Add(fix.TagMDEntryType, fix.MDEntryTypeTrade).
		AddInt(fix.TagNoRelatedSym, 1).
		Add(fix.TagSymbol, symbol)
	return b.Build()
}

func unsubscribeRequest(reqID, symbol string) *fix.Message {
	return fix.NewBuilder(fix.MsgTypeMarketDataRequest).
		Add(fix.TagMDReqID, reqID).
		Add(fix.TagSubscriptionRequestType, fix.SubscriptionUnsubscribe).
		AddInt(fix.TagNoRelatedSym, 1).
		Add(fix.TagSymbol, symbol).
		Build()
}
