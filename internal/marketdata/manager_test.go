package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/internal/fix"
)

func newTestMD(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg, zap.NewNop())
}

func subscribed(t *testing.T, m *Manager, symbol string) *Subscription {
	t.Helper()
	sub, err := m.Subscribe(symbol, fix.SubscriptionSnapshotUpdates, "SIM")
	require.NoError(t, err)
	return sub
}

func bidE(px, sz string) Entry {
	return Entry{Type: fix.MDEntryTypeBid, Price: decimal.RequireFromString(px), Size: decimal.RequireFromString(sz)}
}

func askE(px, sz string) Entry {
	return Entry{Type: fix.MDEntryTypeOffer, Price: decimal.RequireFromString(px), Size: decimal.RequireFromString(sz)}
}

func tradeE(px string) Entry {
	return Entry{Type: fix.MDEntryTypeTrade, Price: decimal.RequireFromString(px)}
}

func chgE(entry Entry) Entry {
	entry.Action = fix.MDUpdateActionChange
	return entry
}

func delAskE(px string) Entry {
	return Entry{Action: fix.MDUpdateActionDelete, Type: fix.MDEntryTypeOffer, Price: decimal.RequireFromString(px)}
}

func update(symbol string, seq uint64, entries ...Entry) *Update {
	return &Update{Symbol: symbol, Venue: "SIM", Seq: seq, Entries: entries, ReceivedAt: time.Now()}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	m := newTestMD(t, nil)

	_, err := m.Subscribe("", fix.SubscriptionSnapshotUpdates, "SIM")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = m.Subscribe("AAPL", "9", "SIM")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	sub := subscribed(t, m, "AAPL")
	assert.NotEmpty(t, sub.ReqID)
	assert.Equal(t, "SIM", sub.Venue)

	_, err = m.Subscribe("AAPL", fix.SubscriptionSnapshotUpdates, "SIM")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	assert.Len(t, m.Subscriptions(), 1)

	err = m.OnSnapshot(update("MSFT", 1, bidE("10", "1")))
	assert.ErrorIs(t, err, ErrNotSubscribed)
	err = m.OnIncrement(update("MSFT", 2, bidE("10", "1")))
	assert.ErrorIs(t, err, ErrNotSubscribed)
	_, _, err = m.TopOfBook("MSFT")
	assert.ErrorIs(t, err, ErrNotSubscribed)
	_, err = m.Depth("MSFT", 5)
	assert.ErrorIs(t, err, ErrNotSubscribed)

	got, err := m.Unsubscribe("AAPL")
	require.NoError(t, err)
	assert.Equal(t, sub.ReqID, got.ReqID, "unsubscribe quotes the original MDReqID")
	_, err = m.Unsubscribe("AAPL")
	assert.ErrorIs(t, err, ErrNotSubscribed)
	assert.Empty(t, m.Subscriptions())
}

func TestSnapshotReplacesBook(t *testing.T) {
	m := newTestMD(t, nil)
	subscribed(t, m, "AAPL")

	require.NoError(t, m.OnSnapshot(update("AAPL", 10,
		bidE("10.00", "100"), bidE("9.99", "50"),
		askE("10.02", "80"), askE("10.03", "60"),
		tradeE("10.01"),
	)))

	bid, ask, err := m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "10", bid.Price.String())
	assert.Equal(t, "100", bid.Size.String())
	assert.Equal(t, "10.02", ask.Price.String())

	depth, err := m.Depth("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 2)
	require.Len(t, depth.Asks, 2)
	assert.Equal(t, "10", depth.Bids[0].Price.String(), "bids come best first")
	assert.Equal(t, "9.99", depth.Bids[1].Price.String())
	assert.Equal(t, "10.02", depth.Asks[0].Price.String(), "asks come best first")
	assert.Equal(t, "10.01", depth.LastPrice.String())
	assert.Equal(t, uint64(10), depth.Seq)

	one, err := m.Depth("AAPL", 1)
	require.NoError(t, err)
	assert.Len(t, one.Bids, 1)
	assert.Len(t, one.Asks, 1)

	// A later snapshot replaces the book wholesale; old levels vanish.
	require.NoError(t, m.OnSnapshot(update("AAPL", 20, bidE("11.00", "5"))))
	depth, err = m.Depth("AAPL", 10)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, "11", depth.Bids[0].Price.String())
	assert.Empty(t, depth.Asks)
	assert.Equal(t, uint64(20), depth.Seq)
}

func TestIncrementsApplyInSequence(t *testing.T) {
	m := newTestMD(t, nil)
	subscribed(t, m, "AAPL")
	require.NoError(t, m.OnSnapshot(update("AAPL", 10, bidE("10.00", "100"), askE("10.02", "80"))))

	// In sequence: applied.
	require.NoError(t, m.OnIncrement(update("AAPL", 11, chgE(bidE("10.00", "40")))))
	bid, _, err := m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "40", bid.Size.String())

	// Duplicate sequence: dropped without touching the book.
	require.NoError(t, m.OnIncrement(update("AAPL", 11, chgE(bidE("10.00", "999")))))
	bid, _, err = m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "40", bid.Size.String())

	// Ahead of sequence: buffered, not applied.
	require.NoError(t, m.OnIncrement(update("AAPL", 13, bidE("10.01", "25"))))
	bid, _, err = m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "10", bid.Price.String())

	// The missing increment arrives: both apply in order.
	require.NoError(t, m.OnIncrement(update("AAPL", 12, delAskE("10.02"))))
	bid, ask, err := m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "10.01", bid.Price.String())
	assert.True(t, ask.Price.IsZero(), "deleted level leaves an empty side")

	depth, err := m.Depth("AAPL", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), depth.Seq)
}

func TestGapAbandonedAfterReorderWindow(t *testing.T) {
	gaps := make(chan [2]uint64, 1)
	m := newTestMD(t, func(c *Config) {
		c.ReorderWindow = 50 * time.Millisecond
		c.OnGap = func(symbol string, expected, lowest uint64) {
			gaps <- [2]uint64{expected, lowest}
		}
	})
	subscribed(t, m, "AAPL")
	require.NoError(t, m.OnSnapshot(update("AAPL", 1, bidE("10.00", "100"))))

	// Sequence 2 never arrives.
	require.NoError(t, m.OnIncrement(update("AAPL", 3, bidE("10.05", "10"))))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, m.OnIncrement(update("AAPL", 4, bidE("10.06", "10"))))

	select {
	case gap := <-gaps:
		assert.Equal(t, uint64(2), gap[0], "expected sequence")
		assert.Equal(t, uint64(3), gap[1], "lowest buffered sequence")
	case <-time.After(2 * time.Second):
		t.Fatal("gap was never reported")
	}

	// Nothing buffered was applied; the book is anchored at the snapshot.
	bid, _, err := m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "10", bid.Price.String())
	depth, err := m.Depth("AAPL", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), depth.Seq)

	// A fresh snapshot re-anchors and discards the leftover buffer.
	require.NoError(t, m.OnSnapshot(update("AAPL", 50, bidE("10.10", "70"))))
	bid, _, err = m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "10.1", bid.Price.String())
}

func TestIncrementBeforeFirstSnapshotWaits(t *testing.T) {
	m := newTestMD(t, nil)
	subscribed(t, m, "AAPL")

	// Subscribe race: the first increments can beat the snapshot.
	require.NoError(t, m.OnIncrement(update("AAPL", 5, bidE("10.05", "10"))))

	bid, _, err := m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.True(t, bid.Price.IsZero())

	require.NoError(t, m.OnSnapshot(update("AAPL", 4, bidE("10.00", "100"))))
	bid, _, err = m.TopOfBook("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "10.05", bid.Price.String(), "buffered successor applied after the snapshot")

	depth, err := m.Depth("AAPL", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), depth.Seq)
}

func TestIsStale(t *testing.T) {
	m := newTestMD(t, func(c *Config) { c.StaleThreshold = 200 * time.Millisecond })

	assert.True(t, m.IsStale("AAPL", 0), "unsubscribed symbols are stale")

	subscribed(t, m, "AAPL")
	assert.True(t, m.IsStale("AAPL", 0), "no snapshot yet")

	require.NoError(t, m.OnSnapshot(update("AAPL", 1, bidE("10.00", "100"))))
	assert.False(t, m.IsStale("AAPL", 0))
	assert.Empty(t, m.StaleSymbols(0))

	time.Sleep(250 * time.Millisecond)
	assert.True(t, m.IsStale("AAPL", 0), "past the default threshold")
	assert.False(t, m.IsStale("AAPL", time.Minute), "explicit threshold overrides")
	assert.Equal(t, []string{"AAPL"}, m.StaleSymbols(0))
}
