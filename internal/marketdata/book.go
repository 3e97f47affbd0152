package marketdata

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/quantfabric/fixcore/internal/fix"
	"github.com/quantfabric/fixcore/pkg/models"
)

// book holds one symbol's bid and ask levels in price-ordered trees plus the
// last trade price. Both trees order ascending by price; bids iterate in
// reverse so the best level comes first on either side.
type book struct {
	bids      *btree.BTreeG[models.PriceLevel]
	asks      *btree.BTreeG[models.PriceLevel]
	lastPrice decimal.Decimal
}

func byPrice(a, b models.PriceLevel) bool { return a.Price.LessThan(b.Price) }

func newBook() *book {
	return &book{
		bids: btree.NewBTreeG(byPrice),
		asks: btree.NewBTreeG(byPrice),
	}
}

// apply folds one entry into the book. Delete actions and zero sizes remove
// the level; anything else sets it outright.
func (b *book) apply(e Entry) {
	switch e.Type {
	case fix.MDEntryTypeBid:
		b.applySide(b.bids, e)
	case fix.MDEntryTypeOffer:
		b.applySide(b.asks, e)
	case fix.MDEntryTypeTrade:
		b.lastPrice = e.Price
	}
}

func (b *book) applySide(side *btree.BTreeG[models.PriceLevel], e Entry) {
	if e.Action == fix.MDUpdateActionDelete || e.Size.IsZero() {
		side.Delete(models.PriceLevel{Price: e.Price})
		return
	}
	side.Set(models.PriceLevel{Price: e.Price, Size: e.Size})
}

// top returns the best bid and ask. A missing side comes back as a zero
// PriceLevel.
func (b *book) top() (bid, ask models.PriceLevel) {
	if lv, ok := b.bids.Max(); ok {
		bid = lv
	}
	if lv, ok := b.asks.Min(); ok {
		ask = lv
	}
	return bid, ask
}

// depth returns up to n levels per side, best first.
func (b *book) depth(n int) (bids, asks []models.PriceLevel) {
	bids = make([]models.PriceLevel, 0, n)
	b.bids.Reverse(func(lv models.PriceLevel) bool {
		bids = append(bids, lv)
		return len(bids) < n
	})
	asks = make([]models.PriceLevel, 0, n)
	b.asks.Scan(func(lv models.PriceLevel) bool {
		asks = append(asks, lv)
		return len(asks) < n
	})
	return bids, asks
}
