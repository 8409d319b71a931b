// Package orderbook maintains per-symbol local books synchronized against
// venue diff streams and emits periodic top-N snapshots.
package orderbook

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantfeed/quantfeed/internal/models"
)

// level is one resting price level. The venue's decimal strings are kept
// verbatim for checksum computation and publication; the parsed price is
// only used for ordering.
type level struct {
	price    decimal.Decimal
	priceStr string
	qtyStr   string
}

// Book is a pair of sorted price-level vectors: bids descending, asks
// ascending. It is owned exclusively by one manager worker.
type Book struct {
	bids     []level
	asks     []level
	maxDepth int
}

// NewBook creates an empty book capped at maxDepth levels per side.
func NewBook(maxDepth int) *Book {
	return &Book{maxDepth: maxDepth}
}

// Reset discards all levels.
func (b *Book) Reset() {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
}

// Load replaces the book contents with a full snapshot.
func (b *Book) Load(bids, asks []models.PriceLevel) error {
	b.Reset()
	if err := b.applySide(&b.bids, bids, true); err != nil {
		return err
	}
	return b.applySide(&b.asks, asks, false)
}

// Apply merges a diff into the book. Zero-quantity levels are removed;
// both sides stay sorted and within maxDepth.
func (b *Book) Apply(bids, asks []models.PriceLevel) error {
	if err := b.applySide(&b.bids, bids, true); err != nil {
		return err
	}
	return b.applySide(&b.asks, asks, false)
}

func (b *Book) applySide(side *[]level, updates []models.PriceLevel, isBid bool) error {
	for _, u := range updates {
		price, err := decimal.NewFromString(u.Price)
		if err != nil {
			return fmt.Errorf("parse price %q: %w", u.Price, err)
		}
		qty, err := decimal.NewFromString(u.Quantity)
		if err != nil {
			return fmt.Errorf("parse quantity %q: %w", u.Quantity, err)
		}

		idx, found := b.search(*side, price, isBid)
		switch {
		case qty.IsZero():
			if found {
				*side = append((*side)[:idx], (*side)[idx+1:]...)
			}
		case found:
			(*side)[idx].priceStr = u.Price
			(*side)[idx].qtyStr = u.Quantity
		default:
			*side = append(*side, level{})
			copy((*side)[idx+1:], (*side)[idx:])
			(*side)[idx] = level{price: price, priceStr: u.Price, qtyStr: u.Quantity}
		}
	}

	if b.maxDepth > 0 && len(*side) > b.maxDepth {
		*side = (*side)[:b.maxDepth]
	}
	return nil
}

// search locates price in a sorted side, returning the insertion index and
// whether an exact level exists there.
func (b *Book) search(side []level, price decimal.Decimal, isBid bool) (int, bool) {
	idx := sort.Search(len(side), func(i int) bool {
		if isBid {
			return side[i].price.LessThanOrEqual(price)
		}
		return side[i].price.GreaterThanOrEqual(price)
	})
	if idx < len(side) && side[idx].price.Equal(price) {
		return idx, true
	}
	return idx, false
}

// Crossed reports whether best bid >= best ask. A crossed book must never
// reach the bus.
func (b *Book) Crossed() bool {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	return b.bids[0].price.GreaterThanOrEqual(b.asks[0].price)
}

// Empty reports whether either side has no levels.
func (b *Book) Empty() bool {
	return len(b.bids) == 0 || len(b.asks) == 0
}

// Depth returns the current level counts per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// TopN returns copies of the best n levels per side.
func (b *Book) TopN(n int) (bids, asks []models.PriceLevel) {
	bn, an := n, n
	if bn > len(b.bids) {
		bn = len(b.bids)
	}
	if an > len(b.asks) {
		an = len(b.asks)
	}
	bids = make([]models.PriceLevel, bn)
	for i := 0; i < bn; i++ {
		bids[i] = models.PriceLevel{Price: b.bids[i].priceStr, Quantity: b.bids[i].qtyStr}
	}
	asks = make([]models.PriceLevel, an)
	for i := 0; i < an; i++ {
		asks[i] = models.PriceLevel{Price: b.asks[i].priceStr, Quantity: b.asks[i].qtyStr}
	}
	return bids, asks
}
