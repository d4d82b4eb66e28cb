package book

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/feedmux/internal/schema"
)

// ErrUnknownOrder is returned when an update or delete references an order id
// the book has never seen; the frame is malformed relative to held state.
var ErrUnknownOrder = errors.New("book: unknown order id")

// OrderLevel is one entry of an order-id keyed update. Update and delete
// actions omit the price; it is recovered through the id index.
type OrderLevel struct {
	ID    string
	Side  schema.BookSide
	Price decimal.Decimal
	Size  decimal.Decimal
}

type priceRef struct {
	side schema.BookSide
	key  string
}

// OrderIDBook is the keyed-by-order-id book used by venues that publish one
// level per resting order id (Bitmex orderBookL2). The book is inert until
// the venue's partial arrives; per venue documentation, anything received
// before the partial is discarded.
type OrderIDBook struct {
	mu     sync.Mutex
	depth  int
	primed bool

	bids map[string]schema.PriceLevel
	asks map[string]schema.PriceLevel
	refs map[string]priceRef
}

// NewOrderIDBook returns an unprimed book. depth <= 0 selects DefaultDepth.
func NewOrderIDBook(depth int) *OrderIDBook {
	if depth <= 0 {
		depth = DefaultDepth
	}
	b := &OrderIDBook{depth: depth}
	b.resetLocked()
	return b
}

func (b *OrderIDBook) resetLocked() {
	b.bids = make(map[string]schema.PriceLevel)
	b.asks = make(map[string]schema.PriceLevel)
	b.refs = make(map[string]priceRef)
	b.primed = false
}

// Reset drops all state; the book discards updates until the next Partial.
func (b *OrderIDBook) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Primed reports whether the venue's partial has been applied.
func (b *OrderIDBook) Primed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.primed
}

// Partial replaces the book and the id index with the venue snapshot. The
// resulting book state is forced: consumers discard anything derived before.
func (b *OrderIDBook) Partial(levels []OrderLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	for _, lvl := range levels {
		b.upsertLocked(lvl)
	}
	b.primed = true
}

// Insert adds new orders and returns the changed levels per side. Before the
// partial arrives the update is discarded and ok is false.
func (b *OrderIDBook) Insert(levels []OrderLevel) (bids, asks []schema.PriceLevel, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.primed {
		return nil, nil, false, nil
	}
	for _, lvl := range levels {
		b.upsertLocked(lvl)
		bids, asks = appendDelta(bids, asks, lvl.Side, schema.PriceLevel{Price: lvl.Price, Size: lvl.Size})
	}
	return bids, asks, true, nil
}

// Update changes the size of existing orders, resolving each price through
// the id index.
func (b *OrderIDBook) Update(levels []OrderLevel) (bids, asks []schema.PriceLevel, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.primed {
		return nil, nil, false, nil
	}
	for _, lvl := range levels {
		ref, found := b.refs[lvl.ID]
		if !found {
			return bids, asks, true, ErrUnknownOrder
		}
		side := b.sideMap(ref.side)
		held := side[ref.key]
		held.Size = lvl.Size
		side[ref.key] = held
		bids, asks = appendDelta(bids, asks, ref.side, schema.PriceLevel{Price: held.Price, Size: lvl.Size})
	}
	return bids, asks, true, nil
}

// Delete removes orders and reports each removed level with size zero.
func (b *OrderIDBook) Delete(levels []OrderLevel) (bids, asks []schema.PriceLevel, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.primed {
		return nil, nil, false, nil
	}
	for _, lvl := range levels {
		ref, found := b.refs[lvl.ID]
		if !found {
			return bids, asks, true, ErrUnknownOrder
		}
		side := b.sideMap(ref.side)
		price := side[ref.key].Price
		delete(side, ref.key)
		delete(b.refs, lvl.ID)
		bids, asks = appendDelta(bids, asks, ref.side, schema.PriceLevel{Price: price, Size: decimal.Zero})
	}
	return bids, asks, true, nil
}

// Snapshot returns the current book, bids descending and asks ascending.
func (b *OrderIDBook) Snapshot() (bids, asks []schema.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortSide(b.bids, true, b.depth), sortSide(b.asks, false, b.depth)
}

func (b *OrderIDBook) upsertLocked(lvl OrderLevel) {
	key := lvl.Price.String()
	side := b.sideMap(lvl.Side)
	side[key] = schema.PriceLevel{Price: lvl.Price, Size: lvl.Size}
	b.refs[lvl.ID] = priceRef{side: lvl.Side, key: key}
}

func (b *OrderIDBook) sideMap(s schema.BookSide) map[string]schema.PriceLevel {
	if s == schema.Bid {
		return b.bids
	}
	return b.asks
}

func appendDelta(bids, asks []schema.PriceLevel, side schema.BookSide, lvl schema.PriceLevel) ([]schema.PriceLevel, []schema.PriceLevel) {
	if side == schema.Bid {
		return append(bids, lvl), asks
	}
	return bids, append(asks, lvl)
}
