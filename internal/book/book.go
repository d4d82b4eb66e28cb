// Package book reconstructs order books from REST snapshots and websocket
// delta streams, and detects sequence gaps between the two.
package book

import (
	"errors"
	"sort"
	"sync"

	"github.com/coachpo/feedmux/internal/schema"
)

// DefaultDepth is the book depth used when a venue does not dictate one.
const DefaultDepth = 1000

// ErrSequenceGap is returned when a delta cannot be reconciled with the held
// book; the caller must drop the book and fetch a fresh snapshot.
var ErrSequenceGap = errors.New("book: sequence gap between snapshot and delta stream")

// Variant selects the sequence-bridging rule. The two Binance market types
// disagree by one on both bounds; the difference is load-bearing and must not
// be "fixed".
type Variant int

const (
	// VariantSpot bridges when firstID <= lastUpdateID+1 <= finalID and
	// skips while finalID <= lastUpdateID.
	VariantSpot Variant = iota
	// VariantFutures bridges when firstID <= lastUpdateID <= finalID and
	// skips while finalID < lastUpdateID.
	VariantFutures
	// VariantUnsequenced is for venues whose delta stream carries no update
	// identifiers; deltas always apply once the book is seeded.
	VariantUnsequenced
)

// Outcome reports how ApplyDelta disposed of an update.
type Outcome int

const (
	// OutcomeSkip means the delta predates the snapshot and was dropped.
	OutcomeSkip Outcome = iota
	// OutcomeApplied means the delta mutated the book.
	OutcomeApplied
	// OutcomeAppliedForced means the delta bridged snapshot and stream; the
	// emitted event must carry the forced flag.
	OutcomeAppliedForced
	// OutcomeResync means the book is unrecoverable and must be re-seeded.
	OutcomeResync
)

// Book is a depth-limited price-keyed order book.
type Book struct {
	mu      sync.Mutex
	variant Variant
	depth   int

	bids map[string]schema.PriceLevel
	asks map[string]schema.PriceLevel

	lastID  uint64
	seeded  bool
	bridged bool
}

// New returns an empty book. depth <= 0 selects DefaultDepth.
func New(variant Variant, depth int) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Book{
		variant: variant,
		depth:   depth,
		bids:    make(map[string]schema.PriceLevel),
		asks:    make(map[string]schema.PriceLevel),
	}
}

// Seed replaces the book contents with a snapshot. lastUpdateID anchors the
// sequence bridge; pass 0 for unsequenced venues.
func (b *Book) Seed(bids, asks []schema.PriceLevel, lastUpdateID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]schema.PriceLevel, len(bids))
	b.asks = make(map[string]schema.PriceLevel, len(asks))
	for _, lvl := range bids {
		b.bids[lvl.Price.String()] = lvl
	}
	for _, lvl := range asks {
		b.asks[lvl.Price.String()] = lvl
	}
	b.lastID = lastUpdateID
	b.seeded = true
	b.bridged = b.variant == VariantUnsequenced
}

// Seeded reports whether a snapshot has been applied since the last reset.
func (b *Book) Seeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seeded
}

// Reset drops all state; the next delta is skipped until Seed runs again.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]schema.PriceLevel)
	b.asks = make(map[string]schema.PriceLevel)
	b.lastID = 0
	b.seeded = false
	b.bridged = false
}

// ApplyDelta reconciles one update with the book. Before the snapshot and
// stream have bridged, the variant's sequence rule decides whether the delta
// is stale, bridging, or evidence of a gap; afterwards deltas apply
// unconditionally, trusting venue continuity.
func (b *Book) ApplyDelta(firstID, finalID uint64, bids, asks []schema.PriceLevel) (Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seeded {
		return OutcomeSkip, nil
	}
	if b.bridged {
		b.applyLocked(bids, asks)
		b.lastID = finalID
		return OutcomeApplied, nil
	}

	switch b.variant {
	case VariantSpot:
		if finalID <= b.lastID {
			return OutcomeSkip, nil
		}
		if firstID <= b.lastID+1 && b.lastID+1 <= finalID {
			break
		}
		return OutcomeResync, ErrSequenceGap
	case VariantFutures:
		if finalID < b.lastID {
			return OutcomeSkip, nil
		}
		if firstID <= b.lastID && b.lastID <= finalID {
			break
		}
		return OutcomeResync, ErrSequenceGap
	}

	b.applyLocked(bids, asks)
	b.lastID = finalID
	b.bridged = true
	return OutcomeAppliedForced, nil
}

func (b *Book) applyLocked(bids, asks []schema.PriceLevel) {
	for _, lvl := range bids {
		applyLevel(b.bids, lvl)
	}
	for _, lvl := range asks {
		applyLevel(b.asks, lvl)
	}
}

func applyLevel(side map[string]schema.PriceLevel, lvl schema.PriceLevel) {
	key := lvl.Price.String()
	if lvl.Size.IsZero() {
		delete(side, key)
		return
	}
	side[key] = lvl
}

// Snapshot returns the current book, bids descending and asks ascending,
// truncated to the configured depth.
func (b *Book) Snapshot() (bids, asks []schema.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bids = sortSide(b.bids, true, b.depth)
	asks = sortSide(b.asks, false, b.depth)
	return bids, asks
}

func sortSide(side map[string]schema.PriceLevel, desc bool, depth int) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		cmp := out[i].Price.Cmp(out[j].Price)
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	if len(out) > depth {
		out = out[:depth]
	}
	return out
}
