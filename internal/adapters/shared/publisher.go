// Package shared holds adapter plumbing common to every venue dialect.
package shared

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/feedmux/internal/dialect"
	"github.com/coachpo/feedmux/internal/schema"
)

// Publisher stamps canonical events with per-(type, symbol) sequence numbers
// and forwards them to the emitter. One publisher per dialect instance.
type Publisher struct {
	exchange string
	emit     dialect.Emitter

	mu  sync.Mutex
	seq map[string]uint64
}

// NewPublisher builds a publisher for the given venue identifier.
func NewPublisher(exchange string, emit dialect.Emitter) *Publisher {
	return &Publisher{
		exchange: exchange,
		emit:     emit,
		seq:      make(map[string]uint64),
	}
}

func (p *Publisher) next(typ schema.EventType, symbol string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := string(typ) + "|" + symbol
	p.seq[key]++
	return p.seq[key]
}

func (p *Publisher) publish(ctx context.Context, symbol string, typ schema.EventType, ts time.Time, payload any) error {
	evt := &schema.Event{
		Exchange:  p.exchange,
		Symbol:    symbol,
		Type:      typ,
		Seq:       p.next(typ, symbol),
		Timestamp: ts,
		Received:  time.Now().UTC(),
		Payload:   payload,
	}
	return p.emit.Emit(ctx, evt)
}

// Trade publishes a trade event.
func (p *Publisher) Trade(ctx context.Context, symbol string, ts time.Time, pl schema.TradePayload) error {
	return p.publish(ctx, symbol, schema.EventTrade, ts, pl)
}

// Ticker publishes a top-of-book event.
func (p *Publisher) Ticker(ctx context.Context, symbol string, ts time.Time, pl schema.TickerPayload) error {
	return p.publish(ctx, symbol, schema.EventTicker, ts, pl)
}

// BookSnapshot publishes a full book replacement.
func (p *Publisher) BookSnapshot(ctx context.Context, symbol string, ts time.Time, pl schema.BookPayload) error {
	return p.publish(ctx, symbol, schema.EventBookSnapshot, ts, pl)
}

// BookDelta publishes an incremental book update.
func (p *Publisher) BookDelta(ctx context.Context, symbol string, ts time.Time, pl schema.BookPayload) error {
	return p.publish(ctx, symbol, schema.EventBookDelta, ts, pl)
}

// Funding publishes a funding update.
func (p *Publisher) Funding(ctx context.Context, symbol string, ts time.Time, pl schema.FundingPayload) error {
	return p.publish(ctx, symbol, schema.EventFunding, ts, pl)
}

// Order publishes a private order update.
func (p *Publisher) Order(ctx context.Context, symbol string, ts time.Time, pl schema.OrderPayload) error {
	return p.publish(ctx, symbol, schema.EventOrder, ts, pl)
}

// Position publishes a position passthrough.
func (p *Publisher) Position(ctx context.Context, symbol string, ts time.Time, pl schema.PositionPayload) error {
	return p.publish(ctx, symbol, schema.EventPosition, ts, pl)
}

// Instrument publishes an instrument metadata passthrough.
func (p *Publisher) Instrument(ctx context.Context, symbol string, ts time.Time, pl schema.InstrumentPayload) error {
	return p.publish(ctx, symbol, schema.EventInstrument, ts, pl)
}
