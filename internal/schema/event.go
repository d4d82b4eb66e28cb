// Package schema defines the canonical event model shared by every exchange
// adapter and downstream sink.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies the canonical kind of a normalized event.
type EventType string

const (
	EventTrade        EventType = "trade"
	EventTicker       EventType = "ticker"
	EventBookSnapshot EventType = "book_snapshot"
	EventBookDelta    EventType = "book_delta"
	EventFunding      EventType = "funding"
	EventOrder        EventType = "order"
	EventPosition     EventType = "position"
	EventInstrument   EventType = "instrument"
)

// TradeSide is the aggressor side of a trade or the side of an order.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// BookSide distinguishes the two halves of an order book.
type BookSide string

const (
	Bid BookSide = "bid"
	Ask BookSide = "ask"
)

// OrderStatus is the canonical order lifecycle state. Venue-specific raw
// states are mapped to these values inside each adapter.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderClosed    OrderStatus = "closed"
	OrderCanceled  OrderStatus = "canceled"
	OrderCanceling OrderStatus = "canceling"
	OrderRejected  OrderStatus = "rejected"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether no further updates can arrive for an order in
// this state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderClosed, OrderCanceled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// PriceLevel is one order-book level. A zero Size in a delta removes the level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Event is the canonical envelope delivered to sinks. Payload holds one of
// the *Payload types below, keyed by Type.
type Event struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Received  time.Time `json:"received"`
	Payload   any       `json:"payload"`
}

// TradePayload is a single executed trade.
type TradePayload struct {
	TradeID string          `json:"trade_id"`
	Side    TradeSide       `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
}

// TickerPayload is a top-of-book quote.
type TickerPayload struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// BookPayload carries either a full snapshot (EventBookSnapshot) or the
// levels changed by one update (EventBookDelta). Forced marks a state
// replacement: the consumer must discard any book it derived earlier.
type BookPayload struct {
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	Forced bool         `json:"forced,omitempty"`
}

// FundingPayload is a perpetual-swap funding update.
type FundingPayload struct {
	Rate      decimal.Decimal `json:"rate"`
	RateDaily decimal.Decimal `json:"rate_daily"`
	Interval  string          `json:"interval,omitempty"`
}

// OrderPayload is one private order update. Numeric fields are pointers so a
// partial venue update leaves absent fields nil; the coalescer merges them
// over prior state.
type OrderPayload struct {
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Side          TradeSide        `json:"side,omitempty"`
	Status        OrderStatus      `json:"status,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Filled        *decimal.Decimal `json:"filled,omitempty"`
	Remaining     *decimal.Decimal `json:"remaining,omitempty"`
	Average       *decimal.Decimal `json:"average,omitempty"`
}

// OrderState is the coalesced view of an order, accumulated across updates.
// UnhandledAmount sums fill increments not yet consumed downstream.
type OrderState struct {
	Exchange        string           `json:"exchange"`
	Symbol          string           `json:"symbol"`
	OrderID         string           `json:"order_id"`
	ClientOrderID   string           `json:"client_order_id,omitempty"`
	Side            TradeSide        `json:"side,omitempty"`
	Status          OrderStatus      `json:"status,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Filled          decimal.Decimal  `json:"filled"`
	Remaining       *decimal.Decimal `json:"remaining,omitempty"`
	Average         *decimal.Decimal `json:"average,omitempty"`
	UnhandledAmount decimal.Decimal  `json:"unhandled_amount"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// PositionPayload passes venue position fields through untouched.
type PositionPayload map[string]any

// InstrumentPayload passes venue instrument metadata through untouched.
type InstrumentPayload map[string]any

// ValidSymbol reports whether s looks like a canonical BASE-QUOTE symbol.
// Venue-native symbols such as XBTUSD are accepted by adapters but always
// translated before an Event leaves the adapter.
func ValidSymbol(s string) bool {
	base, quote, ok := strings.Cut(s, "-")
	return ok && base != "" && quote != "" && s == strings.ToUpper(s)
}
