// Package bitmex implements the Bitmex dialect. The venue publishes its book
// keyed by resting order id, so the book engine runs in order-id mode; all
// market data and private tables arrive multiplexed on one socket, routed by
// table name.
package bitmex

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/feedmux/internal/adapters/shared"
	"github.com/coachpo/feedmux/internal/book"
	"github.com/coachpo/feedmux/internal/dialect"
	"github.com/coachpo/feedmux/internal/errs"
	"github.com/coachpo/feedmux/internal/observability"
	"github.com/coachpo/feedmux/internal/schema"
	"github.com/coachpo/feedmux/internal/signer"
)

const (
	exchangeName = "bitmex"
	wsEndpoint   = "wss://www.bitmex.com/realtime"
	authPath     = "/realtime"
	authGrace    = 30 * time.Second
	pingInterval = 30 * time.Second
)

var tableNames = map[string]string{
	dialect.ChannelTrades:     "trade",
	dialect.ChannelBook:       "orderBookL2",
	dialect.ChannelTicker:     "quote",
	dialect.ChannelFunding:    "funding",
	dialect.ChannelInstrument: "instrument",
	dialect.ChannelOrder:      "order",
	dialect.ChannelPosition:   "position",
}

var privateChannels = map[string]bool{
	dialect.ChannelOrder:    true,
	dialect.ChannelPosition: true,
}

var orderStatuses = map[string]schema.OrderStatus{
	"PendingNew":      schema.OrderOpen,
	"New":             schema.OrderOpen,
	"PartiallyFilled": schema.OrderOpen,
	"Filled":          schema.OrderClosed,
	"Canceled":        schema.OrderCanceled,
	"Rejected":        schema.OrderRejected,
}

// Options configures the Bitmex dialect.
type Options struct {
	Pairs       []dialect.ChannelSymbol
	Depth       int
	Credentials dialect.Credentials
	WSEndpoint  string
}

// Dialect is the Bitmex adapter.
type Dialect struct {
	opts    Options
	wsURL   string
	pub     *shared.Publisher
	symbols *shared.SymbolTable
	books   map[string]*book.OrderIDBook
	topics  []string

	needsAuth bool
	authed    atomic.Bool
}

// New validates options and builds the dialect.
func New(opts Options, emit dialect.Emitter) (*Dialect, error) {
	if len(opts.Pairs) == 0 {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(exchangeName),
			errs.WithMessage("no subscriptions configured"))
	}
	wsURL := wsEndpoint
	if opts.WSEndpoint != "" {
		wsURL = opts.WSEndpoint
	}

	symbolSet := make(map[string]struct{})
	needsAuth := false
	for _, cs := range opts.Pairs {
		if _, ok := tableNames[cs.Channel]; !ok {
			return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(exchangeName),
				errs.WithMessagef("unsupported channel %q", cs.Channel))
		}
		if privateChannels[cs.Channel] {
			needsAuth = true
		}
		if cs.Symbol != "" {
			symbolSet[cs.Symbol] = struct{}{}
		}
	}
	if needsAuth && (opts.Credentials.Key == "" || opts.Credentials.Secret == "") {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(exchangeName),
			errs.WithMessage("private channels require api key and secret"))
	}

	symbols := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		symbols = append(symbols, sym)
	}
	table, err := shared.NewSymbolTable(symbols, shared.StripDash)
	if err != nil {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(exchangeName), errs.WithCause(err))
	}

	d := &Dialect{
		opts:      opts,
		wsURL:     wsURL,
		pub:       shared.NewPublisher(exchangeName, emit),
		symbols:   table,
		books:     make(map[string]*book.OrderIDBook),
		needsAuth: needsAuth,
	}
	for _, cs := range opts.Pairs {
		native, _ := table.Native(cs.Symbol)
		d.topics = append(d.topics, tableNames[cs.Channel]+":"+native)
		if cs.Channel == dialect.ChannelBook {
			d.books[cs.Symbol] = book.NewOrderIDBook(opts.Depth)
		}
	}
	return d, nil
}

// Exchange implements dialect.Dialect.
func (d *Dialect) Exchange() string { return exchangeName }

// Endpoint implements dialect.Dialect.
func (d *Dialect) Endpoint(context.Context) (string, error) { return d.wsURL, nil }

// AuthFrames implements dialect.Dialect: a single authKeyExpires op signed
// over GET /realtime and an expiry a little in the future.
func (d *Dialect) AuthFrames() ([][]byte, error) {
	if !d.needsAuth {
		return nil, nil
	}
	expires := signer.Expires(time.Now(), authGrace)
	sig := signer.ExpiresHex(d.opts.Credentials.Secret, "GET", authPath, expires, "")
	frame, err := json.Marshal(map[string]any{
		"op":   "authKeyExpires",
		"args": []any{d.opts.Credentials.Key, expires, sig},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Authenticated implements dialect.Dialect.
func (d *Dialect) Authenticated() bool {
	return !d.needsAuth || d.authed.Load()
}

// SubscribeFrames implements dialect.Dialect.
func (d *Dialect) SubscribeFrames() ([][]byte, error) {
	frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": d.topics})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Prime implements dialect.Dialect; the book partial arrives on the socket.
func (d *Dialect) Prime(context.Context) error { return nil }

// Decode implements dialect.Dialect.
func (d *Dialect) Decode(raw []byte) ([]byte, error) { return raw, nil }

// Heartbeat implements dialect.Dialect.
func (d *Dialect) Heartbeat() ([]byte, time.Duration) {
	return []byte("ping"), pingInterval
}

// KeepaliveInterval implements dialect.Dialect.
func (d *Dialect) KeepaliveInterval() time.Duration { return 0 }

// Keepalive implements dialect.Dialect.
func (d *Dialect) Keepalive(context.Context) error { return nil }

// Reset implements dialect.Dialect.
func (d *Dialect) Reset() {
	d.authed.Store(false)
	for _, bk := range d.books {
		bk.Reset()
	}
}

// Handle implements dialect.Dialect.
func (d *Dialect) Handle(ctx context.Context, frame []byte) error {
	if bytes.Equal(frame, []byte("pong")) {
		return nil
	}

	var env struct {
		Info      json.RawMessage `json:"info"`
		Success   *bool           `json:"success"`
		Error     string          `json:"error"`
		Subscribe string          `json:"subscribe"`
		Request   struct {
			Op string `json:"op"`
		} `json:"request"`
		Table  string          `json:"table"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return d.decodeErr(err)
	}

	switch {
	case env.Error != "":
		if env.Request.Op == "authKeyExpires" {
			return errs.New(errs.KindProtocolReject, errs.WithExchange(exchangeName),
				errs.WithMessage("login refused"), errs.WithRaw("", env.Error))
		}
		// A rejected request costs only that subscription; the socket and its
		// other topics stay up.
		observability.Log().Error("venue rejected request",
			observability.F("exchange", exchangeName),
			observability.F("op", env.Request.Op),
			observability.F("error", env.Error))
		return nil
	case env.Success != nil:
		if !*env.Success {
			if env.Request.Op == "authKeyExpires" {
				return errs.New(errs.KindProtocolReject, errs.WithExchange(exchangeName),
					errs.WithMessage("login refused"))
			}
			observability.Log().Error("venue refused request",
				observability.F("exchange", exchangeName),
				observability.F("op", env.Request.Op))
			return nil
		}
		if env.Request.Op == "authKeyExpires" {
			d.authed.Store(true)
		}
		return nil
	case len(env.Info) > 0:
		return nil
	}

	switch env.Table {
	case "trade":
		return d.handleTrades(ctx, env.Data)
	case "orderBookL2":
		return d.handleBook(ctx, env.Action, env.Data)
	case "quote":
		return d.handleQuotes(ctx, env.Data)
	case "funding":
		return d.handleFunding(ctx, env.Data)
	case "instrument":
		return d.handlePassthrough(ctx, env.Data, schema.EventInstrument)
	case "order":
		return d.handleOrders(ctx, env.Data)
	case "position":
		return d.handlePassthrough(ctx, env.Data, schema.EventPosition)
	case "":
		return nil
	default:
		observability.Log().Debug("unhandled table",
			observability.F("exchange", exchangeName),
			observability.F("table", env.Table))
		return nil
	}
}

type wireTrade struct {
	Timestamp  string      `json:"timestamp"`
	Symbol     string      `json:"symbol"`
	Side       string      `json:"side"`
	Size       json.Number `json:"size"`
	Price      json.Number `json:"price"`
	TrdMatchID string      `json:"trdMatchID"`
}

func (d *Dialect) handleTrades(ctx context.Context, data []byte) error {
	var trades []wireTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		return d.decodeErr(err)
	}
	for _, t := range trades {
		symbol, ok := d.symbols.Canonical(t.Symbol)
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(t.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		price, err := shared.DecNumber(t.Price)
		if err != nil {
			return d.decodeErr(err)
		}
		size, err := shared.DecNumber(t.Size)
		if err != nil {
			return d.decodeErr(err)
		}
		if err := d.pub.Trade(ctx, symbol, ts, schema.TradePayload{
			TradeID: t.TrdMatchID,
			Side:    mapSide(t.Side),
			Price:   price,
			Amount:  size,
		}); err != nil {
			return err
		}
	}
	return nil
}

type wireBookEntry struct {
	Symbol string      `json:"symbol"`
	ID     json.Number `json:"id"`
	Side   string      `json:"side"`
	Size   json.Number `json:"size"`
	Price  json.Number `json:"price"`
}

func (d *Dialect) handleBook(ctx context.Context, action string, data []byte) error {
	var entries []wireBookEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return d.decodeErr(err)
	}

	grouped := make(map[string][]book.OrderLevel)
	for _, e := range entries {
		symbol, ok := d.symbols.Canonical(e.Symbol)
		if !ok {
			continue
		}
		lvl := book.OrderLevel{ID: e.ID.String(), Side: bookSide(e.Side)}
		if e.Price != "" {
			price, err := shared.DecNumber(e.Price)
			if err != nil {
				return d.decodeErr(err)
			}
			lvl.Price = price
		}
		if e.Size != "" {
			size, err := shared.DecNumber(e.Size)
			if err != nil {
				return d.decodeErr(err)
			}
			lvl.Size = size
		}
		grouped[symbol] = append(grouped[symbol], lvl)
	}

	now := time.Now().UTC()
	for symbol, levels := range grouped {
		bk, ok := d.books[symbol]
		if !ok {
			continue
		}
		switch action {
		case "partial":
			bk.Partial(levels)
			bids, asks := bk.Snapshot()
			if err := d.pub.BookSnapshot(ctx, symbol, now, schema.BookPayload{
				Bids: bids, Asks: asks, Forced: true,
			}); err != nil {
				return err
			}
		case "insert", "update", "delete":
			var bids, asks []schema.PriceLevel
			var applied bool
			var err error
			switch action {
			case "insert":
				bids, asks, applied, err = bk.Insert(levels)
			case "update":
				bids, asks, applied, err = bk.Update(levels)
			default:
				bids, asks, applied, err = bk.Delete(levels)
			}
			if err != nil {
				return d.decodeErr(err)
			}
			if !applied {
				// Everything before the partial is discarded.
				continue
			}
			if err := d.pub.BookDelta(ctx, symbol, now, schema.BookPayload{Bids: bids, Asks: asks}); err != nil {
				return err
			}
		default:
			observability.Log().Warn("unexpected book action",
				observability.F("exchange", exchangeName),
				observability.F("action", action))
		}
	}
	return nil
}

type wireQuote struct {
	Timestamp string      `json:"timestamp"`
	Symbol    string      `json:"symbol"`
	BidPrice  json.Number `json:"bidPrice"`
	AskPrice  json.Number `json:"askPrice"`
}

func (d *Dialect) handleQuotes(ctx context.Context, data []byte) error {
	var quotes []wireQuote
	if err := json.Unmarshal(data, &quotes); err != nil {
		return d.decodeErr(err)
	}
	for _, q := range quotes {
		symbol, ok := d.symbols.Canonical(q.Symbol)
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(q.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		bid, err := shared.DecNumber(q.BidPrice)
		if err != nil {
			return d.decodeErr(err)
		}
		ask, err := shared.DecNumber(q.AskPrice)
		if err != nil {
			return d.decodeErr(err)
		}
		if err := d.pub.Ticker(ctx, symbol, ts, schema.TickerPayload{Bid: bid, Ask: ask}); err != nil {
			return err
		}
	}
	return nil
}

type wireFunding struct {
	Timestamp        string      `json:"timestamp"`
	Symbol           string      `json:"symbol"`
	FundingInterval  string      `json:"fundingInterval"`
	FundingRate      json.Number `json:"fundingRate"`
	FundingRateDaily json.Number `json:"fundingRateDaily"`
}

func (d *Dialect) handleFunding(ctx context.Context, data []byte) error {
	var rows []wireFunding
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	for _, f := range rows {
		symbol, ok := d.symbols.Canonical(f.Symbol)
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(f.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		rate, err := shared.DecNumber(f.FundingRate)
		if err != nil {
			return d.decodeErr(err)
		}
		daily, err := shared.DecNumber(f.FundingRateDaily)
		if err != nil {
			return d.decodeErr(err)
		}
		if err := d.pub.Funding(ctx, symbol, ts, schema.FundingPayload{
			Rate:      rate,
			RateDaily: daily,
			Interval:  f.FundingInterval,
		}); err != nil {
			return err
		}
	}
	return nil
}

type wireOrder struct {
	Timestamp     string       `json:"timestamp"`
	Symbol        string       `json:"symbol"`
	OrderID       string       `json:"orderID"`
	ClientOrderID string       `json:"clOrdID"`
	Side          string       `json:"side"`
	Status        string       `json:"ordStatus"`
	OrderQty      *json.Number `json:"orderQty"`
	CumQty        *json.Number `json:"cumQty"`
	LeavesQty     *json.Number `json:"leavesQty"`
	Price         *json.Number `json:"price"`
	AvgPx         *json.Number `json:"avgPx"`
}

func (d *Dialect) handleOrders(ctx context.Context, data []byte) error {
	var rows []wireOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	for _, o := range rows {
		if o.Status == "" {
			continue
		}
		symbol, ok := d.symbols.Canonical(o.Symbol)
		if !ok {
			symbol = o.Symbol
		}
		ts, err := shared.ISO8601(o.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		payload := schema.OrderPayload{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Status:        orderStatuses[o.Status],
		}
		if o.Side != "" {
			payload.Side = mapSide(o.Side)
		}
		if payload.Amount, err = optDec(o.OrderQty); err != nil {
			return d.decodeErr(err)
		}
		if payload.Filled, err = optDec(o.CumQty); err != nil {
			return d.decodeErr(err)
		}
		if payload.Remaining, err = optDec(o.LeavesQty); err != nil {
			return d.decodeErr(err)
		}
		if payload.Price, err = optDec(o.Price); err != nil {
			return d.decodeErr(err)
		}
		if payload.Average, err = optDec(o.AvgPx); err != nil {
			return d.decodeErr(err)
		}
		if err := d.pub.Order(ctx, symbol, ts, payload); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dialect) handlePassthrough(ctx context.Context, data []byte, typ schema.EventType) error {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	now := time.Now().UTC()
	for _, row := range rows {
		native, _ := row["symbol"].(string)
		symbol, ok := d.symbols.Canonical(native)
		if !ok {
			symbol = native
		}
		var err error
		if typ == schema.EventPosition {
			err = d.pub.Position(ctx, symbol, now, schema.PositionPayload(row))
		} else {
			err = d.pub.Instrument(ctx, symbol, now, schema.InstrumentPayload(row))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func optDec(n *json.Number) (*decimal.Decimal, error) {
	if n == nil {
		return nil, nil
	}
	d, err := shared.DecNumber(*n)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func mapSide(s string) schema.TradeSide {
	if s == "Buy" {
		return schema.SideBuy
	}
	return schema.SideSell
}

func bookSide(s string) schema.BookSide {
	if s == "Buy" {
		return schema.Bid
	}
	return schema.Ask
}

func (d *Dialect) decodeErr(err error) error {
	return errs.New(errs.KindProtocolDecode, errs.WithExchange(exchangeName), errs.WithCause(err))
}

var _ dialect.Dialect = (*Dialect)(nil)
