// Package bybit implements the Bybit dialect. Topics are channel.SYMBOL for
// market data and bare channel names for the private streams; the book is an
// unsequenced snapshot/delta stream with explicit delete/update/insert lists.
package bybit

import (
	"context"
	"strings"
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
	exchangeName = "bybit"
	wsEndpoint   = "wss://stream.bybit.com/realtime"
	authPath     = "/realtime"
	pingInterval = 30 * time.Second
)

var topicNames = map[string]string{
	dialect.ChannelTrades:   "trade",
	dialect.ChannelBook:     "orderBookL2_25",
	dialect.ChannelOrder:    "order",
	dialect.ChannelPosition: "position",
}

var privateChannels = map[string]bool{
	dialect.ChannelOrder:    true,
	dialect.ChannelPosition: true,
}

var orderStatuses = map[string]schema.OrderStatus{
	"Created":         schema.OrderOpen,
	"New":             schema.OrderOpen,
	"PartiallyFilled": schema.OrderOpen,
	"Filled":          schema.OrderClosed,
	"Cancelled":       schema.OrderCanceled,
	"Rejected":        schema.OrderRejected,
	"Untriggered":     schema.OrderOpen,
	"Triggered":       schema.OrderOpen,
	"Active":          schema.OrderOpen,
}

// Options configures the Bybit dialect.
type Options struct {
	Pairs       []dialect.ChannelSymbol
	Depth       int
	Credentials dialect.Credentials
	WSEndpoint  string
}

// Dialect is the Bybit adapter.
type Dialect struct {
	opts    Options
	wsURL   string
	pub     *shared.Publisher
	symbols *shared.SymbolTable
	books   map[string]*book.Book
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
		if _, ok := topicNames[cs.Channel]; !ok {
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
		books:     make(map[string]*book.Book),
		needsAuth: needsAuth,
	}
	for _, cs := range opts.Pairs {
		topic := topicNames[cs.Channel]
		if !privateChannels[cs.Channel] {
			native, _ := table.Native(cs.Symbol)
			topic = topic + "." + native
		}
		d.topics = append(d.topics, topic)
		if cs.Channel == dialect.ChannelBook {
			d.books[cs.Symbol] = book.New(book.VariantUnsequenced, opts.Depth)
		}
	}
	return d, nil
}

// Exchange implements dialect.Dialect.
func (d *Dialect) Exchange() string { return exchangeName }

// Endpoint implements dialect.Dialect.
func (d *Dialect) Endpoint(context.Context) (string, error) { return d.wsURL, nil }

// AuthFrames implements dialect.Dialect. The expiry is in milliseconds and
// signed with the same verb+path+expires layout as Bitmex.
func (d *Dialect) AuthFrames() ([][]byte, error) {
	if !d.needsAuth {
		return nil, nil
	}
	expires := signer.Expires(time.Now(), time.Second) * 1000
	sig := signer.ExpiresHex(d.opts.Credentials.Secret, "GET", authPath, expires, "")
	frame, err := json.Marshal(map[string]any{
		"op":   "auth",
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

// SubscribeFrames implements dialect.Dialect, one request per topic.
func (d *Dialect) SubscribeFrames() ([][]byte, error) {
	frames := make([][]byte, 0, len(d.topics))
	for _, topic := range d.topics {
		frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": []string{topic}})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Prime implements dialect.Dialect; the book snapshot arrives on the socket.
func (d *Dialect) Prime(context.Context) error { return nil }

// Decode implements dialect.Dialect.
func (d *Dialect) Decode(raw []byte) ([]byte, error) { return raw, nil }

// Heartbeat implements dialect.Dialect.
func (d *Dialect) Heartbeat() ([]byte, time.Duration) {
	return []byte(`{"op":"ping"}`), pingInterval
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
	var env struct {
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
		Request struct {
			Op string `json:"op"`
		} `json:"request"`
		Topic       string          `json:"topic"`
		Type        string          `json:"type"`
		Data        json.RawMessage `json:"data"`
		TimestampE6 json.Number     `json:"timestamp_e6"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return d.decodeErr(err)
	}

	if env.Success != nil {
		if !*env.Success {
			if env.Request.Op == "auth" {
				return errs.New(errs.KindProtocolReject, errs.WithExchange(exchangeName),
					errs.WithMessage("login refused"), errs.WithRaw("", env.RetMsg))
			}
			// A rejected request costs only that subscription; the socket and
			// its other topics stay up.
			observability.Log().Error("venue refused request",
				observability.F("exchange", exchangeName),
				observability.F("op", env.Request.Op),
				observability.F("reason", env.RetMsg))
			return nil
		}
		if env.Request.Op == "auth" {
			d.authed.Store(true)
		}
		return nil
	}

	switch {
	case strings.HasPrefix(env.Topic, "trade."):
		return d.handleTrades(ctx, env.Data)
	case strings.HasPrefix(env.Topic, "orderBookL2_25."):
		native := strings.TrimPrefix(env.Topic, "orderBookL2_25.")
		return d.handleBook(ctx, native, env.Type, env.Data, env.TimestampE6)
	case env.Topic == "order":
		return d.handleOrders(ctx, env.Data)
	case env.Topic == "position":
		return d.handlePositions(ctx, env.Data)
	default:
		observability.Log().Debug("unhandled topic",
			observability.F("exchange", exchangeName),
			observability.F("topic", env.Topic))
		return nil
	}
}

type wireTrade struct {
	Timestamp string      `json:"timestamp"`
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"`
	Size      json.Number `json:"size"`
	Price     json.Number `json:"price"`
	TradeID   string      `json:"trade_id"`
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
			TradeID: t.TradeID,
			Side:    mapSide(t.Side),
			Price:   price,
			Amount:  size,
		}); err != nil {
			return err
		}
	}
	return nil
}

type wireLevel struct {
	Price string      `json:"price"`
	Side  string      `json:"side"`
	Size  json.Number `json:"size"`
}

func (d *Dialect) handleBook(ctx context.Context, native, updateType string, data []byte, tsE6 json.Number) error {
	symbol, ok := d.symbols.Canonical(native)
	if !ok {
		return nil
	}
	bk, ok := d.books[symbol]
	if !ok {
		return nil
	}

	ts := time.Now().UTC()
	if us, err := tsE6.Int64(); err == nil {
		ts = shared.Micros(us)
	}

	if updateType == "snapshot" {
		var rows []wireLevel
		if err := json.Unmarshal(data, &rows); err != nil {
			return d.decodeErr(err)
		}
		bids, asks, err := d.splitLevels(rows, false)
		if err != nil {
			return err
		}
		bk.Seed(bids, asks, 0)
		snapBids, snapAsks := bk.Snapshot()
		return d.pub.BookSnapshot(ctx, symbol, ts, schema.BookPayload{
			Bids: snapBids, Asks: snapAsks, Forced: true,
		})
	}
	return d.applyDelta(ctx, bk, symbol, ts, data)
}

func (d *Dialect) applyDelta(ctx context.Context, bk *book.Book, symbol string, ts time.Time, data []byte) error {
	var upd struct {
		Delete []wireLevel `json:"delete"`
		Update []wireLevel `json:"update"`
		Insert []wireLevel `json:"insert"`
	}
	if err := json.Unmarshal(data, &upd); err != nil {
		return d.decodeErr(err)
	}

	delBids, delAsks, err := d.splitLevels(upd.Delete, true)
	if err != nil {
		return err
	}
	updBids, updAsks, err := d.splitLevels(upd.Update, false)
	if err != nil {
		return err
	}
	insBids, insAsks, err := d.splitLevels(upd.Insert, false)
	if err != nil {
		return err
	}
	bids := append(append(delBids, updBids...), insBids...)
	asks := append(append(delAsks, updAsks...), insAsks...)

	outcome, err := bk.ApplyDelta(0, 0, bids, asks)
	if err != nil {
		return errs.New(errs.KindSnapshotGap, errs.WithExchange(exchangeName), errs.WithCause(err))
	}
	if outcome == book.OutcomeSkip {
		return nil
	}
	return d.pub.BookDelta(ctx, symbol, ts, schema.BookPayload{Bids: bids, Asks: asks})
}

// splitLevels converts wire levels to price levels per side. zero forces the
// size to zero regardless of the wire value, used for delete lists.
func (d *Dialect) splitLevels(rows []wireLevel, zero bool) (bids, asks []schema.PriceLevel, err error) {
	for _, row := range rows {
		price, perr := shared.Dec(row.Price)
		if perr != nil {
			return nil, nil, d.decodeErr(perr)
		}
		size := decimal.Zero
		if !zero && row.Size != "" {
			if size, perr = shared.DecNumber(row.Size); perr != nil {
				return nil, nil, d.decodeErr(perr)
			}
		}
		lvl := schema.PriceLevel{Price: price, Size: size}
		if row.Side == "Buy" {
			bids = append(bids, lvl)
		} else {
			asks = append(asks, lvl)
		}
	}
	return bids, asks, nil
}

type wireOrder struct {
	Timestamp    string       `json:"timestamp"`
	Symbol       string       `json:"symbol"`
	OrderID      string       `json:"order_id"`
	OrderLinkID  string       `json:"order_link_id"`
	Side         string       `json:"side"`
	OrderStatus  string       `json:"order_status"`
	Qty          *json.Number `json:"qty"`
	CumExecQty   *json.Number `json:"cum_exec_qty"`
	LeavesQty    *json.Number `json:"leaves_qty"`
	Price        *json.Number `json:"price"`
	CumExecValue *json.Number `json:"cum_exec_value"`
}

func (d *Dialect) handleOrders(ctx context.Context, data []byte) error {
	var rows []wireOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	for _, o := range rows {
		if o.OrderStatus == "" {
			continue
		}
		symbol, ok := d.symbols.Canonical(o.Symbol)
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(o.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		payload := schema.OrderPayload{
			OrderID:       o.OrderID,
			ClientOrderID: o.OrderLinkID,
			Status:        orderStatuses[o.OrderStatus],
		}
		if o.Side != "" {
			payload.Side = mapSide(o.Side)
		}
		if payload.Amount, err = optDec(o.Qty); err != nil {
			return d.decodeErr(err)
		}
		if payload.Filled, err = optDec(o.CumExecQty); err != nil {
			return d.decodeErr(err)
		}
		if payload.Remaining, err = optDec(o.LeavesQty); err != nil {
			return d.decodeErr(err)
		}
		if payload.Price, err = optDec(o.Price); err != nil {
			return d.decodeErr(err)
		}
		// Venue quirk: the average is reported as filled quantity divided by
		// cumulative executed value, not value over quantity.
		value, err := optDec(o.CumExecValue)
		if err != nil {
			return d.decodeErr(err)
		}
		if value != nil && value.Sign() > 0 && payload.Filled != nil && payload.Filled.Sign() > 0 {
			avg := payload.Filled.Div(*value)
			payload.Average = &avg
		}
		if err := d.pub.Order(ctx, symbol, ts, payload); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dialect) handlePositions(ctx context.Context, data []byte) error {
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
		if err := d.pub.Position(ctx, symbol, now, schema.PositionPayload(row)); err != nil {
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

func (d *Dialect) decodeErr(err error) error {
	return errs.New(errs.KindProtocolDecode, errs.WithExchange(exchangeName), errs.WithCause(err))
}

var _ dialect.Dialect = (*Dialect)(nil)
