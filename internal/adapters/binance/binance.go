// Package binance implements the Binance dialects. Spot, margin and futures
// share one implementation and differ only in endpoints, the user-stream
// listen-key path, and the depth sequence rule.
package binance

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/feedmux/internal/adapters/shared"
	"github.com/coachpo/feedmux/internal/book"
	"github.com/coachpo/feedmux/internal/dialect"
	"github.com/coachpo/feedmux/internal/errs"
	"github.com/coachpo/feedmux/internal/observability"
	"github.com/coachpo/feedmux/internal/schema"
)

// Variant selects the Binance market surface.
type Variant int

const (
	Spot Variant = iota
	Margin
	Futures
)

const (
	spotWS      = "wss://stream.binance.com:9443"
	spotREST    = "https://api.binance.com"
	futuresWS   = "wss://fstream.binance.com"
	futuresREST = "https://fapi.binance.com"

	listenKeyRefresh = 30 * time.Minute
	snapshotWorkers  = 4
)

var channelNames = map[string]string{
	dialect.ChannelTrades: "aggTrade",
	dialect.ChannelTicker: "ticker",
	dialect.ChannelBook:   "depth",
}

var orderStatuses = map[string]schema.OrderStatus{
	"NEW":              schema.OrderOpen,
	"PARTIALLY_FILLED": schema.OrderOpen,
	"FILLED":           schema.OrderClosed,
	"CANCELED":         schema.OrderCanceled,
	"PENDING_CANCEL":   schema.OrderCanceling,
	"REJECTED":         schema.OrderRejected,
	"EXPIRED":          schema.OrderCanceled,
}

// Options configures one Binance dialect instance.
type Options struct {
	Variant      Variant
	Pairs        []dialect.ChannelSymbol
	Depth        int
	Private      bool
	Credentials  dialect.Credentials
	WSEndpoint   string
	RESTEndpoint string
	HTTPClient   *http.Client
}

// Dialect is the Binance adapter. One instance serves either the public
// combined stream or the private user-data stream, never both; run two feeds
// to get both.
type Dialect struct {
	opts     Options
	name     string
	wsBase   string
	restBase string
	http     *http.Client

	pub     *shared.Publisher
	symbols *shared.SymbolTable
	books   map[string]*book.Book
	streams []string

	mu        sync.Mutex
	listenKey string
}

// New validates options and builds a dialect.
func New(opts Options, emit dialect.Emitter) (*Dialect, error) {
	name := "binance"
	wsBase, restBase := spotWS, spotREST
	bookVariant := book.VariantSpot
	switch opts.Variant {
	case Margin:
		name = "binance-margin"
	case Futures:
		name = "binance-futures"
		wsBase, restBase = futuresWS, futuresREST
		bookVariant = book.VariantFutures
	}
	if opts.WSEndpoint != "" {
		wsBase = opts.WSEndpoint
	}
	if opts.RESTEndpoint != "" {
		restBase = opts.RESTEndpoint
	}
	if opts.Depth <= 0 {
		opts.Depth = book.DefaultDepth
	}

	if opts.Private {
		if opts.Credentials.Key == "" || opts.Credentials.Secret == "" {
			return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name),
				errs.WithMessage("private stream requires api key and secret"))
		}
	} else if len(opts.Pairs) == 0 {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name),
			errs.WithMessage("no subscriptions configured"))
	}

	symbolSet := make(map[string]struct{})
	for _, cs := range opts.Pairs {
		if cs.Symbol != "" {
			symbolSet[cs.Symbol] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		symbols = append(symbols, sym)
	}
	table, err := shared.NewSymbolTable(symbols, shared.StripDash)
	if err != nil {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name), errs.WithCause(err))
	}

	d := &Dialect{
		opts:     opts,
		name:     name,
		wsBase:   wsBase,
		restBase: restBase,
		http:     opts.HTTPClient,
		pub:      shared.NewPublisher(name, emit),
		symbols:  table,
		books:    make(map[string]*book.Book),
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: 10 * time.Second}
	}

	for _, cs := range opts.Pairs {
		if opts.Private {
			if cs.Channel != dialect.ChannelOrder {
				return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name),
					errs.WithMessagef("channel %q is not served by the user stream", cs.Channel))
			}
			continue
		}
		chanName, ok := channelNames[cs.Channel]
		if !ok {
			return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name),
				errs.WithMessagef("unsupported channel %q", cs.Channel))
		}
		native, _ := table.Native(cs.Symbol)
		d.streams = append(d.streams, strings.ToLower(native)+"@"+chanName)
		if cs.Channel == dialect.ChannelBook {
			d.books[cs.Symbol] = book.New(bookVariant, opts.Depth)
		}
	}
	return d, nil
}

// Exchange implements dialect.Dialect.
func (d *Dialect) Exchange() string { return d.name }

// Endpoint implements dialect.Dialect. The public subscription is encoded in
// the combined-stream URL; the private stream dials the listen-key path.
func (d *Dialect) Endpoint(ctx context.Context) (string, error) {
	if d.opts.Private {
		key, err := d.createListenKey(ctx)
		if err != nil {
			return "", err
		}
		d.mu.Lock()
		d.listenKey = key
		d.mu.Unlock()
		return d.wsBase + "/ws/" + key, nil
	}
	return d.wsBase + "/stream?streams=" + strings.Join(d.streams, "/"), nil
}

// AuthFrames implements dialect.Dialect; the listen key in the URL is the
// authentication.
func (d *Dialect) AuthFrames() ([][]byte, error) { return nil, nil }

// Authenticated implements dialect.Dialect.
func (d *Dialect) Authenticated() bool { return true }

// SubscribeFrames implements dialect.Dialect.
func (d *Dialect) SubscribeFrames() ([][]byte, error) { return nil, nil }

// Heartbeat implements dialect.Dialect; the venue pings, the transport pongs.
func (d *Dialect) Heartbeat() ([]byte, time.Duration) { return nil, 0 }

// KeepaliveInterval implements dialect.Dialect.
func (d *Dialect) KeepaliveInterval() time.Duration {
	if d.opts.Private {
		return listenKeyRefresh
	}
	return 0
}

// Keepalive implements dialect.Dialect.
func (d *Dialect) Keepalive(ctx context.Context) error {
	d.mu.Lock()
	key := d.listenKey
	d.mu.Unlock()
	return d.refreshListenKey(ctx, key)
}

// Close releases the listen key when the session shuts down.
func (d *Dialect) Close(ctx context.Context) error {
	d.mu.Lock()
	key := d.listenKey
	d.listenKey = ""
	d.mu.Unlock()
	if key == "" {
		return nil
	}
	return d.destroyListenKey(ctx, key)
}

// Reset implements dialect.Dialect.
func (d *Dialect) Reset() {
	for _, bk := range d.books {
		bk.Reset()
	}
}

// Decode implements dialect.Dialect; Binance frames are plain text.
func (d *Dialect) Decode(raw []byte) ([]byte, error) { return raw, nil }

// Prime implements dialect.Dialect: seed every subscribed book from a REST
// depth snapshot, concurrently, and emit each as a forced snapshot.
func (d *Dialect) Prime(ctx context.Context) error {
	if len(d.books) == 0 {
		return nil
	}
	p := pool.New().WithContext(ctx).WithMaxGoroutines(snapshotWorkers).WithCancelOnError()
	for sym, bk := range d.books {
		p.Go(func(ctx context.Context) error {
			return d.seedBook(ctx, sym, bk)
		})
	}
	return p.Wait()
}

func (d *Dialect) seedBook(ctx context.Context, symbol string, bk *book.Book) error {
	native, _ := d.symbols.Native(symbol)
	lastID, bids, asks, err := d.fetchDepthSnapshot(ctx, native)
	if err != nil {
		return err
	}
	bk.Seed(bids, asks, lastID)
	snapBids, snapAsks := bk.Snapshot()
	return d.pub.BookSnapshot(ctx, symbol, time.Now().UTC(), schema.BookPayload{
		Bids:   snapBids,
		Asks:   snapAsks,
		Forced: true,
	})
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Handle implements dialect.Dialect.
func (d *Dialect) Handle(ctx context.Context, frame []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return d.decodeErr(err)
	}
	data := []byte(env.Data)
	if len(data) == 0 {
		data = frame
	}

	var head struct {
		Event string `json:"e"`
		// Declared so the numeric "E" key cannot fall back onto Event via
		// case-insensitive field matching.
		EventTime int64 `json:"E"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return d.decodeErr(err)
	}

	switch head.Event {
	case "depthUpdate":
		return d.handleDepth(ctx, data)
	case "aggTrade":
		return d.handleTrade(ctx, data)
	case "24hrTicker":
		return d.handleTicker(ctx, data)
	case "executionReport":
		return d.handleExecReport(ctx, data)
	case "ORDER_TRADE_UPDATE":
		return d.handleFuturesOrder(ctx, data)
	case "listenKeyExpired":
		return errs.New(errs.KindStaleListenKey, errs.WithExchange(d.name),
			errs.WithMessage("venue expired the listen key"))
	case "":
		// Subscription acks and account snapshots carry no event field.
		return nil
	default:
		observability.Log().Debug("unhandled event type",
			observability.F("exchange", d.name),
			observability.F("event", head.Event))
		return nil
	}
}

type depthUpdate struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	First     uint64     `json:"U"`
	Final     uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (d *Dialect) handleDepth(ctx context.Context, data []byte) error {
	var upd depthUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return d.decodeErr(err)
	}
	symbol, ok := d.symbols.Canonical(upd.Symbol)
	if !ok {
		return nil
	}
	bk, ok := d.books[symbol]
	if !ok {
		return nil
	}

	bids, err := shared.Levels(upd.Bids)
	if err != nil {
		return d.decodeErr(err)
	}
	asks, err := shared.Levels(upd.Asks)
	if err != nil {
		return d.decodeErr(err)
	}

	outcome, err := bk.ApplyDelta(upd.First, upd.Final, bids, asks)
	switch outcome {
	case book.OutcomeSkip:
		return nil
	case book.OutcomeResync:
		return errs.New(errs.KindSnapshotGap, errs.WithExchange(d.name),
			errs.WithMessagef("symbol %s: delta [%d,%d] beyond held book", symbol, upd.First, upd.Final),
			errs.WithCause(err))
	}
	return d.pub.BookDelta(ctx, symbol, shared.Millis(upd.EventTime), schema.BookPayload{
		Bids:   bids,
		Asks:   asks,
		Forced: outcome == book.OutcomeAppliedForced,
	})
}

type aggTrade struct {
	Symbol     string      `json:"s"`
	TradeID    json.Number `json:"a"`
	Price      string      `json:"p"`
	Quantity   string      `json:"q"`
	TradeTime  int64       `json:"T"`
	BuyerMaker bool        `json:"m"`
}

func (d *Dialect) handleTrade(ctx context.Context, data []byte) error {
	var t aggTrade
	if err := json.Unmarshal(data, &t); err != nil {
		return d.decodeErr(err)
	}
	symbol, ok := d.symbols.Canonical(t.Symbol)
	if !ok {
		return nil
	}
	price, err := shared.Dec(t.Price)
	if err != nil {
		return d.decodeErr(err)
	}
	amount, err := shared.Dec(t.Quantity)
	if err != nil {
		return d.decodeErr(err)
	}
	side := schema.SideBuy
	if t.BuyerMaker {
		side = schema.SideSell
	}
	return d.pub.Trade(ctx, symbol, shared.Millis(t.TradeTime), schema.TradePayload{
		TradeID: t.TradeID.String(),
		Side:    side,
		Price:   price,
		Amount:  amount,
	})
}

type ticker24h struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
}

func (d *Dialect) handleTicker(ctx context.Context, data []byte) error {
	var t ticker24h
	if err := json.Unmarshal(data, &t); err != nil {
		return d.decodeErr(err)
	}
	symbol, ok := d.symbols.Canonical(t.Symbol)
	if !ok {
		return nil
	}
	bid, err := shared.Dec(t.Bid)
	if err != nil {
		return d.decodeErr(err)
	}
	ask, err := shared.Dec(t.Ask)
	if err != nil {
		return d.decodeErr(err)
	}
	return d.pub.Ticker(ctx, symbol, shared.Millis(t.EventTime), schema.TickerPayload{Bid: bid, Ask: ask})
}

type execReport struct {
	Event         string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	ClientOrderID string      `json:"c"`
	Side          string      `json:"S"`
	Status        string      `json:"X"`
	OrderID       json.Number `json:"i"`
	Quantity      string      `json:"q"`
	Filled        string      `json:"z"`
	Price         string      `json:"p"`
	QuoteFilled   string      `json:"Z"`
}

func (d *Dialect) handleExecReport(ctx context.Context, data []byte) error {
	var r execReport
	if err := json.Unmarshal(data, &r); err != nil {
		return d.decodeErr(err)
	}
	return d.publishOrder(ctx, r)
}

func (d *Dialect) handleFuturesOrder(ctx context.Context, data []byte) error {
	var env struct {
		Event     string          `json:"e"`
		EventTime int64           `json:"E"`
		Order     json.RawMessage `json:"o"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return d.decodeErr(err)
	}
	var o struct {
		Symbol        string      `json:"s"`
		ClientOrderID string      `json:"c"`
		Side          string      `json:"S"`
		Status        string      `json:"X"`
		OrderID       json.Number `json:"i"`
		Quantity      string      `json:"q"`
		Filled        string      `json:"z"`
		Price         string      `json:"p"`
		AveragePrice  string      `json:"ap"`
	}
	if err := json.Unmarshal(env.Order, &o); err != nil {
		return d.decodeErr(err)
	}

	symbol, ok := d.symbols.Canonical(o.Symbol)
	if !ok {
		symbol = o.Symbol
	}
	amount, err := shared.Dec(o.Quantity)
	if err != nil {
		return d.decodeErr(err)
	}
	filled, err := shared.Dec(o.Filled)
	if err != nil {
		return d.decodeErr(err)
	}
	price, err := shared.Dec(o.Price)
	if err != nil {
		return d.decodeErr(err)
	}
	average, err := shared.Dec(o.AveragePrice)
	if err != nil {
		return d.decodeErr(err)
	}
	remaining := amount.Sub(filled)

	payload := schema.OrderPayload{
		OrderID:       o.OrderID.String(),
		ClientOrderID: o.ClientOrderID,
		Side:          mapSide(o.Side),
		Status:        orderStatuses[o.Status],
		Price:         &price,
		Amount:        &amount,
		Filled:        &filled,
		Remaining:     &remaining,
	}
	if !average.IsZero() {
		payload.Average = &average
	}
	return d.pub.Order(ctx, symbol, shared.Millis(env.EventTime), payload)
}

func (d *Dialect) publishOrder(ctx context.Context, r execReport) error {
	symbol, ok := d.symbols.Canonical(r.Symbol)
	if !ok {
		symbol = r.Symbol
	}
	amount, err := shared.Dec(r.Quantity)
	if err != nil {
		return d.decodeErr(err)
	}
	filled, err := shared.Dec(r.Filled)
	if err != nil {
		return d.decodeErr(err)
	}
	price, err := shared.Dec(r.Price)
	if err != nil {
		return d.decodeErr(err)
	}
	quoteFilled, err := shared.Dec(r.QuoteFilled)
	if err != nil {
		return d.decodeErr(err)
	}
	remaining := amount.Sub(filled)

	payload := schema.OrderPayload{
		OrderID:       r.OrderID.String(),
		ClientOrderID: r.ClientOrderID,
		Side:          mapSide(r.Side),
		Status:        orderStatuses[r.Status],
		Price:         &price,
		Amount:        &amount,
		Filled:        &filled,
		Remaining:     &remaining,
	}
	if filled.Sign() > 0 {
		average := quoteFilled.Div(filled)
		payload.Average = &average
	}
	return d.pub.Order(ctx, symbol, shared.Millis(r.EventTime), payload)
}

func mapSide(s string) schema.TradeSide {
	if strings.EqualFold(s, "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func (d *Dialect) decodeErr(err error) error {
	return errs.New(errs.KindProtocolDecode, errs.WithExchange(d.name), errs.WithCause(err))
}

var _ dialect.Dialect = (*Dialect)(nil)
