// Package okcoin implements the OKCoin v3 dialect and its OKEx perpetual
// swap variant. Frames arrive as raw DEFLATE without a zlib header; tables
// are prefixed by market segment (spot/, swap/) and subscriptions are
// channel:PAIR arguments on a single subscribe op.
package okcoin

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
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

// Variant selects the venue surface.
type Variant int

const (
	// Spot is OKCoin spot markets.
	Spot Variant = iota
	// Swap is OKEx perpetual swaps; amounts are contract counts and get
	// scaled by each instrument's contract value.
	Swap
)

const (
	spotWS   = "wss://real.okcoin.com:8443/ws/v3"
	swapWS   = "wss://ws.okex.com:8443/ws/v3"
	swapREST = "https://www.okex.com"

	loginPath = "/users/self/verify"

	// The venue serves at most 200 levels of depth.
	BookDepth = 200

	pingInterval = 20 * time.Second
)

var channelSuffixes = map[string]string{
	dialect.ChannelTicker: "ticker",
	dialect.ChannelTrades: "trade",
	dialect.ChannelBook:   "depth",
	dialect.ChannelOrder:  "order",
}

var orderStates = map[string]schema.OrderStatus{
	"-2": schema.OrderFailed,
	"-1": schema.OrderCanceled,
	"0":  schema.OrderOpen,
	"1":  schema.OrderOpen,
	"2":  schema.OrderClosed,
	"3":  schema.OrderOpen,
	"4":  schema.OrderCanceled,
}

// Options configures the dialect.
type Options struct {
	Variant      Variant
	Pairs        []dialect.ChannelSymbol
	Credentials  dialect.Credentials
	WSEndpoint   string
	RESTEndpoint string
	HTTPClient   *http.Client
}

// Dialect is the OKCoin/OKEx adapter.
type Dialect struct {
	opts    Options
	name    string
	prefix  string
	wsURL   string
	restURL string
	http    *http.Client

	pub     *shared.Publisher
	symbols *shared.SymbolTable
	books   map[string]*book.Book
	args    []string

	needsAuth bool
	authed    atomic.Bool

	contractVals atomic.Pointer[map[string]decimal.Decimal]
}

// New validates options and builds the dialect.
func New(opts Options, emit dialect.Emitter) (*Dialect, error) {
	name, prefix, wsURL := "okcoin", "spot", spotWS
	toNative := shared.Identity
	if opts.Variant == Swap {
		name, prefix, wsURL = "okex-swap", "swap", swapWS
		toNative = func(canonical string) string { return canonical + "-SWAP" }
	}
	if opts.WSEndpoint != "" {
		wsURL = opts.WSEndpoint
	}
	restURL := swapREST
	if opts.RESTEndpoint != "" {
		restURL = opts.RESTEndpoint
	}

	if len(opts.Pairs) == 0 {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name),
			errs.WithMessage("no subscriptions configured"))
	}

	symbolSet := make(map[string]struct{})
	needsAuth := false
	for _, cs := range opts.Pairs {
		if _, ok := channelSuffixes[cs.Channel]; !ok {
			return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name),
				errs.WithMessagef("unsupported channel %q", cs.Channel))
		}
		if cs.Channel == dialect.ChannelOrder {
			needsAuth = true
		}
		if cs.Symbol != "" {
			symbolSet[cs.Symbol] = struct{}{}
		}
	}
	if needsAuth {
		c := opts.Credentials
		if c.Key == "" || c.Secret == "" || c.Passphrase == "" {
			return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name),
				errs.WithMessage("private channels require api key, secret and passphrase"))
		}
	}

	symbols := make([]string, 0, len(symbolSet))
	for sym := range symbolSet {
		symbols = append(symbols, sym)
	}
	table, err := shared.NewSymbolTable(symbols, toNative)
	if err != nil {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(name), errs.WithCause(err))
	}

	d := &Dialect{
		opts:      opts,
		name:      name,
		prefix:    prefix,
		wsURL:     wsURL,
		restURL:   restURL,
		http:      opts.HTTPClient,
		pub:       shared.NewPublisher(name, emit),
		symbols:   table,
		books:     make(map[string]*book.Book),
		needsAuth: needsAuth,
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: 10 * time.Second}
	}
	for _, cs := range opts.Pairs {
		native, _ := table.Native(cs.Symbol)
		d.args = append(d.args, prefix+"/"+channelSuffixes[cs.Channel]+":"+native)
		if cs.Channel == dialect.ChannelBook {
			d.books[cs.Symbol] = book.New(book.VariantUnsequenced, BookDepth)
		}
	}
	return d, nil
}

// Exchange implements dialect.Dialect.
func (d *Dialect) Exchange() string { return d.name }

// Endpoint implements dialect.Dialect.
func (d *Dialect) Endpoint(context.Context) (string, error) { return d.wsURL, nil }

// AuthFrames implements dialect.Dialect: a login op carrying the api key,
// passphrase, timestamp and a base64 signature over the verify path.
func (d *Dialect) AuthFrames() ([][]byte, error) {
	if !d.needsAuth {
		return nil, nil
	}
	ts := strconv.FormatFloat(float64(time.Now().UnixMilli())/1000, 'f', 3, 64)
	sign := signer.TimestampBase64(d.opts.Credentials.Secret, ts, "GET", loginPath, "")
	frame, err := json.Marshal(map[string]any{
		"op":   "login",
		"args": []string{d.opts.Credentials.Key, d.opts.Credentials.Passphrase, ts, sign},
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

// SubscribeFrames implements dialect.Dialect: one subscribe op with every
// channel:PAIR argument.
func (d *Dialect) SubscribeFrames() ([][]byte, error) {
	frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": d.args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Prime implements dialect.Dialect. Swap markets fetch instrument contract
// values so contract counts can be scaled to base amounts; spot needs
// nothing, its book partial arrives on the socket.
func (d *Dialect) Prime(ctx context.Context) error {
	if d.opts.Variant != Swap {
		return nil
	}
	vals, err := d.fetchContractValues(ctx)
	if err != nil {
		return err
	}
	// Every subscribed instrument must carry a contract value, otherwise its
	// contract counts cannot be scaled to base amounts.
	for _, sym := range d.symbols.Canonicals() {
		native, _ := d.symbols.Native(sym)
		if _, ok := vals[native]; !ok {
			return errs.New(errs.KindFatalConfig, errs.WithExchange(d.name),
				errs.WithMessagef("venue lists no contract value for %s", native))
		}
	}
	d.contractVals.Store(&vals)
	return nil
}

// Decode implements dialect.Dialect: frames are DEFLATE without a header.
func (d *Dialect) Decode(raw []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.New(errs.KindProtocolDecode, errs.WithExchange(d.name),
			errs.WithMessage("inflate frame"), errs.WithCause(err))
	}
	return out, nil
}

// Heartbeat implements dialect.Dialect; the venue drops quiet connections
// after 30 seconds.
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
		Event   string          `json:"event"`
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Code    json.Number     `json:"errorCode"`
		Table   string          `json:"table"`
		Action  string          `json:"action"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return d.decodeErr(err)
	}

	switch env.Event {
	case "error":
		// Subscribes go out only after login, so an error before the login
		// ack is an auth failure. Afterwards it costs one subscription.
		if d.needsAuth && !d.authed.Load() {
			return errs.New(errs.KindProtocolReject, errs.WithExchange(d.name),
				errs.WithMessage("login refused"), errs.WithRaw(env.Code.String(), env.Message))
		}
		observability.Log().Error("venue rejected request",
			observability.F("exchange", d.name),
			observability.F("code", env.Code.String()),
			observability.F("reason", env.Message))
		return nil
	case "login":
		if !env.Success {
			return errs.New(errs.KindProtocolReject, errs.WithExchange(d.name),
				errs.WithMessage("login refused"), errs.WithRaw(env.Code.String(), env.Message))
		}
		d.authed.Store(true)
		return nil
	case "subscribe":
		return nil
	case "":
	default:
		observability.Log().Warn("unhandled event",
			observability.F("exchange", d.name),
			observability.F("event", env.Event))
		return nil
	}

	switch env.Table {
	case d.prefix + "/ticker":
		return d.handleTickers(ctx, env.Data)
	case d.prefix + "/trade":
		return d.handleTrades(ctx, env.Data)
	case d.prefix + "/depth":
		return d.handleBook(ctx, env.Action, env.Data)
	case d.prefix + "/order":
		return d.handleOrders(ctx, env.Data)
	case "":
		return nil
	default:
		observability.Log().Debug("unhandled table",
			observability.F("exchange", d.name),
			observability.F("table", env.Table))
		return nil
	}
}

type wireTicker struct {
	InstrumentID string `json:"instrument_id"`
	BestBid      string `json:"best_bid"`
	BestAsk      string `json:"best_ask"`
	Timestamp    string `json:"timestamp"`
}

func (d *Dialect) handleTickers(ctx context.Context, data []byte) error {
	var rows []wireTicker
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	for _, t := range rows {
		symbol, ok := d.symbols.Canonical(t.InstrumentID)
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(t.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		bid, err := shared.Dec(t.BestBid)
		if err != nil {
			return d.decodeErr(err)
		}
		ask, err := shared.Dec(t.BestAsk)
		if err != nil {
			return d.decodeErr(err)
		}
		if err := d.pub.Ticker(ctx, symbol, ts, schema.TickerPayload{Bid: bid, Ask: ask}); err != nil {
			return err
		}
	}
	return nil
}

type wireTrade struct {
	InstrumentID string `json:"instrument_id"`
	Price        string `json:"price"`
	Side         string `json:"side"`
	Size         string `json:"size"`
	Qty          string `json:"qty"`
	Timestamp    string `json:"timestamp"`
	TradeID      string `json:"trade_id"`
}

func (d *Dialect) handleTrades(ctx context.Context, data []byte) error {
	var rows []wireTrade
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	for _, t := range rows {
		symbol, ok := d.symbols.Canonical(t.InstrumentID)
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(t.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		price, err := shared.Dec(t.Price)
		if err != nil {
			return d.decodeErr(err)
		}
		raw := t.Size
		if raw == "" {
			raw = t.Qty
		}
		amount, err := shared.Dec(raw)
		if err != nil {
			return d.decodeErr(err)
		}
		amount = d.scaleAmount(t.InstrumentID, amount)
		side := schema.SideSell
		if t.Side == "buy" {
			side = schema.SideBuy
		}
		if err := d.pub.Trade(ctx, symbol, ts, schema.TradePayload{
			TradeID: t.TradeID,
			Side:    side,
			Price:   price,
			Amount:  amount,
		}); err != nil {
			return err
		}
	}
	return nil
}

type wireBook struct {
	InstrumentID string     `json:"instrument_id"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
	Timestamp    string     `json:"timestamp"`
}

func (d *Dialect) handleBook(ctx context.Context, action string, data []byte) error {
	var rows []wireBook
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	for _, upd := range rows {
		symbol, ok := d.symbols.Canonical(upd.InstrumentID)
		if !ok {
			continue
		}
		bk, ok := d.books[symbol]
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(upd.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		bids, err := shared.Levels(upd.Bids)
		if err != nil {
			return d.decodeErr(err)
		}
		asks, err := shared.Levels(upd.Asks)
		if err != nil {
			return d.decodeErr(err)
		}

		if action == "partial" {
			bk.Seed(bids, asks, 0)
			snapBids, snapAsks := bk.Snapshot()
			if err := d.pub.BookSnapshot(ctx, symbol, ts, schema.BookPayload{
				Bids: snapBids, Asks: snapAsks, Forced: true,
			}); err != nil {
				return err
			}
			continue
		}

		outcome, err := bk.ApplyDelta(0, 0, bids, asks)
		if err != nil {
			return errs.New(errs.KindSnapshotGap, errs.WithExchange(d.name), errs.WithCause(err))
		}
		if outcome == book.OutcomeSkip {
			continue
		}
		if err := d.pub.BookDelta(ctx, symbol, ts, schema.BookPayload{Bids: bids, Asks: asks}); err != nil {
			return err
		}
	}
	return nil
}

type wireOrder struct {
	InstrumentID string `json:"instrument_id"`
	OrderID      string `json:"order_id"`
	ClientOID    string `json:"client_oid"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	FilledSize   string `json:"filled_size"`
	State        string `json:"state"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Timestamp    string `json:"timestamp"`
}

func (d *Dialect) handleOrders(ctx context.Context, data []byte) error {
	var rows []wireOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return d.decodeErr(err)
	}
	for _, o := range rows {
		if o.OrderID == "" {
			continue
		}
		symbol, ok := d.symbols.Canonical(o.InstrumentID)
		if !ok {
			continue
		}
		ts, err := shared.ISO8601(o.Timestamp)
		if err != nil {
			return d.decodeErr(err)
		}
		payload := schema.OrderPayload{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOID,
			Status:        orderStates[o.State],
			Side:          d.orderSide(o),
		}
		if o.Price != "" {
			price, perr := shared.Dec(o.Price)
			if perr != nil {
				return d.decodeErr(perr)
			}
			payload.Price = &price
		}
		if o.Size != "" {
			amount, perr := shared.Dec(o.Size)
			if perr != nil {
				return d.decodeErr(perr)
			}
			amount = d.scaleAmount(o.InstrumentID, amount)
			payload.Amount = &amount
		}
		if o.FilledSize != "" {
			filled, perr := shared.Dec(o.FilledSize)
			if perr != nil {
				return d.decodeErr(perr)
			}
			filled = d.scaleAmount(o.InstrumentID, filled)
			payload.Filled = &filled
			if payload.Amount != nil {
				remaining := payload.Amount.Sub(filled)
				payload.Remaining = &remaining
			}
		}
		if err := d.pub.Order(ctx, symbol, ts, payload); err != nil {
			return err
		}
	}
	return nil
}

// orderSide resolves the side from the explicit field, falling back to the
// swap order type codes (1 open long / 4 close short are buys).
func (d *Dialect) orderSide(o wireOrder) schema.TradeSide {
	switch o.Side {
	case "buy":
		return schema.SideBuy
	case "sell":
		return schema.SideSell
	}
	switch o.Type {
	case "1", "4":
		return schema.SideBuy
	case "2", "3":
		return schema.SideSell
	}
	return ""
}

// scaleAmount converts swap contract counts to base amounts via the
// instrument contract value. Spot amounts pass through.
func (d *Dialect) scaleAmount(native string, amount decimal.Decimal) decimal.Decimal {
	vals := d.contractVals.Load()
	if vals == nil {
		return amount
	}
	val, ok := (*vals)[native]
	if !ok {
		return amount
	}
	return amount.Mul(val)
}

type wireInstrument struct {
	InstrumentID string `json:"instrument_id"`
	ContractVal  string `json:"contract_val"`
}

func (d *Dialect) fetchContractValues(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.restURL+"/api/swap/v3/instruments", nil)
	if err != nil {
		return nil, errs.New(errs.KindTransientNetwork, errs.WithExchange(d.name), errs.WithCause(err))
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTransientNetwork, errs.WithExchange(d.name),
			errs.WithMessage("fetch instruments"), errs.WithCause(err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, errs.New(errs.KindTransientNetwork, errs.WithExchange(d.name), errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindTransientNetwork, errs.WithExchange(d.name),
			errs.WithMessagef("fetch instruments: http %d", resp.StatusCode))
	}
	var rows []wireInstrument
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, d.decodeErr(err)
	}
	vals := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		val, err := shared.Dec(row.ContractVal)
		if err != nil {
			return nil, d.decodeErr(fmt.Errorf("instrument %s: %w", row.InstrumentID, err))
		}
		vals[row.InstrumentID] = val
	}
	return vals, nil
}

func (d *Dialect) decodeErr(err error) error {
	return errs.New(errs.KindProtocolDecode, errs.WithExchange(d.name), errs.WithCause(err))
}

var _ dialect.Dialect = (*Dialect)(nil)
