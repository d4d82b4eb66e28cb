package bybit

import (
	"context"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/coachpo/feedmux/internal/dialect"
	"github.com/coachpo/feedmux/internal/errs"
	"github.com/coachpo/feedmux/internal/schema"
	"github.com/coachpo/feedmux/internal/signer"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *captureEmitter) Emit(_ context.Context, evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *captureEmitter) last(t *testing.T) *schema.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no events emitted")
	}
	return c.events[len(c.events)-1]
}

func TestTopicsAndSubscribeFrames(t *testing.T) {
	d, err := New(Options{
		Pairs: []dialect.ChannelSymbol{
			{Channel: dialect.ChannelTrades, Symbol: "BTC-USD"},
			{Channel: dialect.ChannelOrder},
		},
		Credentials: dialect.Credentials{Key: "k", Secret: "s"},
	}, &captureEmitter{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	frames, err := d.SubscribeFrames()
	if err != nil || len(frames) != 2 {
		t.Fatalf("frames = %d, err %v", len(frames), err)
	}
	var msg struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Op != "subscribe" || len(msg.Args) != 1 || msg.Args[0] != "trade.BTCUSD" {
		t.Fatalf("market topic frame = %+v", msg)
	}
	if err := json.Unmarshal(frames[1], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// Private topics carry no symbol.
	if msg.Args[0] != "order" {
		t.Fatalf("private topic frame = %+v", msg)
	}
}

func TestAuthFrameMillisecondExpiry(t *testing.T) {
	d, err := New(Options{
		Pairs:       []dialect.ChannelSymbol{{Channel: dialect.ChannelOrder}},
		Credentials: dialect.Credentials{Key: "api-key", Secret: "api-secret"},
	}, &captureEmitter{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	frames, err := d.AuthFrames()
	if err != nil || len(frames) != 1 {
		t.Fatalf("auth frames = %d, err %v", len(frames), err)
	}
	var msg struct {
		Op   string `json:"op"`
		Args []any  `json:"args"`
	}
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Op != "auth" || len(msg.Args) != 3 {
		t.Fatalf("auth frame = %+v", msg)
	}
	expires := int64(msg.Args[1].(float64))
	if expires%1000 != 0 {
		t.Fatalf("expires = %d, want whole seconds in milliseconds", expires)
	}
	if want := signer.ExpiresHex("api-secret", "GET", "/realtime", expires, ""); msg.Args[2] != want {
		t.Fatalf("signature = %v", msg.Args[2])
	}

	if d.Authenticated() {
		t.Fatal("authenticated before ack")
	}
	if err := d.Handle(context.Background(), []byte(`{"success":true,"request":{"op":"auth"}}`)); err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	if !d.Authenticated() {
		t.Fatal("ack did not authenticate")
	}
}

func TestRejectedSubscription(t *testing.T) {
	capture := &captureEmitter{}
	d, err := New(Options{
		Pairs: []dialect.ChannelSymbol{{Channel: dialect.ChannelTrades, Symbol: "BTC-USD"}},
	}, capture)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	// A rejected subscription is logged and costs only that topic; the
	// connection and its other subscriptions stay up.
	if err := d.Handle(ctx, []byte(`{"success":false,"ret_msg":"error:handler not found","request":{"op":"subscribe"}}`)); err != nil {
		t.Fatalf("subscribe reject: %v", err)
	}
	trade := []byte(`{"topic":"trade.BTCUSD","data":[{"timestamp":"2023-01-01T00:00:00.000Z","symbol":"BTCUSD","side":"Buy","size":10,"price":16500.5,"trade_id":"t1"}]}`)
	if err := d.Handle(ctx, trade); err != nil {
		t.Fatalf("trade after reject: %v", err)
	}
	if capture.count() != 1 {
		t.Fatalf("events after reject = %d, want 1", capture.count())
	}

	// A refused login is fatal for the connection.
	authErr := d.Handle(ctx, []byte(`{"success":false,"ret_msg":"invalid signature","request":{"op":"auth"}}`))
	if errs.KindOf(authErr) != errs.KindProtocolReject {
		t.Fatalf("auth reject: %v", authErr)
	}
}

func TestBookSnapshotAndDelta(t *testing.T) {
	capture := &captureEmitter{}
	d, err := New(Options{
		Pairs: []dialect.ChannelSymbol{{Channel: dialect.ChannelBook, Symbol: "BTC-USD"}},
	}, capture)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	// Deltas ahead of the snapshot are dropped.
	early := []byte(`{"topic":"orderBookL2_25.BTCUSD","type":"delta","timestamp_e6":1672531200000000,"data":{"delete":[],"update":[{"price":"16500.00","side":"Buy","size":3}],"insert":[]}}`)
	if err := d.Handle(ctx, early); err != nil {
		t.Fatalf("early delta: %v", err)
	}
	if capture.count() != 0 {
		t.Fatal("delta before snapshot emitted an event")
	}

	snapshot := []byte(`{"topic":"orderBookL2_25.BTCUSD","type":"snapshot","timestamp_e6":1672531200000000,"data":[
		{"price":"16500.00","side":"Buy","size":10},
		{"price":"16500.50","side":"Sell","size":4}]}`)
	if err := d.Handle(ctx, snapshot); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	evt := capture.last(t)
	if evt.Type != schema.EventBookSnapshot || evt.Symbol != "BTC-USD" {
		t.Fatalf("snapshot event = %+v", evt)
	}
	if payload := evt.Payload.(schema.BookPayload); !payload.Forced {
		t.Fatal("snapshot not forced")
	}
	if evt.Timestamp.UnixMicro() != 1672531200000000 {
		t.Fatalf("timestamp = %v", evt.Timestamp)
	}

	delta := []byte(`{"topic":"orderBookL2_25.BTCUSD","type":"delta","timestamp_e6":1672531201000000,"data":{
		"delete":[{"price":"16500.50","side":"Sell"}],
		"update":[{"price":"16500.00","side":"Buy","size":12}],
		"insert":[{"price":"16499.50","side":"Buy","size":2}]}}`)
	if err := d.Handle(ctx, delta); err != nil {
		t.Fatalf("delta: %v", err)
	}
	evt = capture.last(t)
	if evt.Type != schema.EventBookDelta {
		t.Fatalf("delta event = %+v", evt)
	}
	payload := evt.Payload.(schema.BookPayload)
	if payload.Forced {
		t.Fatal("plain delta marked forced")
	}
	if len(payload.Bids) != 2 || len(payload.Asks) != 1 {
		t.Fatalf("delta levels = %+v", payload)
	}
	// Delete rows force the size to zero even without a wire value.
	if !payload.Asks[0].Size.IsZero() {
		t.Fatalf("delete level size = %s", payload.Asks[0].Size)
	}
}

func TestHandleTrade(t *testing.T) {
	capture := &captureEmitter{}
	d, err := New(Options{
		Pairs: []dialect.ChannelSymbol{{Channel: dialect.ChannelTrades, Symbol: "BTC-USD"}},
	}, capture)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	frame := []byte(`{"topic":"trade.BTCUSD","data":[
		{"timestamp":"2023-01-01T00:00:00.000Z","symbol":"BTCUSD","side":"Sell","size":250,"price":16500.5,"trade_id":"tid-1"}]}`)
	if err := d.Handle(context.Background(), frame); err != nil {
		t.Fatalf("handle: %v", err)
	}
	trade := capture.last(t).Payload.(schema.TradePayload)
	if trade.TradeID != "tid-1" || trade.Side != schema.SideSell {
		t.Fatalf("trade = %+v", trade)
	}
	if trade.Price.String() != "16500.5" || trade.Amount.String() != "250" {
		t.Fatalf("trade = %+v", trade)
	}
}

func TestOrderAverageQuirk(t *testing.T) {
	capture := &captureEmitter{}
	d, err := New(Options{
		Pairs: []dialect.ChannelSymbol{
			{Channel: dialect.ChannelOrder},
			{Channel: dialect.ChannelTrades, Symbol: "BTC-USD"},
		},
		Credentials: dialect.Credentials{Key: "k", Secret: "s"},
	}, capture)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// The venue reports cum_exec_value as contracts divided by price, so the
	// average comes out as qty/value rather than value/qty.
	frame := []byte(`{"topic":"order","data":[
		{"timestamp":"2023-01-01T00:00:00Z","symbol":"BTCUSD","order_id":"o-1","order_link_id":"c-1","side":"Buy","order_status":"PartiallyFilled","qty":100,"cum_exec_qty":40,"leaves_qty":60,"price":16000,"cum_exec_value":0.0025}]}`)
	if err := d.Handle(context.Background(), frame); err != nil {
		t.Fatalf("handle: %v", err)
	}
	order := capture.last(t).Payload.(schema.OrderPayload)
	if order.Status != schema.OrderOpen || order.Side != schema.SideBuy {
		t.Fatalf("order = %+v", order)
	}
	if order.Average == nil || order.Average.String() != "16000" {
		t.Fatalf("average = %v, want 40/0.0025", order.Average)
	}
	if order.Remaining == nil || order.Remaining.String() != "60" {
		t.Fatalf("remaining = %v", order.Remaining)
	}
}
