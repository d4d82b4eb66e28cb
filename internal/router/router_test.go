package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/feedmux/internal/schema"
)

type captureSink struct {
	name   string
	log    *[]string
	events []*schema.Event
	fail   bool
}

func (s *captureSink) Write(_ context.Context, evt *schema.Event) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, evt)
	if s.log != nil {
		*s.log = append(*s.log, s.name)
	}
	return nil
}

func tradeEvent(exchange, symbol string) *schema.Event {
	return &schema.Event{
		Exchange:  exchange,
		Symbol:    symbol,
		Type:      schema.EventTrade,
		Timestamp: time.Now(),
		Payload:   schema.TradePayload{TradeID: "t1", Side: schema.SideBuy},
	}
}

func TestRouterFilters(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	all := &captureSink{}
	binanceOnly := &captureSink{}
	btcOnly := &captureSink{}
	rt.Register(schema.EventTrade, Filter{}, all)
	rt.Register(schema.EventTrade, Filter{Exchange: "binance"}, binanceOnly)
	rt.Register(schema.EventTrade, Filter{Symbol: "BTC-USDT"}, btcOnly)

	ctx := context.Background()
	if err := rt.Emit(ctx, tradeEvent("binance", "BTC-USDT")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := rt.Emit(ctx, tradeEvent("bybit", "ETH-USD")); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(all.events) != 2 {
		t.Fatalf("unfiltered sink saw %d events, want 2", len(all.events))
	}
	if len(binanceOnly.events) != 1 || binanceOnly.events[0].Exchange != "binance" {
		t.Fatalf("exchange filter saw %+v", binanceOnly.events)
	}
	if len(btcOnly.events) != 1 || btcOnly.events[0].Symbol != "BTC-USDT" {
		t.Fatalf("symbol filter saw %+v", btcOnly.events)
	}
}

func TestRouterDeliversInRegistrationOrder(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	var order []string
	rt.Register(schema.EventTrade, Filter{}, &captureSink{name: "first", log: &order})
	rt.Register(schema.EventTrade, Filter{}, &captureSink{name: "second", log: &order})

	if err := rt.Emit(context.Background(), tradeEvent("binance", "BTC-USDT")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v", order)
	}
}

func TestRouterSkipsFailingSink(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	broken := &captureSink{fail: true}
	healthy := &captureSink{}
	rt.Register(schema.EventTrade, Filter{}, broken)
	rt.Register(schema.EventTrade, Filter{}, healthy)

	if err := rt.Emit(context.Background(), tradeEvent("binance", "BTC-USDT")); err != nil {
		t.Fatalf("emit returned the sink error: %v", err)
	}
	if len(healthy.events) != 1 {
		t.Fatal("failing sink blocked delivery to the next sink")
	}
}

func TestRouterCoalescesOrderEvents(t *testing.T) {
	rt, err := New(WithCoalescer(NewCoalescer(NewMemoryOrderStore())))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	capture := &captureSink{}
	rt.Register(schema.EventOrder, Filter{}, capture)

	ctx := context.Background()
	emitFill := func(filled string) {
		t.Helper()
		if err := rt.Emit(ctx, &schema.Event{
			Exchange:  "binance",
			Symbol:    "BTC-USDT",
			Type:      schema.EventOrder,
			Timestamp: time.Now(),
			Payload: schema.OrderPayload{
				OrderID: "o1",
				Status:  schema.OrderOpen,
				Filled:  decp(filled),
			},
		}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	emitFill("3")
	emitFill("7")

	if len(capture.events) != 2 {
		t.Fatalf("sink saw %d events, want 2", len(capture.events))
	}
	state, ok := capture.events[1].Payload.(*schema.OrderState)
	if !ok {
		t.Fatalf("payload type = %T, want *schema.OrderState", capture.events[1].Payload)
	}
	if state.Filled.String() != "7" || state.UnhandledAmount.String() != "7" {
		t.Fatalf("coalesced state = %+v", state)
	}
}

func TestRouterConsumesUnhandledOnTerminalOrder(t *testing.T) {
	store := NewMemoryOrderStore()
	rt, err := New(WithCoalescer(NewCoalescer(store)))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	capture := &captureSink{}
	rt.Register(schema.EventOrder, Filter{}, capture)

	ctx := context.Background()
	emit := func(status schema.OrderStatus, filled string) {
		t.Helper()
		if err := rt.Emit(ctx, &schema.Event{
			Exchange:  "binance",
			Symbol:    "BTC-USDT",
			Type:      schema.EventOrder,
			Timestamp: time.Now(),
			Payload: schema.OrderPayload{
				OrderID: "o2",
				Status:  status,
				Filled:  decp(filled),
			},
		}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	emit(schema.OrderOpen, "3")
	emit(schema.OrderClosed, "5")

	// The delivered final event still carries the pending amount; the stored
	// state is zeroed once every sink has seen it.
	final := capture.events[1].Payload.(*schema.OrderState)
	if final.UnhandledAmount.String() != "5" {
		t.Fatalf("delivered unhandled = %s, want 5", final.UnhandledAmount)
	}
	stored, err := store.Load(ctx, "binance:o2")
	if err != nil || stored == nil {
		t.Fatalf("load: %v, state %v", err, stored)
	}
	if !stored.UnhandledAmount.IsZero() {
		t.Fatalf("stored unhandled = %s, want consumed to zero", stored.UnhandledAmount)
	}
}

func TestRouterHonorsCanceledContext(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	capture := &captureSink{}
	rt.Register(schema.EventTrade, Filter{}, capture)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rt.Emit(ctx, tradeEvent("binance", "BTC-USDT")); !errors.Is(err, context.Canceled) {
		t.Fatalf("emit err = %v, want context.Canceled", err)
	}
	if len(capture.events) != 0 {
		t.Fatal("event delivered after cancellation")
	}
}
