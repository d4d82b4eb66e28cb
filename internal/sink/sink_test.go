package sink

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coachpo/feedmux/internal/schema"
)

func TestKey(t *testing.T) {
	if got := Key("book", "binance", "BTC-USDT"); got != "book-binance-BTC-USDT" {
		t.Fatalf("key = %s", got)
	}
}

func TestLogSinkWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))

	err := s.Write(context.Background(), &schema.Event{
		Exchange:  "bitmex",
		Symbol:    "XBT-USD",
		Type:      schema.EventTrade,
		Seq:       7,
		Timestamp: time.Unix(1672531200, 0).UTC(),
		Payload: schema.TradePayload{
			TradeID: "m-1",
			Side:    schema.SideBuy,
			Price:   decimal.RequireFromString("16500.5"),
			Amount:  decimal.RequireFromString("100"),
		},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	line := buf.String()
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("output = %q", line)
	}
	for _, part := range []string{`"exchange":"bitmex"`, `"symbol":"XBT-USD"`, `"type":"trade"`, `"seq":7`, `"16500.5"`} {
		if !strings.Contains(line, part) {
			t.Fatalf("line %q missing %q", line, part)
		}
	}
}
