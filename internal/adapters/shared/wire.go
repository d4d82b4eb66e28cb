package shared

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/feedmux/internal/schema"
)

// Dec parses a wire string into a decimal without passing through binary
// floats.
func Dec(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// DecNumber parses a json.Number field. Venues that encode prices as bare
// JSON numbers are decoded into json.Number so the textual form survives.
func DecNumber(n json.Number) (decimal.Decimal, error) {
	return Dec(n.String())
}

// Levels converts the [["price","size"], ...] pair arrays most venues use.
func Levels(pairs [][]string) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("price level needs 2 fields, got %d", len(p))
		}
		price, err := Dec(p[0])
		if err != nil {
			return nil, err
		}
		size, err := Dec(p[1])
		if err != nil {
			return nil, err
		}
		out = append(out, schema.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}

// Millis converts a millisecond epoch timestamp.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Micros converts a microsecond epoch timestamp.
func Micros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// ISO8601 parses venue timestamps like 2019-03-22T22:26:34.019Z.
func ISO8601(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}
