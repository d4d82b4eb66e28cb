// Package adapters resolves exchange names to dialect constructors and
// normalizes subscription configuration into resolved (channel, symbol)
// pairs.
package adapters

import (
	"net/http"
	"sort"

	"github.com/coachpo/feedmux/internal/adapters/binance"
	"github.com/coachpo/feedmux/internal/adapters/bitmex"
	"github.com/coachpo/feedmux/internal/adapters/bybit"
	"github.com/coachpo/feedmux/internal/adapters/okcoin"
	"github.com/coachpo/feedmux/internal/dialect"
	"github.com/coachpo/feedmux/internal/errs"
)

// Config describes one feed before dialect construction. Either Channels x
// Symbols or the explicit ChannelSymbols map describes the subscription; the
// map wins when present.
type Config struct {
	Exchange       string
	Channels       []string
	Symbols        []string
	ChannelSymbols map[string][]string
	Depth          int
	Private        bool
	Credentials    dialect.Credentials
	WSEndpoint     string
	RESTEndpoint   string
	HTTPClient     *http.Client
}

// Pairs resolves the subscription to explicit (channel, symbol) pairs.
func (c Config) Pairs() ([]dialect.ChannelSymbol, error) {
	if len(c.ChannelSymbols) > 0 {
		channels := make([]string, 0, len(c.ChannelSymbols))
		for ch := range c.ChannelSymbols {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
		var out []dialect.ChannelSymbol
		for _, ch := range channels {
			symbols := c.ChannelSymbols[ch]
			if len(symbols) == 0 {
				out = append(out, dialect.ChannelSymbol{Channel: ch})
				continue
			}
			for _, sym := range symbols {
				out = append(out, dialect.ChannelSymbol{Channel: ch, Symbol: sym})
			}
		}
		return out, nil
	}
	if len(c.Channels) == 0 {
		return nil, errs.New(errs.KindFatalConfig,
			errs.WithExchange(c.Exchange), errs.WithMessage("no channels configured"))
	}
	var out []dialect.ChannelSymbol
	for _, ch := range c.Channels {
		if len(c.Symbols) == 0 {
			out = append(out, dialect.ChannelSymbol{Channel: ch})
			continue
		}
		for _, sym := range c.Symbols {
			out = append(out, dialect.ChannelSymbol{Channel: ch, Symbol: sym})
		}
	}
	return out, nil
}

// New builds the dialect for the configured exchange.
func New(cfg Config, emit dialect.Emitter) (dialect.Dialect, error) {
	pairs, err := cfg.Pairs()
	if err != nil && !cfg.Private {
		// A private user stream carries every account event; it needs no
		// channel list. Everything else does.
		return nil, err
	}
	if cfg.Private && cfg.Credentials.Empty() {
		return nil, errs.New(errs.KindFatalConfig, errs.WithExchange(cfg.Exchange),
			errs.WithMessage("private feed requires credentials"))
	}

	switch cfg.Exchange {
	case "binance":
		return binance.New(binance.Options{
			Variant: binance.Spot, Pairs: pairs, Depth: cfg.Depth,
			Private: cfg.Private, Credentials: cfg.Credentials,
			WSEndpoint: cfg.WSEndpoint, RESTEndpoint: cfg.RESTEndpoint,
			HTTPClient: cfg.HTTPClient,
		}, emit)
	case "binance-margin":
		return binance.New(binance.Options{
			Variant: binance.Margin, Pairs: pairs, Depth: cfg.Depth,
			Private: cfg.Private, Credentials: cfg.Credentials,
			WSEndpoint: cfg.WSEndpoint, RESTEndpoint: cfg.RESTEndpoint,
			HTTPClient: cfg.HTTPClient,
		}, emit)
	case "binance-futures":
		return binance.New(binance.Options{
			Variant: binance.Futures, Pairs: pairs, Depth: cfg.Depth,
			Private: cfg.Private, Credentials: cfg.Credentials,
			WSEndpoint: cfg.WSEndpoint, RESTEndpoint: cfg.RESTEndpoint,
			HTTPClient: cfg.HTTPClient,
		}, emit)
	case "bitmex":
		return bitmex.New(bitmex.Options{
			Pairs: pairs, Depth: cfg.Depth,
			Credentials: cfg.Credentials, WSEndpoint: cfg.WSEndpoint,
		}, emit)
	case "bybit":
		return bybit.New(bybit.Options{
			Pairs: pairs, Depth: cfg.Depth,
			Credentials: cfg.Credentials, WSEndpoint: cfg.WSEndpoint,
		}, emit)
	case "okcoin":
		return okcoin.New(okcoin.Options{
			Variant: okcoin.Spot, Pairs: pairs,
			Credentials: cfg.Credentials, WSEndpoint: cfg.WSEndpoint,
			RESTEndpoint: cfg.RESTEndpoint, HTTPClient: cfg.HTTPClient,
		}, emit)
	case "okex-swap":
		return okcoin.New(okcoin.Options{
			Variant: okcoin.Swap, Pairs: pairs,
			Credentials: cfg.Credentials, WSEndpoint: cfg.WSEndpoint,
			RESTEndpoint: cfg.RESTEndpoint, HTTPClient: cfg.HTTPClient,
		}, emit)
	default:
		return nil, errs.New(errs.KindFatalConfig,
			errs.WithMessagef("unknown exchange %q", cfg.Exchange))
	}
}

// Exchanges lists the supported exchange identifiers.
func Exchanges() []string {
	return []string{
		"binance", "binance-margin", "binance-futures",
		"bitmex", "bybit", "okcoin", "okex-swap",
	}
}
