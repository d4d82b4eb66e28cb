// Package dialect defines the contract between the generic stream session and
// an exchange-specific adapter. A dialect owns endpoints, frame formats,
// parsing and authentication for one venue surface; market variants of the
// same venue (spot, margin, futures) are distinct dialect values sharing
// code.
package dialect

import (
	"context"
	"time"

	"github.com/coachpo/feedmux/internal/schema"
)

// Canonical channel names accepted in subscriptions. Each adapter maps them
// to its venue vocabulary and rejects the ones it cannot serve.
const (
	ChannelTrades     = "trades"
	ChannelTicker     = "ticker"
	ChannelBook       = "l2_book"
	ChannelFunding    = "funding"
	ChannelOrder      = "order"
	ChannelPosition   = "position"
	ChannelInstrument = "instrument"
)

// Credentials holds venue API credentials. Passphrase is only used by venues
// that require one (OKCoin, OKEx).
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// Empty reports whether no credential material is present.
func (c Credentials) Empty() bool {
	return c.Key == "" && c.Secret == "" && c.Passphrase == ""
}

// ChannelSymbol is one resolved (channel, symbol) subscription pair. Symbol
// is canonical; private channels without a symbol dimension leave it empty.
type ChannelSymbol struct {
	Channel string
	Symbol  string
}

// Emitter receives normalized events from a dialect. The router implements
// it; tests substitute a capture.
type Emitter interface {
	Emit(ctx context.Context, evt *schema.Event) error
}

// Dialect is everything venue-specific a stream session needs. Methods are
// called from a single session goroutine; dialects needing internal
// concurrency (snapshot priming) manage their own synchronization.
type Dialect interface {
	// Exchange returns the venue identifier used on emitted events.
	Exchange() string

	// Endpoint returns the websocket URL to dial. Called once per
	// connection attempt; venues with listen-key user streams mint the key
	// here.
	Endpoint(ctx context.Context) (string, error)

	// AuthFrames returns login frames to send before subscribing. Empty
	// means the connection needs no in-band authentication.
	AuthFrames() ([][]byte, error)

	// Authenticated reports whether the venue acknowledged the login. The
	// session polls it while feeding frames through Handle; dialects
	// without AuthFrames return true unconditionally.
	Authenticated() bool

	// SubscribeFrames returns subscription frames. Empty when the
	// subscription is encoded in the endpoint URL.
	SubscribeFrames() ([][]byte, error)

	// Prime runs after subscribing and before streaming: REST snapshot
	// seeding, instrument metadata, anything the stream depends on.
	Prime(ctx context.Context) error

	// Decode reverses transport-level compression on a raw frame.
	Decode(raw []byte) ([]byte, error)

	// Handle parses one decoded frame and emits events. Decode failures are
	// reported, the frame dropped, and the connection kept. Rejected
	// subscriptions are logged and cost only that subscription; sequence
	// gaps and auth rejections propagate and tear the connection down.
	Handle(ctx context.Context, frame []byte) error

	// Heartbeat returns an application-level ping frame and its send
	// interval; a nil frame disables the loop.
	Heartbeat() ([]byte, time.Duration)

	// KeepaliveInterval returns how often Keepalive must run; zero or
	// negative disables it.
	KeepaliveInterval() time.Duration

	// Keepalive refreshes out-of-band session state (listen keys).
	Keepalive(ctx context.Context) error

	// Reset clears per-connection state before a (re)connect. Books drop to
	// unseeded so the next emitted book event is a forced replacement.
	Reset()
}
