// Package errs provides the structured error envelope used across feedmux.
// Every failure on a stream path is classified into a Kind, which the session
// supervisor uses to pick a recovery action.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure and implies its recovery action.
type Kind string

const (
	// KindTransientNetwork covers dial failures, dropped connections and
	// idle timeouts. Recovery: reconnect with backoff.
	KindTransientNetwork Kind = "transient_network"
	// KindProtocolDecode marks an unparseable frame. Recovery: log and drop
	// the frame, keep the connection.
	KindProtocolDecode Kind = "protocol_decode"
	// KindProtocolReject marks an explicit venue rejection. Adapters log
	// subscribe rejects in place and keep the connection; only auth rejects
	// escape to the session, which reconnects.
	KindProtocolReject Kind = "protocol_reject"
	// KindSnapshotGap marks a delta that cannot be reconciled with the held
	// book. Recovery: reconnect and re-seed.
	KindSnapshotGap Kind = "snapshot_gap"
	// KindStaleListenKey marks an expired or rejected user-stream listen key.
	// Recovery: reconnect, which mints a fresh key.
	KindStaleListenKey Kind = "stale_listen_key"
	// KindSinkError marks a sink delivery failure. Recovery: log and skip the
	// sink; never stalls the stream.
	KindSinkError Kind = "sink_error"
	// KindFatalConfig marks invalid configuration. No recovery: refuse to
	// start the feed.
	KindFatalConfig Kind = "fatal_config"
)

// E is the structured error envelope.
type E struct {
	Kind     Kind
	Exchange string
	Message  string
	RawCode  string
	RawMsg   string
	cause    error
}

// Option mutates an E during construction.
type Option func(*E)

// New builds an error of the given kind.
func New(kind Kind, opts ...Option) *E {
	e := &E{Kind: kind}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithExchange records the venue the error originated from.
func WithExchange(exchange string) Option {
	return func(e *E) { e.Exchange = exchange }
}

// WithMessage records a human-readable description.
func WithMessage(msg string) Option {
	return func(e *E) { e.Message = msg }
}

// WithMessagef records a formatted description.
func WithMessagef(format string, args ...any) Option {
	return func(e *E) { e.Message = fmt.Sprintf(format, args...) }
}

// WithCause wraps an underlying error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithRaw preserves the venue's own error code and message.
func WithRaw(code, msg string) Option {
	return func(e *E) {
		e.RawCode = code
		e.RawMsg = msg
	}
}

func (e *E) Error() string {
	var b strings.Builder
	b.WriteString("kind=")
	b.WriteString(string(e.Kind))
	if e.Exchange != "" {
		b.WriteString(" exchange=")
		b.WriteString(e.Exchange)
	}
	if e.Message != "" {
		b.WriteString(" msg=")
		b.WriteString(strconv(e.Message))
	}
	if e.RawCode != "" {
		b.WriteString(" raw_code=")
		b.WriteString(e.RawCode)
	}
	if e.RawMsg != "" {
		b.WriteString(" raw_msg=")
		b.WriteString(strconv(e.RawMsg))
	}
	if e.cause != nil {
		b.WriteString(" cause=")
		b.WriteString(strconv(e.cause.Error()))
	}
	return b.String()
}

func strconv(s string) string {
	if strings.ContainsAny(s, " =") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the Kind from err, walking the wrap chain. Errors outside
// this package default to KindTransientNetwork: an unclassified failure on a
// stream path is retried, not escalated.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientNetwork
}

// Reconnectable reports whether the session should tear down the connection
// and retry after err.
func Reconnectable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindProtocolReject, KindSnapshotGap, KindStaleListenKey:
		return true
	}
	return false
}
