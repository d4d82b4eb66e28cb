// Package sink provides event consumers for the router: a structured-log
// sink and Redis-backed sinks (sorted set, stream) plus a Redis order store
// for the coalescer.
package sink

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/coachpo/feedmux/internal/schema"
)

// LogSink writes each event as one structured log line. Useful as a default
// sink and in demos.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink builds a log sink over l.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l}
}

// Write implements the router sink contract.
func (s *LogSink) Write(_ context.Context, evt *schema.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("exchange", evt.Exchange).
		Str("symbol", evt.Symbol).
		Str("type", string(evt.Type)).
		Uint64("seq", evt.Seq).
		Time("timestamp", evt.Timestamp).
		RawJSON("payload", payload).
		Msg("event")
	return nil
}
