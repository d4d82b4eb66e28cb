// Package feed supervises stream sessions: one goroutine per feed, restarted
// with backoff if a session ever returns while the handler is still running.
package feed

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/feedmux/internal/errs"
	"github.com/coachpo/feedmux/internal/observability"
	"github.com/coachpo/feedmux/internal/stream"
)

// Handler owns a set of sessions and runs them until canceled.
type Handler struct {
	sessions []*stream.Session
	started  atomic.Bool
}

// NewHandler builds an empty handler.
func NewHandler() *Handler {
	return &Handler{}
}

// AddFeed registers a session. Feeds must be added before Run; invalid
// additions are configuration errors.
func (h *Handler) AddFeed(s *stream.Session) error {
	if s == nil {
		return errs.New(errs.KindFatalConfig, errs.WithMessage("nil session"))
	}
	if h.started.Load() {
		return errs.New(errs.KindFatalConfig, errs.WithMessage("feeds cannot be added after Run"))
	}
	h.sessions = append(h.sessions, s)
	return nil
}

// Run starts every feed and blocks until ctx is canceled. Sessions handle
// their own reconnects; the supervisor here restarts a session that returns
// with a non-context error, so one misbehaving feed never takes the process
// down.
func (h *Handler) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errs.New(errs.KindFatalConfig, errs.WithMessage("handler already running"))
	}
	if len(h.sessions) == 0 {
		return errs.New(errs.KindFatalConfig, errs.WithMessage("no feeds configured"))
	}

	log := observability.Log()
	var wg conc.WaitGroup
	for _, s := range h.sessions {
		wg.Go(func() { h.supervise(ctx, s, log) })
	}
	wg.Wait()
	return ctx.Err()
}

func (h *Handler) supervise(ctx context.Context, s *stream.Session, log observability.Logger) {
	bo := backoff.NewExponentialBackOff()
	for {
		err := s.Run(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		if errs.KindOf(err) == errs.KindFatalConfig {
			log.Error("feed refused to start",
				observability.F("exchange", s.Exchange()),
				observability.F("error", err),
			)
			return
		}
		wait := bo.NextBackOff()
		log.Error("feed stopped, restarting",
			observability.F("exchange", s.Exchange()),
			observability.F("backoff", wait.String()),
			observability.F("error", err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
