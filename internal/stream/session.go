// Package stream runs the websocket session lifecycle shared by every venue:
// connect, authenticate, subscribe, prime, stream, and reconnect with
// exponential backoff. Venue specifics live behind the dialect interface.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/feedmux/internal/dialect"
	"github.com/coachpo/feedmux/internal/errs"
	"github.com/coachpo/feedmux/internal/observability"
)

const (
	defaultIdleTimeout     = 180 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultAuthTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultControlInterval = 250 * time.Millisecond
	defaultReadLimit       = 1 << 21

	// A connection that stayed up this long counts as healthy and resets
	// the reconnect backoff.
	healthyAfter = time.Minute
)

// Options configures a Session. Zero values select the defaults above.
type Options struct {
	Dialect         dialect.Dialect
	IdleTimeout     time.Duration
	DialTimeout     time.Duration
	AuthTimeout     time.Duration
	ControlInterval time.Duration
	ReadLimit       int64
}

// Session supervises one websocket connection to one venue surface.
type Session struct {
	d    dialect.Dialect
	opts Options
	id   string

	limiter    *rate.Limiter
	reconnects metric.Int64Counter
	dropped    metric.Int64Counter
}

// New validates options and builds a session.
func New(opts Options) (*Session, error) {
	if opts.Dialect == nil {
		return nil, errs.New(errs.KindFatalConfig, errs.WithMessage("session requires a dialect"))
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.ControlInterval <= 0 {
		opts.ControlInterval = defaultControlInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}

	meter := otel.Meter("feedmux/stream")
	reconnects, err := meter.Int64Counter("feedmux.stream.reconnects")
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("feedmux.stream.dropped_frames")
	if err != nil {
		return nil, err
	}

	return &Session{
		d:          opts.Dialect,
		opts:       opts,
		id:         uuid.NewString(),
		limiter:    rate.NewLimiter(rate.Every(opts.ControlInterval), 1),
		reconnects: reconnects,
		dropped:    dropped,
	}, nil
}

// Exchange returns the venue this session serves.
func (s *Session) Exchange() string { return s.d.Exchange() }

// Run connects and streams until ctx is canceled. Failures whose recovery is
// a reconnect tear the connection down and retry with backoff; anything else
// (fatal configuration) returns.
func (s *Session) Run(ctx context.Context) error {
	log := observability.Log()
	bo := backoff.NewExponentialBackOff()
	attrs := metric.WithAttributes(attribute.String("exchange", s.d.Exchange()))

	for {
		started := time.Now()
		err := s.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errs.Reconnectable(err) {
			return err
		}
		kind := errs.KindOf(err)
		s.reconnects.Add(ctx, 1, attrs)
		if time.Since(started) >= healthyAfter {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Warn("stream disconnected, reconnecting",
			observability.F("exchange", s.d.Exchange()),
			observability.F("session", s.id),
			observability.F("kind", string(kind)),
			observability.F("backoff", wait.String()),
			observability.F("error", err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) runConn(ctx context.Context) error {
	log := observability.Log()
	exchange := s.d.Exchange()

	url, err := s.d.Endpoint(ctx)
	if err != nil {
		return err
	}
	// Dialects holding out-of-band session state (listen keys) release it on
	// teardown via an optional Close.
	if closer, ok := s.d.(interface{ Close(context.Context) error }); ok {
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
			defer cancel()
			if err := closer.Close(cctx); err != nil {
				log.Debug("dialect close failed",
					observability.F("exchange", exchange),
					observability.F("error", err))
			}
		}()
	}

	dctx, cancelDial := context.WithTimeout(ctx, s.opts.DialTimeout)
	conn, _, err := websocket.Dial(dctx, url, nil)
	cancelDial()
	if err != nil {
		return errs.New(errs.KindTransientNetwork,
			errs.WithExchange(exchange), errs.WithMessage("dial"), errs.WithCause(err))
	}
	conn.SetReadLimit(s.opts.ReadLimit)
	defer conn.CloseNow()

	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	s.d.Reset()

	authFrames, err := s.d.AuthFrames()
	if err != nil {
		return err
	}
	for _, frame := range authFrames {
		if err := s.writeControl(connCtx, conn, frame); err != nil {
			return err
		}
	}
	if len(authFrames) > 0 {
		if err := s.awaitAuth(connCtx, conn); err != nil {
			return err
		}
	}

	subFrames, err := s.d.SubscribeFrames()
	if err != nil {
		return err
	}
	for _, frame := range subFrames {
		if err := s.writeControl(connCtx, conn, frame); err != nil {
			return err
		}
	}

	if err := s.d.Prime(connCtx); err != nil {
		return err
	}
	log.Info("stream established",
		observability.F("exchange", exchange),
		observability.F("session", s.id),
	)

	keepErr := make(chan error, 1)
	var wg conc.WaitGroup
	defer wg.Wait()
	defer stop()

	if ping, every := s.d.Heartbeat(); len(ping) > 0 && every > 0 {
		wg.Go(func() { s.heartbeatLoop(connCtx, stop, conn, ping, every) })
	}
	if interval := s.d.KeepaliveInterval(); interval > 0 {
		wg.Go(func() { s.keepaliveLoop(connCtx, stop, interval, keepErr) })
	}

	for {
		frame, err := s.readFrame(connCtx, conn)
		if err != nil {
			select {
			case kerr := <-keepErr:
				return kerr
			default:
			}
			return err
		}
		if err := s.handleFrame(connCtx, frame); err != nil {
			return err
		}
	}
}

// handleFrame decodes and dispatches one frame. Unparseable frames are
// dropped without touching the connection.
func (s *Session) handleFrame(ctx context.Context, frame []byte) error {
	decoded, err := s.d.Decode(frame)
	if err != nil {
		s.dropFrame(ctx, err)
		return nil
	}
	if err := s.d.Handle(ctx, decoded); err != nil {
		if errs.KindOf(err) == errs.KindProtocolDecode {
			s.dropFrame(ctx, err)
			return nil
		}
		return err
	}
	return nil
}

func (s *Session) dropFrame(ctx context.Context, err error) {
	s.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", s.d.Exchange())))
	observability.Log().Warn("dropping undecodable frame",
		observability.F("exchange", s.d.Exchange()),
		observability.F("session", s.id),
		observability.F("error", err),
	)
}

func (s *Session) readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, s.opts.IdleTimeout)
	defer cancel()
	_, data, err := conn.Read(rctx)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errs.New(errs.KindTransientNetwork,
				errs.WithExchange(s.d.Exchange()),
				errs.WithMessagef("no frame within %s", s.opts.IdleTimeout))
		}
		return nil, errs.New(errs.KindTransientNetwork,
			errs.WithExchange(s.d.Exchange()), errs.WithMessage("read"), errs.WithCause(err))
	}
	return data, nil
}

// awaitAuth feeds frames through the dialect until it reports a login ack.
func (s *Session) awaitAuth(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(s.opts.AuthTimeout)
	for !s.d.Authenticated() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errs.New(errs.KindProtocolReject,
				errs.WithExchange(s.d.Exchange()),
				errs.WithMessage("login not acknowledged before deadline"))
		}
		rctx, cancel := context.WithTimeout(ctx, remaining)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			return errs.New(errs.KindProtocolReject,
				errs.WithExchange(s.d.Exchange()),
				errs.WithMessage("connection lost during login"), errs.WithCause(err))
		}
		if err := s.handleFrame(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// writeControl sends one text control frame, paced so bursts of subscription
// requests stay inside venue control-message limits.
func (s *Session) writeControl(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return ctx.Err()
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		return errs.New(errs.KindTransientNetwork,
			errs.WithExchange(s.d.Exchange()), errs.WithMessage("write control frame"), errs.WithCause(err))
	}
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context, stop context.CancelFunc, conn *websocket.Conn, ping []byte, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, ping)
			cancel()
			if err != nil {
				stop()
				return
			}
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context, stop context.CancelFunc, interval time.Duration, keepErr chan<- error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := s.d.Keepalive(kctx)
			cancel()
			if err == nil {
				continue
			}
			// Only a dead listen key forces a reconnect; a refresh that
			// failed transiently retries on the next tick.
			if errs.KindOf(err) != errs.KindStaleListenKey {
				observability.Log().Warn("keepalive failed",
					observability.F("exchange", s.d.Exchange()),
					observability.F("session", s.id),
					observability.F("error", err))
				continue
			}
			select {
			case keepErr <- err:
			default:
			}
			stop()
			return
		}
	}
}
