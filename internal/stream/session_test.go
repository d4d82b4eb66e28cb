package stream

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/feedmux/internal/errs"
)

type fakeDialect struct {
	url            string
	authFrames     [][]byte
	subFrames      [][]byte
	keepaliveEvery time.Duration

	authed atomic.Bool
	closed atomic.Int32

	mu        sync.Mutex
	resets    int
	primes    int
	handled   []string
	keepErrs  []error
	keepCalls int
}

func (f *fakeDialect) Exchange() string                         { return "fake" }
func (f *fakeDialect) Endpoint(context.Context) (string, error) { return f.url, nil }
func (f *fakeDialect) AuthFrames() ([][]byte, error)            { return f.authFrames, nil }
func (f *fakeDialect) Authenticated() bool {
	return len(f.authFrames) == 0 || f.authed.Load()
}
func (f *fakeDialect) SubscribeFrames() ([][]byte, error) { return f.subFrames, nil }
func (f *fakeDialect) Prime(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primes++
	return nil
}
func (f *fakeDialect) Decode(raw []byte) ([]byte, error) {
	if bytes.HasPrefix(raw, []byte("junk")) {
		return nil, errs.New(errs.KindProtocolDecode, errs.WithMessage("junk frame"))
	}
	return raw, nil
}
func (f *fakeDialect) Handle(_ context.Context, frame []byte) error {
	msg := string(frame)
	switch {
	case msg == "auth-ack":
		f.authed.Store(true)
		return nil
	case msg == "stop":
		return errs.New(errs.KindFatalConfig, errs.WithMessage("scripted stop"))
	case strings.HasPrefix(msg, "bad"):
		return errs.New(errs.KindProtocolDecode, errs.WithMessage("scripted decode failure"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, msg)
	return nil
}
func (f *fakeDialect) Heartbeat() ([]byte, time.Duration) { return nil, 0 }
func (f *fakeDialect) KeepaliveInterval() time.Duration   { return f.keepaliveEvery }

// Keepalive consumes keepErrs in order; once exhausted it succeeds.
func (f *fakeDialect) Keepalive(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepCalls++
	if len(f.keepErrs) == 0 {
		return nil
	}
	err := f.keepErrs[0]
	f.keepErrs = f.keepErrs[1:]
	return err
}
func (f *fakeDialect) Reset() {
	f.authed.Store(false)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}
func (f *fakeDialect) Close(context.Context) error {
	f.closed.Add(1)
	return nil
}

// wsServer runs script against each accepted connection.
func wsServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn) error) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		if err := script(r.Context(), c); err != nil {
			t.Logf("server script: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNewRequiresDialect(t *testing.T) {
	if _, err := New(Options{}); errs.KindOf(err) != errs.KindFatalConfig {
		t.Fatalf("err = %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, c *websocket.Conn) error {
		// Login, then ack.
		_, auth, err := c.Read(ctx)
		if err != nil {
			return err
		}
		if string(auth) != "login-frame" {
			t.Errorf("auth frame = %q", auth)
		}
		if err := c.Write(ctx, websocket.MessageText, []byte("auth-ack")); err != nil {
			return err
		}
		// Subscription.
		_, sub, err := c.Read(ctx)
		if err != nil {
			return err
		}
		if string(sub) != "subscribe-frame" {
			t.Errorf("subscribe frame = %q", sub)
		}
		// Data, one undecodable frame, one rejected frame, then the scripted
		// stop that ends the test.
		for _, frame := range []string{"data-1", "junk-frame", "bad-frame", "data-2", "stop"} {
			if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return err
			}
		}
		c.Read(ctx)
		return nil
	})

	fake := &fakeDialect{
		url:        wsURL(srv),
		authFrames: [][]byte{[]byte("login-frame")},
		subFrames:  [][]byte{[]byte("subscribe-frame")},
	}
	s, err := New(Options{Dialect: fake, ControlInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runErr := s.Run(ctx)
	if errs.KindOf(runErr) != errs.KindFatalConfig {
		t.Fatalf("run err = %v", runErr)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.resets != 1 || fake.primes != 1 {
		t.Fatalf("resets = %d, primes = %d", fake.resets, fake.primes)
	}
	// Undecodable and rejected frames are dropped, not fatal; the stream kept
	// going and delivered data-2 afterwards.
	if len(fake.handled) != 2 || fake.handled[0] != "data-1" || fake.handled[1] != "data-2" {
		t.Fatalf("handled = %v", fake.handled)
	}
	if fake.closed.Load() != 1 {
		t.Fatalf("close calls = %d", fake.closed.Load())
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, c *websocket.Conn) error {
		// Accept and stay silent.
		c.Read(ctx)
		return nil
	})

	fake := &fakeDialect{url: wsURL(srv)}
	s, err := New(Options{Dialect: fake, IdleTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connErr := s.runConn(ctx)
	if errs.KindOf(connErr) != errs.KindTransientNetwork {
		t.Fatalf("err = %v", connErr)
	}
	if !strings.Contains(connErr.Error(), "no frame within") {
		t.Fatalf("err = %v, want idle timeout", connErr)
	}
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := wsServer(t, func(ctx context.Context, c *websocket.Conn) error {
		n := conns.Add(1)
		if n == 1 {
			// First connection dies immediately; the session must dial again.
			return nil
		}
		if err := c.Write(ctx, websocket.MessageText, []byte("stop")); err != nil {
			return err
		}
		c.Read(ctx)
		return nil
	})

	fake := &fakeDialect{url: wsURL(srv)}
	s, err := New(Options{Dialect: fake})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runErr := s.Run(ctx)
	if errs.KindOf(runErr) != errs.KindFatalConfig {
		t.Fatalf("run err = %v", runErr)
	}
	if conns.Load() < 2 {
		t.Fatalf("connections = %d, want a reconnect", conns.Load())
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	// Reset runs once per connection attempt so books re-seed after reconnect.
	if fake.resets < 2 {
		t.Fatalf("resets = %d", fake.resets)
	}
}

func TestSessionSurvivesTransientKeepaliveFailure(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, c *websocket.Conn) error {
		// Stay quiet long enough for several keepalive ticks, then deliver
		// data and the scripted stop.
		time.Sleep(200 * time.Millisecond)
		for _, frame := range []string{"data-1", "stop"} {
			if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return err
			}
		}
		c.Read(ctx)
		return nil
	})

	fake := &fakeDialect{
		url:            wsURL(srv),
		keepaliveEvery: 30 * time.Millisecond,
		keepErrs: []error{
			errs.New(errs.KindTransientNetwork, errs.WithMessage("refresh timed out")),
		},
	}
	s, err := New(Options{Dialect: fake})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runErr := s.Run(ctx)
	if errs.KindOf(runErr) != errs.KindFatalConfig {
		t.Fatalf("run err = %v", runErr)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	// The failed refresh was retried on the next tick instead of tearing the
	// session down, and the stream kept delivering afterwards.
	if fake.keepCalls < 2 {
		t.Fatalf("keepalive calls = %d, want a retry after the failure", fake.keepCalls)
	}
	if len(fake.handled) != 1 || fake.handled[0] != "data-1" {
		t.Fatalf("handled = %v", fake.handled)
	}
}

func TestSessionStaleListenKeyTearsDown(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, c *websocket.Conn) error {
		// Accept and stay silent; the keepalive failure ends the connection.
		c.Read(ctx)
		return nil
	})

	fake := &fakeDialect{
		url:            wsURL(srv),
		keepaliveEvery: 20 * time.Millisecond,
		keepErrs: []error{
			errs.New(errs.KindStaleListenKey, errs.WithMessage("listen key expired")),
		},
	}
	s, err := New(Options{Dialect: fake})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connErr := s.runConn(ctx)
	if errs.KindOf(connErr) != errs.KindStaleListenKey {
		t.Fatalf("err = %v, want stale listen key", connErr)
	}
}
