package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lexorius/ontime-ha/internal/ontime"
)

func testConfig(t *testing.T, addr string) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig(host, port)
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 80 * time.Millisecond
	return cfg
}

func TestSendFailsFastWhenNotConnected(t *testing.T) {
	c := New(DefaultConfig("localhost", 4001), clockwork.NewRealClock())

	start := time.Now()
	_, err := c.Send(context.Background(), Command{Method: http.MethodPost, Path: "/playback/start"})

	assert.True(t, IsCode(err, CodeNotConnected))
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"not-connected must fail immediately, not after a network timeout")
}

func TestSendMapsServerResponses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/playback/start":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		case "/api/v1/playback/load/bogus":
			http.Error(w, "unknown event id", http.StatusNotFound)
		default:
			http.Error(w, "no such route", http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(testConfig(t, ts.Listener.Addr().String()), clockwork.NewRealClock())
	c.setStatus(StateConnected, nil)

	ack, err := c.Send(context.Background(), Command{Method: http.MethodPost, Path: "/playback/start"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(ack.Body))

	_, err = c.Send(context.Background(), Command{Method: http.MethodPost, Path: "/playback/load/bogus"})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusNotFound, rej.Status)
	assert.Equal(t, "unknown event id", rej.Reason)
}

func TestSendTimesOut(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	cfg := testConfig(t, ts.Listener.Addr().String())
	cfg.SendTimeout = 50 * time.Millisecond
	c := New(cfg, clockwork.NewRealClock())
	c.setStatus(StateConnected, nil)

	_, err := c.Send(context.Background(), Command{Method: http.MethodPost, Path: "/playback/start"})
	assert.True(t, IsCode(err, CodeTimeout), "got %v", err)
}

func TestSendNotSerializedWithKeepalivePings(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(testConfig(t, ts.Listener.Addr().String()), clockwork.NewRealClock())
	c.setStatus(StateConnected, nil)

	// A ping write in flight holds its own lock; commands must not
	// queue behind it.
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	start := time.Now()
	_, err := c.Send(context.Background(), Command{Method: http.MethodPost, Path: "/playback/start"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"command path must not wait on the websocket control-write lock")
}

func TestRunBacksOffBetweenFailedDials(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(DefaultConfig("localhost", 4001), fc)

	var attempts atomic.Int32
	c.dialFn = func(ctx context.Context) (*websocket.Conn, error) {
		attempts.Add(1)
		return nil, NotConnectedError()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// First attempt fails and the client parks on a backoff timer.
	fc.BlockUntil(1)
	assert.Equal(t, int32(1), attempts.Load())
	st := c.Status()
	assert.Equal(t, StateBackoff, st.State)
	assert.Error(t, st.LastError)

	// 1s delay, then the second attempt, then a 2s delay.
	fc.Advance(time.Second)
	fc.BlockUntil(1)
	assert.Equal(t, int32(2), attempts.Load())

	fc.Advance(time.Second)
	assert.Equal(t, int32(2), attempts.Load(), "second delay is 2s, 1s must not trigger a dial")
	fc.Advance(time.Second)
	fc.BlockUntil(1)
	assert.Equal(t, int32(3), attempts.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestShutdownInterruptsBackoffWait(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(DefaultConfig("localhost", 4001), fc)
	c.dialFn = func(ctx context.Context) (*websocket.Conn, error) {
		return nil, NotConnectedError()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Park in the backoff wait, then cancel without advancing the clock:
	// shutdown must not wait out the delay.
	fc.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited for the backoff delay")
	}
	assert.Equal(t, StateDisconnected, c.Status().State)
}

// wsTestServer upgrades incoming connections and hands them to serve.
func wsTestServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
}

func TestReceiveStreamMarksResyncAndSkipsBadFrames(t *testing.T) {
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ontime-timer","payload":{"current":5000}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ontime-runtime","payload":{"playback":"play"}}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer ts.Close()

	c := New(testConfig(t, ts.Listener.Addr().String()), clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := <-c.Messages()
	assert.True(t, first.Resync, "first frame of a connection rebuilds state")
	assert.Equal(t, ontime.MessageTimer, first.Envelope.Type)

	second := <-c.Messages()
	assert.False(t, second.Resync)
	assert.Equal(t, ontime.MessageRuntime, second.Envelope.Type,
		"undecodable frame must be skipped, not end the stream")

	cancel()
	<-done
}

func TestSustainedProtocolErrorsDropConnection(t *testing.T) {
	var dials atomic.Int32
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		if dials.Add(1) > 1 {
			// Keep the reconnect attempt alive quietly.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		for i := 0; i < 8; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer ts.Close()

	c := New(testConfig(t, ts.Listener.Addr().String()), clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return dials.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond,
		"a sustained run of protocol errors must force a reconnect")

	cancel()
	<-done
}

func TestReconnectMarksNextFrameResync(t *testing.T) {
	var dials atomic.Int32
	ts := wsTestServer(t, func(conn *websocket.Conn) {
		n := dials.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ontime-timer","payload":{"current":-100}}`))
		if n == 1 {
			return // drop the first connection after one frame
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer ts.Close()

	c := New(testConfig(t, ts.Listener.Addr().String()), clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := <-c.Messages()
	assert.True(t, first.Resync)

	// The server drops the link; after reconnect the next frame starts a
	// fresh stream.
	second := <-c.Messages()
	assert.True(t, second.Resync, "post-reconnect frame must carry the resync mark")

	cancel()
	<-done
}
