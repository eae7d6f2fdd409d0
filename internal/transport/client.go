package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/Lexorius/ontime-ha/internal/ontime"
)

// ConnectionState describes the lifecycle of the logical server link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateBackoff      ConnectionState = "backoff"
)

// Status is the current connection state plus, while in backoff, the
// error that put it there.
type Status struct {
	State     ConnectionState
	LastError error
}

// Inbound is one decoded server frame. Resync marks the first frame of
// each (re)established connection: the previous stream was abandoned, so
// state must be rebuilt rather than compared against pre-gap snapshots.
type Inbound struct {
	Envelope ontime.Envelope
	Resync   bool
}

// Command is one transport-level request against the server's playback
// API, path relative to the API root.
type Command struct {
	Method string
	Path   string
}

// Ack is a server acknowledgement of an accepted command.
type Ack struct {
	Body json.RawMessage
}

// Config holds connection parameters for one Ontime server.
type Config struct {
	Host string
	Port int

	DialTimeout time.Duration
	SendTimeout time.Duration
	ReadTimeout time.Duration

	PingInterval    time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	StabilityWindow time.Duration

	MaxMessageSize int64
	MessageBuffer  int

	// ProtocolErrorLimit is how many consecutive undecodable frames are
	// tolerated before the stream is considered desynchronized and the
	// connection dropped for a clean reconnect.
	ProtocolErrorLimit int
}

// DefaultConfig returns the connection defaults for an Ontime server.
func DefaultConfig(host string, port int) Config {
	return Config{
		Host:               host,
		Port:               port,
		DialTimeout:        10 * time.Second,
		SendTimeout:        10 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingInterval:       30 * time.Second,
		ReconnectMin:       time.Second,
		ReconnectMax:       30 * time.Second,
		StabilityWindow:    60 * time.Second,
		MaxMessageSize:     64 * 1024,
		MessageBuffer:      256,
		ProtocolErrorLimit: 8,
	}
}

// Client owns the single logical connection to the Ontime server: a
// websocket carrying pushed state and an HTTP path submitting commands.
// Run drives the websocket with automatic reconnect; Send may be called
// from any goroutine.
type Client struct {
	cfg   Config
	clock clockwork.Clock

	wsURL   string
	baseURL string
	httpc   *http.Client

	msgCh chan Inbound

	mu     sync.RWMutex
	status Status

	// sendMu serializes the HTTP command path; pingMu serializes
	// websocket control writes. The two paths share no connection, so
	// coupling them would let a slow command delay keepalive pings.
	sendMu sync.Mutex
	pingMu sync.Mutex

	// dialFn is swapped in tests to avoid a real listener.
	dialFn func(ctx context.Context) (*websocket.Conn, error)
}

// New creates a client for the given server. Run must be called before
// any messages arrive.
func New(cfg Config, clock clockwork.Clock) *Client {
	c := &Client{
		cfg:     cfg,
		clock:   clock,
		wsURL:   fmt.Sprintf("ws://%s/ws", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))),
		baseURL: fmt.Sprintf("http://%s/api/v1", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))),
		httpc:   &http.Client{Timeout: cfg.SendTimeout},
		msgCh:   make(chan Inbound, cfg.MessageBuffer),
		status:  Status{State: StateDisconnected},
	}
	c.dialFn = c.dialWebsocket
	return c
}

// Messages returns the inbound message stream. It is closed when Run
// returns; it is not restartable across Run calls.
func (c *Client) Messages() <-chan Inbound {
	return c.msgCh
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(state ConnectionState, err error) {
	c.mu.Lock()
	c.status = Status{State: state, LastError: err}
	c.mu.Unlock()
}

// Run maintains the websocket connection until ctx is cancelled,
// reconnecting with capped exponential backoff. Backoff waits are cut
// short immediately on cancellation.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.msgCh)
	bo := newBackoff(c.cfg.ReconnectMin, c.cfg.ReconnectMax)

	for {
		if ctx.Err() != nil {
			c.setStatus(StateDisconnected, nil)
			return ctx.Err()
		}

		c.setStatus(StateConnecting, nil)
		conn, err := c.dialFn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(StateDisconnected, nil)
				return ctx.Err()
			}
			if !c.enterBackoff(ctx, bo, err) {
				return ctx.Err()
			}
			continue
		}

		c.setStatus(StateConnected, nil)
		connectedAt := c.clock.Now()
		log.Info().Str("url", c.wsURL).Msg("connected to ontime server")

		err = c.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			c.setStatus(StateDisconnected, nil)
			return ctx.Err()
		}

		// A link that held for the stability window was healthy; restart
		// the backoff schedule instead of compounding old failures.
		if c.clock.Since(connectedAt) >= c.cfg.StabilityWindow {
			bo.Reset()
		}
		if !c.enterBackoff(ctx, bo, err) {
			return ctx.Err()
		}
	}
}

// enterBackoff records the failure and waits out the next backoff delay.
// Returns false if the wait was interrupted by cancellation.
func (c *Client) enterBackoff(ctx context.Context, bo *backoff, cause error) bool {
	delay := bo.Next()
	c.setStatus(StateBackoff, cause)
	log.Warn().
		Err(cause).
		Dur("retry_in", delay).
		Msg("connection lost, backing off")

	timer := c.clock.NewTimer(delay)
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
		c.setStatus(StateDisconnected, nil)
		return false
	}
}

func (c *Client) dialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, newError(CodeConnectionLost, err)
	}
	return conn, nil
}

// readLoop pumps frames from one connection into the message channel
// until the connection fails or ctx is cancelled. The first decoded
// frame of the connection carries the Resync mark.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	first := true
	protoErrs := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return newError(CodeConnectionLost, err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		env, derr := ontime.DecodeEnvelope(data)
		if derr != nil {
			protoErrs++
			log.Warn().
				Err(derr).
				Int("consecutive", protoErrs).
				Msg("skipping undecodable frame")
			if protoErrs >= c.cfg.ProtocolErrorLimit {
				// A sustained run means the stream itself is desynced;
				// a clean reconnect beats guessing at frame boundaries.
				return newError(CodeConnectionLost,
					fmt.Errorf("%d consecutive protocol errors", protoErrs))
			}
			continue
		}
		protoErrs = 0

		select {
		case c.msgCh <- Inbound{Envelope: env, Resync: first}:
			first = false
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.pingMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.cfg.SendTimeout))
			c.pingMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Send submits one command over the HTTP command path. It fails fast
// with CodeNotConnected while the link is down rather than queueing, and
// never waits longer than the configured send timeout. A non-2xx
// response comes back as *Rejection with the server's reason.
func (c *Client) Send(ctx context.Context, cmd Command) (Ack, error) {
	if c.Status().State != StateConnected {
		return Ack{}, NotConnectedError()
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, cmd.Method, c.baseURL+cmd.Path, nil)
	if err != nil {
		return Ack{}, newError(CodeProtocolError, err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Ack{}, newError(CodeTimeout, err)
		}
		return Ack{}, newError(CodeConnectionLost, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Ack{Body: body}, nil
	}

	reason := strings.TrimSpace(string(body))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return Ack{}, &Rejection{Status: resp.StatusCode, Reason: reason}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
