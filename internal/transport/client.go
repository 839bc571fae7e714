// Package transport owns the single persistent reverse WebSocket
// connection to the remote bot endpoint: it serializes outgoing protocol
// events, deserializes inbound API requests, and manages reconnection,
// backoff and heartbeat.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"wxbridge/internal/bus"
	"wxbridge/internal/config"
	"wxbridge/internal/domain"
	"wxbridge/internal/onebot"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	idleGrace        = 5 * time.Second
)

// Options configures the transport client. Reconfigure swaps them at
// runtime; the next connection attempt picks up the new values.
type Options struct {
	URL             string
	AccessToken     string
	SelfID          string
	Heartbeat       time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	StabilityWindow time.Duration
	OutboundBuffer  int
}

// OptionsFromConfig maps the config section to client options.
func OptionsFromConfig(t config.TransportConfig) Options {
	return Options{
		URL:             t.WSURL,
		AccessToken:     t.AccessToken,
		SelfID:          t.SelfID,
		Heartbeat:       time.Duration(t.HeartbeatIntervalSeconds) * time.Second,
		ReconnectMin:    time.Duration(t.ReconnectMinSeconds) * time.Second,
		ReconnectMax:    time.Duration(t.ReconnectMaxSeconds) * time.Second,
		StabilityWindow: time.Duration(t.StabilityWindowSeconds) * time.Second,
		OutboundBuffer:  t.OutboundBuffer,
	}
}

// Client maintains the outbound connection. Inbound API requests land on
// the inbound queue; events offered while disconnected wait in a bounded
// drop-oldest buffer.
type Client struct {
	conv    *onebot.Converter
	inbound *bus.Queue[onebot.APIRequest]
	buffer  *bus.Ring[onebot.Event]
	logger  *slog.Logger

	optMu sync.RWMutex
	opts  Options

	state atomic.Int32

	connMu sync.Mutex // guards conn and all writes on it
	conn   *websocket.Conn

	errMu   sync.Mutex
	lastErr error

	lastInbound atomic.Int64 // unix nanos of the last inbound frame

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Client delivering inbound API requests to inbound.
func New(opts Options, conv *onebot.Converter, inbound *bus.Queue[onebot.APIRequest], logger *slog.Logger) *Client {
	return &Client{
		conv:    conv,
		inbound: inbound,
		buffer:  bus.NewRing[onebot.Event](opts.OutboundBuffer),
		logger:  logger,
		opts:    opts,
	}
}

// Start launches the connection loop. It fails fast when no endpoint is
// configured; everything else is retried inside the loop. Idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}
	if c.options().URL == "" {
		return fmt.Errorf("transport endpoint not configured: %w", domain.ErrFatalConfig)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.run(loopCtx)
	return nil
}

// Stop closes the connection and halts reconnection. Safe to call more
// than once.
func (c *Client) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.setState(StateClosing)
	c.cancel()
	c.closeConn()
	c.wg.Wait()
	c.running = false
	c.setState(StateDisconnected)
	c.logger.Info("transport stopped")
}

// Running reports whether the connection loop is active.
func (c *Client) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Online reports whether the connection is established.
func (c *Client) Online() bool {
	return c.State() == StateConnected
}

// LastError returns the most recent connection or delivery error.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Dropped returns how many outbound events the overflow policy evicted.
func (c *Client) Dropped() int64 {
	return c.buffer.Dropped()
}

// Pending returns the number of buffered outbound events.
func (c *Client) Pending() int {
	return c.buffer.Len()
}

// Reconfigure swaps the endpoint and token and forces a reconnect.
func (c *Client) Reconfigure(url, token string) {
	c.optMu.Lock()
	c.opts.URL = url
	c.opts.AccessToken = token
	c.optMu.Unlock()
	c.logger.Info("transport reconfigured", "url", url)
	c.closeConn()
}

// Send delivers an event to the remote endpoint. When not connected, or
// when the write fails, the event waits in the bounded outbound buffer;
// a full buffer evicts the oldest event and records the overflow.
func (c *Client) Send(ev onebot.Event) {
	if c.State() == StateConnected {
		err := c.writeJSON(ev)
		if err == nil {
			return
		}
		c.recordErr(err)
	}
	if c.buffer.Push(ev) {
		c.recordErr(fmt.Errorf("outbound buffer full, oldest event dropped: %w", domain.ErrOverload))
		c.logger.Warn("outbound buffer overflow", "dropped_total", c.buffer.Dropped())
	}
}

// SendResponse answers an API request. Responses are not buffered: a peer
// that is gone has no use for them.
func (c *Client) SendResponse(resp onebot.APIResponse) error {
	if c.State() != StateConnected {
		return fmt.Errorf("not connected: %w", domain.ErrTransient)
	}
	return c.writeJSON(resp)
}

func (c *Client) options() Options {
	c.optMu.RLock()
	defer c.optMu.RUnlock()
	return c.opts
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Info("connection state", "from", old.String(), "to", s.String())
	}
}

func (c *Client) recordErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// run is the connection loop: dial, serve the session until it breaks,
// back off, repeat. Backoff doubles up to the cap and resets to the floor
// after a stable connected period.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.options().ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		opts := c.options()
		c.setState(StateConnecting)

		conn, err := c.dial(ctx, opts)
		if err != nil {
			c.recordErr(fmt.Errorf("handshake failed: %w", domain.ErrTransient))
			c.logger.Warn("connect failed", "url", opts.URL, "err", err, "retry_in", backoff)
			c.setState(StateDisconnected)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, opts.ReconnectMax)
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.setState(StateConnected)
		c.lastInbound.Store(time.Now().UnixNano())
		connectedAt := time.Now()
		c.logger.Info("connected", "url", opts.URL)

		if err := c.writeJSON(c.conv.LifecycleEvent(onebot.LifecycleConnect)); err != nil {
			c.logger.Warn("lifecycle event failed", "err", err)
		}
		c.flushBuffer()

		readErr := c.serve(ctx, conn, opts)
		c.closeConn()

		if ctx.Err() != nil {
			return
		}
		c.recordErr(readErr)
		c.setState(StateDisconnected)
		c.logger.Warn("connection lost", "err", readErr, "retry_in", backoff)

		if time.Since(connectedAt) >= opts.StabilityWindow {
			backoff = opts.ReconnectMin
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, opts.ReconnectMax)
	}
}

// dial performs the WebSocket handshake with the protocol's identification
// headers.
func (c *Client) dial(ctx context.Context, opts Options) (*websocket.Conn, error) {
	header := http.Header{}
	if opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+opts.AccessToken)
	}
	header.Set("X-Self-ID", opts.SelfID)
	header.Set("X-Client-Role", "Universal")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// serve reads frames until the connection breaks. A heartbeat ticker runs
// alongside: it sends keep-alives and forces a disconnect when nothing
// inbound arrives for too long.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, opts Options) error {
	sessionCtx, stopSession := context.WithCancel(ctx)
	defer stopSession()

	c.wg.Add(1)
	go c.heartbeatLoop(sessionCtx, conn, opts)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.lastInbound.Store(time.Now().UnixNano())

		var req onebot.APIRequest
		if err := json.Unmarshal(data, &req); err != nil {
			// Malformed frames are dropped individually, never fatal.
			c.logger.Warn("malformed frame discarded", "err", err, "len", len(data))
			continue
		}
		if req.Action == "" {
			c.logger.Debug("non-action frame ignored", "len", len(data))
			continue
		}
		if !c.inbound.Put(req) {
			c.logger.Warn("inbound queue rejected action", "action", req.Action)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, opts Options) {
	defer c.wg.Done()
	idleTimeout := 2*opts.Heartbeat + idleGrace
	ticker := time.NewTicker(opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle := time.Since(time.Unix(0, c.lastInbound.Load())); idle > idleTimeout {
				c.logger.Warn("no inbound traffic, forcing reconnect", "idle", idle)
				conn.Close()
				return
			}
			if err := c.writeJSON(c.conv.HeartbeatEvent(opts.Heartbeat)); err != nil {
				c.logger.Debug("heartbeat write failed", "err", err)
				return
			}
		}
	}
}

// flushBuffer replays events queued while disconnected, oldest first.
func (c *Client) flushBuffer() {
	for {
		ev, ok := c.buffer.Pop()
		if !ok {
			return
		}
		if err := c.writeJSON(ev); err != nil {
			// Connection broke mid-flush: put it back and let the
			// reconnect path retry.
			c.buffer.Push(ev)
			return
		}
	}
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("no connection: %w", domain.ErrTransient)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
}

// nextBackoff doubles the delay up to max.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
