// Package relay maintains the adapter's persistent WebSocket connection to
// the relay server, reconnecting forever with a constant delay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/browserclaw/internal/config"
	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

// State is the connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const handshakeTimeout = 30 * time.Second
const writeTimeout = 10 * time.Second

// bootPingID correlates the connectivity probe sent after every hello.
const bootPingID = "boot-1"

// Handler routes one decoded command to a result. The second return reports
// whether a result should be sent back at all.
type Handler interface {
	Handle(ctx context.Context, cmd protocol.Command) (protocol.Result, bool)
}

// Client is the adapter side of the relay connection.
type Client struct {
	cfg     config.RelayConfig
	handler Handler

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu           sync.RWMutex
	state        State
	reconnecting bool
	lastError    error
	reconnects   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(cfg config.RelayConfig, handler Handler) *Client {
	return &Client{cfg: cfg, handler: handler, state: StateDisconnected}
}

// Start begins the connection loop. Safe to call more than once; a running
// loop is left alone. The loop is registered with the wait group before the
// goroutine spawns so an immediate Stop still waits for it.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(ctx)
	}
	if c.reconnecting {
		L_debug("relay client: connect loop already running, skipping")
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.connectLoop()
}

// Stop tears down the connection and waits for the loops to exit.
func (c *Client) Stop() {
	L_info("relay client: stopping")
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
	L_info("relay client: stopped")
}

// State reports the current connection phase.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
}

// Send writes one JSON frame. Frames produced while disconnected are
// dropped; the controller re-issues commands, the adapter never queues.
func (c *Client) Send(v any) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected || conn == nil {
		L_warn("relay client: dropping frame, not connected", "state", state)
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// connectLoop dials forever with a constant retry delay. Only one loop runs
// at a time; Start enforces that.
func (c *Client) connectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.cfg.ResolveRetryDelay()
	L_debug("relay client: connect loop started", "url", c.cfg.URL, "retryDelay", delay)

	for {
		select {
		case <-c.ctx.Done():
			L_debug("relay client: connect loop cancelled")
			return
		default:
		}

		if err := c.connect(); err != nil {
			L_warn("relay client: connection failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		L_info("relay client: connected", "url", c.cfg.URL)

		keepaliveDone := make(chan struct{})
		go c.keepaliveLoop(keepaliveDone)
		c.readLoop()
		close(keepaliveDone)

		c.closeConn()
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			L_debug("relay client: connect loop cancelled after disconnect")
			return
		default:
			L_info("relay client: connection lost, reconnecting", "delay", delay)
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// connect dials the relay, announces the adapter role and probes the link
// with a boot ping.
func (c *Client) connect() error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, http.Header{})
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastError = err
		c.mu.Unlock()
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.Send(protocol.NewHello(protocol.RoleAdapter)); err != nil {
		c.closeConn()
		return fmt.Errorf("send hello: %w", err)
	}
	if err := c.Send(protocol.Command{ID: bootPingID, Cmd: "ping"}); err != nil {
		c.closeConn()
		return fmt.Errorf("send boot ping: %w", err)
	}
	L_debug("relay client: hello and boot ping sent")
	return nil
}

// readLoop consumes frames until the connection drops. Commands fan out to
// the handler; anything else (acks, status broadcasts, the boot pong) is
// informational.
func (c *Client) readLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			L_debug("relay client: read loop exiting", "error", err)
			return
		}

		cmd, ok := protocol.DecodeCommand(raw)
		if !ok {
			L_trace("relay client: informational frame", "raw", string(raw))
			continue
		}

		go c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd protocol.Command) {
	res, send := c.handler.Handle(c.ctx, cmd)
	if !send {
		return
	}
	if err := c.Send(res); err != nil {
		L_warn("relay client: result send failed", "id", cmd.ID, "error", err)
	}
}

// keepaliveLoop sends ws-level pings so idle NATs and proxies keep the
// connection open.
func (c *Client) keepaliveLoop(done chan struct{}) {
	interval := c.cfg.ResolveKeepalive()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				L_debug("relay client: keepalive failed", "error", err)
				return
			}
		}
	}
}

// Reconnects reports how many times the connection has been re-established.
func (c *Client) Reconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}
