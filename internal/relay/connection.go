// Package relay owns the websocket connections to relays: one worker per
// relay with its own reconnect backoff, and a Pool that fans messages in
// and out across all of them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bookstr/internal/types"
)

var ErrNotConnected = errors.New("relay not connected")

const maxMessageSize = 4 << 20

// Listener receives everything a connection reads and every status change.
// Calls come from the relay's worker goroutine and must not block on I/O.
type Listener interface {
	HandleMessage(relayURL string, raw []byte)
	HandleStatus(relayURL string, status types.RelayStatus)
}

// Options configure connections created by a Pool
type Options struct {
	Dialer       *websocket.Dialer
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// OnRetry is called each time a reconnect is scheduled. attempt is the
	// number of consecutive failures (0 after a dropped connection).
	OnRetry func(relayURL string, attempt int, delay time.Duration)
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		o.Dialer = &d
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Connection manages the socket of a single relay
type Connection struct {
	url      string
	opts     Options
	backoff  *Backoff
	listener Listener

	mu       sync.RWMutex
	endpoint types.RelayEndpoint
	conn     *websocket.Conn

	writeMu sync.Mutex

	kick      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
}

// NewConnection creates a stopped connection; call Start to run it
func NewConnection(relayURL string, opts Options, listener Listener) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		url:      relayURL,
		opts:     opts,
		backoff:  NewBackoff(opts.BackoffBase, opts.BackoffMax),
		listener: listener,
		endpoint: types.RelayEndpoint{URL: relayURL, Status: types.StatusDisconnected},
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// URL returns the normalized relay URL
func (c *Connection) URL() string {
	return c.url
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close stops the worker and closes the socket
func (c *Connection) Close() {
	c.cancel()
	c.startOnce.Do(func() {
		close(c.done)
	})
	<-c.done
}

// Kick cuts a pending backoff wait short. A live socket is left alone.
func (c *Connection) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Endpoint returns a snapshot of the relay's state
func (c *Connection) Endpoint() types.RelayEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// Status returns the current connection status
func (c *Connection) Status() types.RelayStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint.Status
}

// Send writes one message. When the relay is not connected the message is
// dropped and ErrNotConnected returned.
func (c *Connection) Send(msg []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		// the read loop sees the closed socket and reconnects
		conn.Close()
		return fmt.Errorf("write to %s: %w", c.url, err)
	}
	return nil
}

func (c *Connection) run() {
	defer close(c.done)

	failures := 0
	for {
		if c.ctx.Err() != nil {
			c.setDisconnected()
			return
		}

		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				c.setDisconnected()
				return
			}
			failures++
			c.setFailed()
			delay := c.backoff.Next()
			slog.Debug("relay connect failed", "relay", c.url, "attempt", failures, "retry_in", delay, "error", err)
			if !c.wait(failures, delay) {
				c.setDisconnected()
				return
			}
			continue
		}

		failures = 0
		c.backoff.Reset()
		c.setConnected(conn)
		slog.Debug("relay connected", "relay", c.url)

		c.readLoop(conn)

		conn.Close()
		c.setDisconnected()
		if c.ctx.Err() != nil {
			return
		}
		slog.Debug("relay disconnected", "relay", c.url)
		if !c.wait(0, c.backoff.Next()) {
			return
		}
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	c.mu.Lock()
	c.endpoint.Status = types.StatusConnecting
	c.endpoint.LastAttemptAt = time.Now()
	c.mu.Unlock()
	c.emitStatus(types.StatusConnecting)

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// wait sleeps for delay, returning false if the connection was closed
func (c *Connection) wait(attempt int, delay time.Duration) bool {
	if c.opts.OnRetry != nil {
		c.opts.OnRetry(c.url, attempt, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-c.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	// unblock ReadMessage when the connection is closed
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Debug("relay read error", "relay", c.url, "error", err)
			}
			return
		}
		if c.listener != nil {
			c.listener.HandleMessage(c.url, raw)
		}
	}
}

func (c *Connection) setConnected(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.endpoint.Status = types.StatusConnected
	c.endpoint.ConsecutiveFailures = 0
	c.endpoint.LastSuccessAt = time.Now()
	c.mu.Unlock()
	c.emitStatus(types.StatusConnected)
}

func (c *Connection) setFailed() {
	c.mu.Lock()
	c.conn = nil
	c.endpoint.Status = types.StatusFailed
	c.endpoint.ConsecutiveFailures++
	c.mu.Unlock()
	c.emitStatus(types.StatusFailed)
}

func (c *Connection) setDisconnected() {
	c.mu.Lock()
	changed := c.endpoint.Status != types.StatusDisconnected
	c.conn = nil
	c.endpoint.Status = types.StatusDisconnected
	c.mu.Unlock()
	if changed {
		c.emitStatus(types.StatusDisconnected)
	}
}

func (c *Connection) emitStatus(status types.RelayStatus) {
	if c.listener != nil {
		c.listener.HandleStatus(c.url, status)
	}
}
