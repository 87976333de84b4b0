// Package signaling implements the client side of the duplex connection to the
// signaling relay.
//
// A Channel owns one websocket at a time. When the relay drops the connection
// the channel dials a fresh one under the configured reconnect policy; nothing
// sent before the drop is replayed, so observers are told about the reconnect
// and must rebuild their room state.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/models"
)

var (
	// ErrChannelClosed is returned by Send when no connection is open.
	ErrChannelClosed = errors.New("signaling channel closed")
	// ErrChannelUnavailable means the relay stayed unreachable for the whole
	// reconnect budget.
	ErrChannelUnavailable = errors.New("signaling relay unavailable")
	// ErrSendBufferFull is returned when the outbound queue is saturated.
	ErrSendBufferFull = errors.New("signaling send buffer full")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// State is a connection lifecycle notification.
type State int

const (
	StateConnected State = iota
	StateReconnecting
	StateReconnected
	StateUnavailable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnected:
		return "reconnected"
	case StateUnavailable:
		return "unavailable"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BackoffPolicy selects how reconnect attempts are spaced.
type BackoffPolicy string

const (
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffExponential BackoffPolicy = "exponential"
)

// Options configures Connect.
type Options struct {
	// Reconnect enables redialing after an unexpected disconnect.
	Reconnect bool
	// MaxAttempts bounds the number of dials per (re)connect cycle.
	MaxAttempts int
	Backoff     BackoffPolicy
	// Delay is the fixed delay, or the initial delay for exponential backoff.
	Delay    time.Duration
	MaxDelay time.Duration

	Header     http.Header
	Dialer     *websocket.Dialer
	SendBuffer int
	Logger     *logrus.Entry
}

// DefaultOptions mirror the browser client: five attempts, two seconds apart.
func DefaultOptions() Options {
	return Options{
		Reconnect:   true,
		MaxAttempts: 5,
		Backoff:     BackoffFixed,
		Delay:       2 * time.Second,
		MaxDelay:    30 * time.Second,
		SendBuffer:  256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Backoff == "" {
		o.Backoff = d.Backoff
	}
	if o.Delay <= 0 {
		o.Delay = d.Delay
	}
	if o.MaxDelay < o.Delay {
		o.MaxDelay = o.Delay
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

func (o Options) backoff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch o.Backoff {
	case BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = o.Delay
		eb.MaxInterval = o.MaxDelay
		eb.MaxElapsedTime = 0
		b = eb
	default:
		b = backoff.NewConstantBackOff(o.Delay)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.MaxAttempts-1)), ctx)
}

// MessageHandler receives every message read from the relay, in order.
type MessageHandler func(models.SignalMessage)

// StateHandler observes connection lifecycle changes. err carries the cause
// for StateReconnecting and StateUnavailable.
type StateHandler func(State, error)

// Channel is a reconnecting websocket connection to the relay.
type Channel struct {
	url  string
	opts Options
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *conn
	closed    bool
	onMessage []MessageHandler
	onState   []StateHandler

	done chan struct{}
}

// conn is a single websocket with its write pump.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	stop chan struct{}
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.stop)
		_ = c.ws.Close()
	})
}

// Connect dials the relay, retrying under opts, and starts the read loop.
// It fails with ErrChannelUnavailable once the attempt budget is spent.
func Connect(ctx context.Context, url string, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:    url,
		opts:   opts,
		log:    opts.Logger.WithField("component", "signaling"),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, cancel)
	first, err := c.dial()
	stop()
	if err != nil {
		cancel()
		return nil, err
	}

	c.install(first)
	go c.run(first)
	return c, nil
}

// OnMessage registers a handler. Handlers run on the read goroutine and must
// not block for long.
func (c *Channel) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, h)
}

func (c *Channel) OnStateChange(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, h)
}

// Send queues msg on the current connection. It never buffers across
// connections: while disconnected it returns ErrChannelClosed.
func (c *Channel) Send(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrChannelClosed
	}
	// A stopped connection can still have room in its buffer.
	select {
	case <-c.conn.stop:
		return ErrChannelClosed
	default:
	}
	select {
	case c.conn.send <- data:
		return nil
	case <-c.conn.stop:
		return ErrChannelClosed
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the channel down and stops any reconnect in progress. It waits
// for the read loop to exit, so it must not be called from a handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cur := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if cur != nil {
		_ = cur.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		cur.close()
	}
	<-c.done
	return nil
}

// Done is closed once the channel is closed or unavailable.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) dial() (*conn, error) {
	attempt := 0
	var ws *websocket.Conn
	op := func() error {
		attempt++
		var err error
		ws, _, err = c.opts.Dialer.DialContext(c.ctx, c.url, c.opts.Header)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"max":     c.opts.MaxAttempts,
				"err":     err,
			}).Warn("Relay dial failed")
		}
		return err
	}
	if err := backoff.Retry(op, c.opts.backoff(c.ctx)); err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrChannelUnavailable, attempt, err)
	}
	return &conn{
		ws:   ws,
		send: make(chan []byte, c.opts.SendBuffer),
		stop: make(chan struct{}),
	}, nil
}

func (c *Channel) install(next *conn) {
	c.mu.Lock()
	c.conn = next
	c.mu.Unlock()
	go c.writePump(next)
}

func (c *Channel) run(cur *conn) {
	defer close(c.done)
	c.notify(StateConnected, nil)

	for {
		err := c.readPump(cur)
		cur.close()

		c.mu.Lock()
		closed := c.closed
		if c.conn == cur {
			c.conn = nil
		}
		c.mu.Unlock()
		if closed {
			c.notify(StateClosed, nil)
			return
		}

		c.log.WithField("err", err).Warn("Relay connection lost")
		if !c.opts.Reconnect {
			c.giveUp(fmt.Errorf("%w: reconnect disabled: %v", ErrChannelUnavailable, err))
			return
		}

		c.notify(StateReconnecting, err)
		next, derr := c.dial()
		if derr != nil {
			if c.isClosed() {
				c.notify(StateClosed, nil)
				return
			}
			c.giveUp(derr)
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.close()
			c.notify(StateClosed, nil)
			return
		}
		c.mu.Unlock()

		c.install(next)
		c.log.Info("Relay connection re-established")
		c.notify(StateReconnected, nil)
		cur = next
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) giveUp(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.log.WithField("err", err).Error("Giving up on relay")
	c.notify(StateUnavailable, err)
}

func (c *Channel) notify(s State, err error) {
	c.mu.Lock()
	handlers := append([]StateHandler(nil), c.onState...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(s, err)
	}
}

func (c *Channel) readPump(cur *conn) error {
	cur.ws.SetReadDeadline(time.Now().Add(pongWait))
	cur.ws.SetPongHandler(func(string) error {
		cur.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cur.ws.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := models.ParseSignalMessage(data)
		if err != nil {
			c.log.WithField("err", err).Warn("Dropping malformed relay message")
			continue
		}

		c.mu.Lock()
		handlers := append([]MessageHandler(nil), c.onMessage...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}

func (c *Channel) writePump(cur *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cur.close()
	}()

	for {
		select {
		case <-cur.stop:
			return
		case data := <-cur.send:
			cur.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cur.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithField("err", err).Warn("Failed to write message")
				return
			}
		case <-ticker.C:
			cur.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cur.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
