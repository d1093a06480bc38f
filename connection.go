package taskrelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a Connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Connection owns the single session to the task service. It is safe for
// concurrent use by multiple goroutines.
//
// One goroutine per connect attempt dials, then runs the receive loop and
// invokes the open, message, error and close handlers. Status and the
// reconnect counter share one mutex.
type Connection struct {
	url   string
	token string
	opts  options
	log   zerolog.Logger

	mu             sync.Mutex
	status         Status
	attempts       int
	reconnecting   bool
	stopped        bool
	stopCh         chan struct{}
	gen            uint64
	transport      Transport
	live           bool
	cancel         context.CancelFunc
	conversationID string
	lastReceipt    time.Time

	onResponse func(Decoded)
	onError    func(error)
}

// NewConnection creates a disconnected Connection.
func NewConnection(url, token string, opts ...Option) *Connection {
	o := buildOptions(opts)
	return &Connection{
		url:    url,
		token:  token,
		opts:   o,
		log:    o.logger.With().Str("component", "connection").Logger(),
		stopCh: make(chan struct{}),
	}
}

// SetHandlers sets the response and error callbacks. Call it once, before
// the first Connect.
func (c *Connection) SetHandlers(onResponse func(Decoded), onError func(error)) {
	c.mu.Lock()
	c.onResponse = onResponse
	c.onError = onError
	c.mu.Unlock()
}

// Status returns the current status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the status is Connected and the transport is
// live.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *Connection) isConnectedLocked() bool {
	return c.status == StatusConnected && c.live && c.transport != nil
}

// Attempts returns the reconnect attempts made since the last open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ConversationID returns the id adopted from the last session message.
func (c *Connection) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// LastReceipt returns when the last frame arrived. It is zero before the
// first open and after a transport error.
func (c *Connection) LastReceipt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceipt
}

// Connect starts a connection attempt and waits for it to settle.
// If an attempt is already in progress or established it returns
// IsConnected without starting another.
func (c *Connection) Connect(ctx context.Context) bool {
	return c.connect(ctx, true)
}

// connect is Connect. With resume false a Connection stopped by Disconnect
// stays stopped.
func (c *Connection) connect(ctx context.Context, resume bool) bool {
	c.mu.Lock()
	if c.stopped && !resume {
		c.mu.Unlock()
		return false
	}
	if c.status == StatusConnecting || c.status == StatusConnected {
		connected := c.isConnectedLocked()
		c.mu.Unlock()
		c.log.Warn().Str("status", c.Status().String()).Msg("connection already in progress or established")
		return connected
	}
	c.status = StatusConnecting
	if c.stopped {
		c.stopped = false
		c.stopCh = make(chan struct{})
	}
	c.gen++
	gen := c.gen
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.notifyStatus(StatusConnecting)
	c.log.Info().Str("url", c.url).Msg("connecting")

	settled := make(chan struct{})
	go c.run(loopCtx, gen, settled)

	timer := time.NewTimer(c.opts.connectTimeout)
	defer timer.Stop()

	select {
	case <-settled:
	case <-timer.C:
		c.log.Warn().Dur("timeout", c.opts.connectTimeout).Msg("timed out waiting for connection")
	case <-ctx.Done():
	}

	return c.IsConnected()
}

// Send writes data to the service. It fails fast with ErrNotConnected
// unless the connection is open. A write failure does not change status.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if !c.isConnectedLocked() {
		c.mu.Unlock()
		c.log.Warn().Msg("attempted to send message while disconnected")
		return ErrNotConnected
	}
	t := c.transport
	c.mu.Unlock()

	if err := t.Send(ctx, data); err != nil {
		c.log.Error().Err(err).Msg("failed to send message")
		var sendErr *SendError
		if !errors.As(err, &sendErr) {
			err = &SendError{Op: "write", Err: err}
		}
		return err
	}

	c.log.Debug().Int("bytes", len(data)).Msg("message sent")
	return nil
}

// Disconnect closes the session and suppresses reconnection. It is
// idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	t := c.transport
	c.transport = nil
	c.live = false
	cancel := c.cancel
	c.cancel = nil
	changed := c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			c.log.Debug().Err(err).Msg("error while closing transport")
		}
		c.log.Info().Msg("disconnected")
	}
	if changed {
		c.notifyStatus(StatusDisconnected)
	}
}

// run dials, then reads until the transport fails or is closed.
func (c *Connection) run(ctx context.Context, gen uint64, settled chan struct{}) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.dialTimeout)
	t, err := c.opts.dialer(dialCtx, c.url, c.token)
	cancelDial()
	if err != nil {
		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			err = &DialError{URL: c.url, Err: err}
		}
		c.handleError(gen, err)
		close(settled)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		_ = t.Close()
		close(settled)
		return
	}
	c.transport = t
	c.live = true
	c.mu.Unlock()

	c.handleOpen(gen)
	close(settled)

	sessCtx, endSession := context.WithCancel(ctx)
	if p, ok := t.(Pinger); ok && c.opts.pingInterval > 0 {
		go c.keepalive(sessCtx, p, t)
	}

	for {
		data, err := t.Receive(sessCtx)
		if err != nil {
			endSession()
			c.mu.Lock()
			if gen == c.gen {
				c.live = false
			}
			stopped := c.stopped
			c.mu.Unlock()
			_ = t.Close()

			if !errors.Is(err, ErrClosed) && ctx.Err() == nil && !stopped {
				c.handleError(gen, err)
			}
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(gen, data)
	}
}

func (c *Connection) keepalive(ctx context.Context, p Pinger, t Transport) {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.pingTimeout)
			err := p.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("keepalive ping failed, closing transport")
				_ = t.Close()
				return
			}
		}
	}
}

func (c *Connection) handleOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnected
	c.attempts = 0
	c.lastReceipt = time.Now()
	c.mu.Unlock()

	c.log.Info().Msg("websocket connection opened")
	c.notifyStatus(StatusConnected)
}

func (c *Connection) handleMessage(gen uint64, data []byte) {
	d := Decode(data)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastReceipt = time.Now()
	if d.ConversationID != "" {
		c.conversationID = d.ConversationID
	}
	onResponse := c.onResponse
	c.mu.Unlock()

	if d.Err != nil {
		c.log.Warn().Err(d.Err).Msg("received non-JSON message")
	} else {
		c.log.Debug().Str("msg_type", d.MsgType).Msg("received message")
	}
	if d.ConversationID != "" {
		c.log.Info().Str("conversation_id", d.ConversationID).Msg("updated conversation id")
	}

	if c.opts.onReceive != nil {
		c.opts.onReceive(d)
	}

	if d.IsHeartbeat() {
		return
	}

	if onResponse != nil {
		c.deliver(onResponse, d)
	}
}

// deliver keeps a panicking callback from ending the receive loop.
func (c *Connection) deliver(fn func(Decoded), d Decoded) {
	defer func() {
		if v := recover(); v != nil {
			err := &CallbackError{Value: v}
			c.log.Error().Err(err).Str("msg_type", d.MsgType).Msg("error processing message")
			c.reportError(err)
		}
	}()
	fn(d)
}

func (c *Connection) handleError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	changed := false
	if !c.stopped {
		c.status = StatusError
		changed = true
	}
	c.lastReceipt = time.Time{}
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("websocket error")
	if changed {
		c.notifyStatus(StatusError)
	}
	c.reportError(err)
}

func (c *Connection) reportError(err error) {
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()
	if onError == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			c.log.Error().Interface("panic", v).Msg("error callback panicked")
		}
	}()
	onError(err)
}

func (c *Connection) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = StatusDisconnected
	c.transport = nil
	c.live = false
	stopped := c.stopped
	c.mu.Unlock()

	ev := c.log.Info()
	if err != nil && !errors.Is(err, ErrClosed) {
		ev = ev.Err(err)
	}
	ev.Bool("stopped", stopped).Msg("websocket connection closed")
	c.notifyStatus(StatusDisconnected)

	if !stopped {
		c.reconnect()
	}
}

func (c *Connection) notifyStatus(s Status) {
	if c.opts.onStatus != nil {
		c.opts.onStatus(s)
	}
}
