package taskrelay

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultDialTimeout          = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 10 * time.Second
	DefaultQueueSize            = 100
	DefaultStreamTimeout        = 300 * time.Second
	DefaultStreamIdleTimeout    = 30 * time.Second
	DefaultStreamGrace          = 2 * time.Second
)

// Option configures a Connection or a Relay.
type Option func(*options)

type options struct {
	logger               zerolog.Logger
	dialer               Dialer
	dialTimeout          time.Duration
	connectTimeout       time.Duration
	maxReconnectAttempts int
	backoff              func(attempt int) time.Duration
	pingInterval         time.Duration
	pingTimeout          time.Duration
	queueSize            int
	stream               StreamConfig

	onSend      func(*Envelope)
	onReceive   func(Decoded)
	onStatus    func(Status)
	onReconnect func(attempt int, delay time.Duration)
	onDrop      func(taskID string, rec Record)
	onError     func(error)
}

func defaultOptions() options {
	return options{
		logger:               zerolog.Nop(),
		dialer:               WebSocketDialer(nil),
		dialTimeout:          DefaultDialTimeout,
		connectTimeout:       DefaultConnectTimeout,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		backoff:              Backoff,
		pingInterval:         DefaultPingInterval,
		pingTimeout:          DefaultPingTimeout,
		queueSize:            DefaultQueueSize,
		stream:               DefaultStreamConfig(),
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets a structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithConnectTimeout sets how long Connect waits for the connection to open.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithMaxReconnectAttempts bounds both the startup retry and each
// reconnection chain. Zero disables reconnection after a close.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxReconnectAttempts = n
		}
	}
}

// WithBackoff replaces the delay schedule used between attempts.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(o *options) {
		if fn != nil {
			o.backoff = fn
		}
	}
}

// WithKeepalive sets the ping interval and timeout. A zero interval
// disables pings.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.pingInterval = interval
		if timeout > 0 {
			o.pingTimeout = timeout
		}
	}
}

// WithQueueSize sets the capacity of each consumer queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithStreamConfig sets the stream termination policy.
func WithStreamConfig(cfg StreamConfig) Option {
	return func(o *options) {
		o.stream = cfg.withDefaults()
	}
}

// WithOnSend sets a callback invoked after each envelope is sent.
func WithOnSend(fn func(*Envelope)) Option {
	return func(o *options) {
		o.onSend = fn
	}
}

// WithOnReceive sets a callback invoked for every inbound frame, heartbeats
// included.
func WithOnReceive(fn func(Decoded)) Option {
	return func(o *options) {
		o.onReceive = fn
	}
}

// WithOnStatus sets a callback invoked after each status transition.
func WithOnStatus(fn func(Status)) Option {
	return func(o *options) {
		o.onStatus = fn
	}
}

// WithOnReconnect sets a callback invoked before each reconnection sleep.
func WithOnReconnect(fn func(attempt int, delay time.Duration)) Option {
	return func(o *options) {
		o.onReconnect = fn
	}
}

// WithOnDrop sets a callback invoked when a record is dropped for a
// consumer whose queue is full.
func WithOnDrop(fn func(taskID string, rec Record)) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// WithOnError sets a callback invoked for every connection error reported
// to a Relay, after it has been logged.
func WithOnError(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}
