package taskrelay

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Transport carries text frames to and from the task service.
// Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Pinger is implemented by transports that support keepalive pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens a new Transport. Connection calls it once per connect attempt.
type Dialer func(ctx context.Context, url, token string) (Transport, error)

// DialOptions configures the WebSocket connection.
type DialOptions struct {
	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// ReadLimit caps the size of a single inbound message. Zero means 32MB.
	ReadLimit int64
}

// Dial connects to the task service and returns a Transport. The token is
// sent once as a bearer Authorization header during the handshake.
func Dial(ctx context.Context, url string, token string, opts *DialOptions) (Transport, error) {
	headers := http.Header{}
	if opts != nil && opts.HTTPHeader != nil {
		headers = opts.HTTPHeader.Clone()
	}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	dialOpts := &websocket.DialOptions{
		HTTPHeader: headers,
	}
	if opts != nil && opts.HTTPClient != nil {
		dialOpts.HTTPClient = opts.HTTPClient
	}

	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, &DialError{URL: url, Err: err}
	}

	limit := int64(32 * 1024 * 1024)
	if opts != nil && opts.ReadLimit > 0 {
		limit = opts.ReadLimit
	}
	conn.SetReadLimit(limit)

	return &wsTransport{conn: conn}, nil
}

// WebSocketDialer returns a Dialer backed by Dial.
func WebSocketDialer(opts *DialOptions) Dialer {
	return func(ctx context.Context, url, token string) (Transport, error) {
		return Dial(ctx, url, token, opts)
	}
}

// wsTransport implements Transport over WebSocket.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// Send writes a text frame.
func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &SendError{Op: "write", Err: err}
	}

	return nil
}

// Receive blocks for the next frame. Binary frames are passed through as-is.
func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, ErrClosed
		}
		return nil, &ReceiveError{Err: err}
	}

	return data, nil
}

// Ping sends a ping and waits for the pong. It requires a concurrent Receive.
func (t *wsTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.conn.Ping(ctx)
}

// Close closes the transport.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	return t.conn.Close(websocket.StatusNormalClosure, "")
}
