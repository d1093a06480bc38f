package taskrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu       sync.Mutex
	requests [][]byte
	events   chan []byte
	closed   bool
	sendErr  error

	// Channel signaled when a request is sent
	onSend chan []byte
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events: make(chan []byte, 100),
		onSend: make(chan []byte, 100),
	}
}

func (m *mockTransport) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.requests = append(m.requests, data)

	select {
	case m.onSend <- data:
	default:
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-m.events:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) setSendErr(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

func (m *mockTransport) push(msg string) {
	m.events <- []byte(msg)
}

func (m *mockTransport) getRequests() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// waitForRequest waits for a request to be sent and returns it.
func (m *mockTransport) waitForRequest(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case req := <-m.onSend:
		return req
	case <-time.After(timeout):
		t.Fatal("timeout waiting for request")
		return nil
	}
}

// mockDialer hands out mockTransports. Queued errors are returned first,
// one per dial; when gate is set each dial blocks until it is closed.
type mockDialer struct {
	mu         sync.Mutex
	dials      int
	errs       []error
	failAll    error
	gate       chan struct{}
	transports []*mockTransport
	dialed     chan *mockTransport
}

func newMockDialer() *mockDialer {
	return &mockDialer{dialed: make(chan *mockTransport, 100)}
}

func (d *mockDialer) Dial(ctx context.Context, url, token string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	} else if d.failAll != nil {
		err = d.failAll
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	tr := newMockTransport()
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	d.dialed <- tr
	return tr, nil
}

func (d *mockDialer) setFailAll(err error) {
	d.mu.Lock()
	d.failAll = err
	d.mu.Unlock()
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *mockDialer) waitForTransport(t *testing.T, timeout time.Duration) *mockTransport {
	t.Helper()
	select {
	case tr := <-d.dialed:
		return tr
	case <-time.After(timeout):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestConnection(d *mockDialer, opts ...Option) *Connection {
	base := []Option{
		WithDialer(d.Dial),
		WithConnectTimeout(time.Second),
		WithBackoff(func(int) time.Duration { return time.Millisecond }),
	}
	return NewConnection("wss://example.com/ws", "test-token", append(base, opts...)...)
}

func TestConnection_Connect(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	if conn.Status() != StatusConnected {
		t.Errorf("Status() = %s, want connected", conn.Status())
	}
	if !conn.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if conn.LastReceipt().IsZero() {
		t.Error("LastReceipt() is zero after open")
	}
}

func TestConnection_Connect_AlreadyConnected(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	if !conn.Connect(context.Background()) {
		t.Error("second Connect returned false, want true")
	}
	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestConnection_Connect_WhileConnecting(t *testing.T) {
	dialer := newMockDialer()
	dialer.gate = make(chan struct{})
	conn := newTestConnection(dialer, WithConnectTimeout(50*time.Millisecond))
	defer conn.Disconnect()

	if conn.Connect(context.Background()) {
		t.Fatal("Connect returned true while dial is blocked")
	}
	if conn.Status() != StatusConnecting {
		t.Fatalf("Status() = %s, want connecting", conn.Status())
	}

	start := time.Now()
	if conn.Connect(context.Background()) {
		t.Error("Connect while connecting returned true")
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("Connect while connecting took %s, want immediate return", elapsed)
	}
	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}

	close(dialer.gate)
	waitFor(t, time.Second, conn.IsConnected)
}

func TestConnection_Connect_DialError(t *testing.T) {
	dialer := newMockDialer()
	dialer.errs = []error{errors.New("connection refused")}
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	errCh := make(chan error, 1)
	conn.SetHandlers(nil, func(err error) { errCh <- err })

	if conn.Connect(context.Background()) {
		t.Fatal("Connect returned true on dial failure")
	}
	if conn.Status() != StatusError {
		t.Errorf("Status() = %s, want error", conn.Status())
	}

	select {
	case err := <-errCh:
		var dialErr *DialError
		if !errors.As(err, &dialErr) {
			t.Errorf("error = %T, want *DialError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("error callback not invoked")
	}
}

func TestConnection_Send(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	tr := dialer.waitForTransport(t, time.Second)

	if err := conn.Send(context.Background(), []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	req := tr.waitForRequest(t, time.Second)
	if string(req) != `{"hello":"world"}` {
		t.Errorf("sent = %s, want {\"hello\":\"world\"}", req)
	}
}

func TestConnection_Send_NotConnected(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		conn := newTestConnection(newMockDialer())
		if err := conn.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("error", func(t *testing.T) {
		dialer := newMockDialer()
		dialer.errs = []error{errors.New("boom")}
		conn := newTestConnection(dialer)
		conn.Connect(context.Background())
		if conn.Status() != StatusError {
			t.Fatalf("Status() = %s, want error", conn.Status())
		}
		if err := conn.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("connecting", func(t *testing.T) {
		dialer := newMockDialer()
		dialer.gate = make(chan struct{})
		conn := newTestConnection(dialer, WithConnectTimeout(10*time.Millisecond))
		defer conn.Disconnect()
		conn.Connect(context.Background())
		if conn.Status() != StatusConnecting {
			t.Fatalf("Status() = %s, want connecting", conn.Status())
		}
		if err := conn.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	})
}

func TestConnection_Send_ErrorKeepsStatus(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	tr := dialer.waitForTransport(t, time.Second)
	tr.setSendErr(errors.New("broken pipe"))

	err := conn.Send(context.Background(), []byte("x"))
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if conn.Status() != StatusConnected {
		t.Errorf("Status() = %s, want connected", conn.Status())
	}
}

func TestConnection_HeartbeatSwallowed(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	received := make(chan Decoded, 10)
	conn.SetHandlers(func(d Decoded) { received <- d }, nil)

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	tr := dialer.waitForTransport(t, time.Second)
	tr.push(`{"msg_type":"server_heartbeat"}`)
	tr.push(`{"msg_type":"agent_response","data":{"text":"hi"}}`)

	select {
	case d := <-received:
		if d.MsgType != MsgTypeAgentResponse {
			t.Errorf("MsgType = %s, want agent_response", d.MsgType)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}

	select {
	case d := <-received:
		t.Errorf("unexpected delivery of %s", d.MsgType)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConnection_SessionUpdatesConversationID(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	received := make(chan Decoded, 10)
	conn.SetHandlers(func(d Decoded) { received <- d }, nil)

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	tr := dialer.waitForTransport(t, time.Second)
	tr.push(`{"msg_type":"server_session","conversation_id":"conv-42"}`)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session message")
	}

	if got := conn.ConversationID(); got != "conv-42" {
		t.Errorf("ConversationID() = %s, want conv-42", got)
	}
}

func TestConnection_CallbackPanicRecovered(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	received := make(chan string, 10)
	errCh := make(chan error, 10)
	conn.SetHandlers(func(d Decoded) {
		if d.MsgType == "explode" {
			panic("boom")
		}
		received <- d.MsgType
	}, func(err error) { errCh <- err })

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	tr := dialer.waitForTransport(t, time.Second)
	tr.push(`{"msg_type":"explode"}`)
	tr.push(`{"msg_type":"agent_response"}`)

	select {
	case got := <-received:
		if got != MsgTypeAgentResponse {
			t.Errorf("received %s, want agent_response", got)
		}
	case <-time.After(time.Second):
		t.Fatal("receive loop stopped after callback panic")
	}

	select {
	case err := <-errCh:
		var cbErr *CallbackError
		if !errors.As(err, &cbErr) {
			t.Errorf("error = %T, want *CallbackError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("error callback not invoked")
	}
}

func TestConnection_Disconnect(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	tr := dialer.waitForTransport(t, time.Second)

	conn.Disconnect()
	conn.Disconnect()

	if conn.Status() != StatusDisconnected {
		t.Errorf("Status() = %s, want disconnected", conn.Status())
	}
	if !tr.isClosed() {
		t.Error("transport not closed")
	}

	time.Sleep(30 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect after Disconnect)", n)
	}
}

func TestConnection_ConnectAfterDisconnect(t *testing.T) {
	dialer := newMockDialer()
	conn := newTestConnection(dialer)
	defer conn.Disconnect()

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	conn.Disconnect()

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect after Disconnect returned false")
	}
	if n := dialer.dialCount(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestConnection_OnStatus(t *testing.T) {
	dialer := newMockDialer()

	var mu sync.Mutex
	var seen []Status
	conn := newTestConnection(dialer, WithOnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))

	if !conn.Connect(context.Background()) {
		t.Fatal("Connect returned false")
	}
	conn.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	if len(seen) < len(want) {
		t.Fatalf("statuses = %v, want prefix %v", seen, want)
	}
	for i, s := range want {
		if seen[i] != s {
			t.Errorf("statuses[%d] = %s, want %s", i, seen[i], s)
		}
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusError, "error"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %s, want %s", tt.status, got, tt.want)
		}
	}
}
