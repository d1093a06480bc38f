package taskrelay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// State is the lifecycle state of a Relay.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateStopped
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Submission is the result of an accepted task.
type Submission struct {
	// TaskID is the history length at send time. It is advisory only.
	TaskID string
	MsgID  string
}

// StatusReport is a point-in-time view of the relay.
type StatusReport struct {
	Connected   bool
	Status      Status
	State       State
	RecentCount int
	// LastHeartbeat is the last frame receipt, nil when unknown.
	LastHeartbeat *time.Time
}

// Relay composes a Connection and a Hub and is what consumers use.
// It is safe for concurrent use by multiple goroutines.
type Relay struct {
	conn  *Connection
	hub   *Hub
	opts  options
	token string
	log   zerolog.Logger

	mu            sync.Mutex
	state         State
	cancelStartup context.CancelFunc
	wg            conc.WaitGroup
}

// New creates a Relay for the service at url. Nothing is dialled until
// Initialize.
func New(url, token string, opts ...Option) *Relay {
	o := buildOptions(opts)
	r := &Relay{
		conn:  NewConnection(url, token, opts...),
		hub:   newHub(o),
		opts:  o,
		token: token,
		log:   o.logger.With().Str("component", "relay").Logger(),
	}
	r.conn.SetHandlers(r.hub.Accept, r.handleError)
	return r
}

// Connection returns the underlying connection.
func (r *Relay) Connection() *Connection {
	return r.conn
}

// Hub returns the underlying response hub.
func (r *Relay) Hub() *Hub {
	return r.hub
}

func (r *Relay) handleError(err error) {
	r.log.Error().Err(err).Msg("websocket error occurred")
	if r.opts.onError != nil {
		r.opts.onError(err)
	}
}

// Initialize starts the startup connect in the background and returns
// without waiting for it. It may be called once.
func (r *Relay) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	if r.token == "" {
		r.log.Error().Msg("api token not configured")
		return ErrMissingToken
	}

	r.state = StateInitializing
	startCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelStartup = cancel

	r.wg.Go(func() {
		defer cancel()
		if !r.conn.ConnectWithRetry(startCtx) {
			r.log.Warn().Msg("relay running without a connection")
		}
		r.mu.Lock()
		if r.state == StateInitializing {
			r.state = StateReady
		}
		r.mu.Unlock()
	})

	return nil
}

// ConnectNow connects synchronously, for callers that cannot proceed
// without a session. It marks the relay Ready on success.
func (r *Relay) ConnectNow(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateUninitialized {
		r.mu.Unlock()
		return ErrAlreadyInitialized
	}
	if r.token == "" {
		r.mu.Unlock()
		return ErrMissingToken
	}
	r.state = StateInitializing
	r.mu.Unlock()

	ok := r.conn.Connect(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateInitializing {
		r.state = StateReady
	}
	if !ok {
		return ErrServiceUnavailable
	}
	return nil
}

// Submit sends a task. It fails with ErrServiceUnavailable when not
// connected; nothing is queued.
func (r *Relay) Submit(ctx context.Context, instruction string) (*Submission, error) {
	env, err := r.prepare(instruction)
	if err != nil {
		return nil, err
	}

	if err := r.send(ctx, env); err != nil {
		return nil, err
	}

	return &Submission{
		TaskID: strconv.Itoa(r.hub.Len()),
		MsgID:  env.MsgID,
	}, nil
}

// OpenStream registers a consumer queue, sends the task and returns a
// Stream whose first event is "sent". The queue is registered before the
// send so no response is missed.
func (r *Relay) OpenStream(ctx context.Context, instruction string) (*Stream, error) {
	env, err := r.prepare(instruction)
	if err != nil {
		return nil, err
	}

	taskID, queue, err := r.registerStream()
	if err != nil {
		return nil, err
	}
	stream := newStream(taskID, queue, func() { r.hub.Unregister(taskID) }, r.opts.stream)

	if err := r.send(ctx, env); err != nil {
		stream.Close()
		return nil, err
	}

	stream.push(&StreamEvent{
		Type:    EventSent,
		Message: "Task sent successfully",
		TaskID:  taskID,
	})
	return stream, nil
}

// registerStream keys the queue by the current unix millisecond, adding a
// suffix when two streams open in the same millisecond.
func (r *Relay) registerStream() (string, <-chan Record, error) {
	base := strconv.FormatInt(time.Now().UnixMilli(), 10)
	taskID := base
	for i := 1; ; i++ {
		queue, err := r.hub.Register(taskID)
		if err == nil {
			return taskID, queue, nil
		}
		if !errors.Is(err, ErrDuplicateConsumer) {
			return "", nil, err
		}
		taskID = base + "-" + strconv.Itoa(i)
	}
}

func (r *Relay) prepare(instruction string) (*Envelope, error) {
	if err := ValidateInstruction(instruction); err != nil {
		return nil, err
	}
	if s := r.State(); s == StateShuttingDown || s == StateStopped {
		return nil, ErrShutdown
	}
	if !r.conn.IsConnected() {
		return nil, ErrServiceUnavailable
	}
	return Encode(instruction)
}

func (r *Relay) send(ctx context.Context, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := r.conn.Send(ctx, data); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return ErrServiceUnavailable
		}
		return err
	}

	r.log.Info().Str("msg_id", env.MsgID).Int("length", len(env.Data.Instruction)).Msg("task sent")
	if r.opts.onSend != nil {
		r.opts.onSend(env)
	}
	return nil
}

// Subscribe registers a long-lived consumer queue under taskID.
func (r *Relay) Subscribe(taskID string) (<-chan Record, error) {
	return r.hub.Register(taskID)
}

// Unsubscribe removes the queue registered under taskID.
func (r *Relay) Unsubscribe(taskID string) {
	r.hub.Unregister(taskID)
}

// Recent returns up to limit of the newest records.
func (r *Relay) Recent(limit int) []Record {
	return r.hub.Recent(limit)
}

// State returns the relay lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status never blocks on connection activity.
func (r *Relay) Status() StatusReport {
	report := StatusReport{
		Connected:   r.conn.IsConnected(),
		Status:      r.conn.Status(),
		State:       r.State(),
		RecentCount: r.hub.Len(),
	}
	if t := r.conn.LastReceipt(); !t.IsZero() {
		report.LastHeartbeat = &t
	}
	return report
}

// Shutdown cancels the startup connect, waits for it to return,
// disconnects and ends every open stream. It is idempotent.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateShuttingDown || r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = StateShuttingDown
	cancel := r.cancelStartup
	r.mu.Unlock()

	r.log.Info().Msg("shutting down relay")
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.conn.Disconnect()
	r.hub.Close()

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	r.log.Info().Msg("relay shutdown complete")
	return err
}
