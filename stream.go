package taskrelay

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"
)

// Stream event types, one JSON object per line on the wire.
const (
	EventSent     = "sent"
	EventResponse = "response"
	EventComplete = "complete"
	EventError    = "error"
)

// Completion reasons carried by complete events.
const (
	ReasonTaskCompleted = "task completed"
	ReasonTimeout       = "timeout"
	ReasonIdleTimeout   = "idle timeout"
)

// StreamEvent is one item produced by a Stream.
type StreamEvent struct {
	Type          string  `json:"type"`
	Message       string  `json:"message,omitempty"`
	TaskID        string  `json:"task_id,omitempty"`
	Data          *Record `json:"data,omitempty"`
	ResponseCount *int    `json:"response_count,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// ErrorEvent builds an error event for failures outside the stream itself.
func ErrorEvent(err error) *StreamEvent {
	return &StreamEvent{Type: EventError, Message: err.Error()}
}

// StreamConfig controls when a Stream ends.
type StreamConfig struct {
	// Timeout bounds the whole stream.
	Timeout time.Duration
	// IdleTimeout ends the stream when no record arrives for this long.
	IdleTimeout time.Duration
	// Grace is how long records are still relayed after a terminal kind.
	Grace time.Duration
	// TerminalTypes lists the msg_type values that end the stream.
	TerminalTypes []string
}

// DefaultStreamConfig returns the 300s / 30s / 2s policy ending on
// task_result, task_complete and agent_finish.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Timeout:       DefaultStreamTimeout,
		IdleTimeout:   DefaultStreamIdleTimeout,
		Grace:         DefaultStreamGrace,
		TerminalTypes: DefaultTerminalTypes(),
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultStreamTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultStreamIdleTimeout
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.TerminalTypes == nil {
		c.TerminalTypes = DefaultTerminalTypes()
	}
	return c
}

// Stream relays the records of one consumer queue until a termination
// condition is met. It should only be consumed by a single goroutine.
type Stream struct {
	taskID   string
	queue    <-chan Record
	release  func()
	cfg      StreamConfig
	terminal map[string]struct{}

	started    time.Time
	lastRecord time.Time
	graceUntil time.Time
	count      int
	pending    []*StreamEvent
	done       bool

	closeOnce sync.Once
}

// newStream wraps a registered queue. release is called exactly once when
// the stream ends.
func newStream(taskID string, queue <-chan Record, release func(), cfg StreamConfig) *Stream {
	cfg = cfg.withDefaults()
	terminal := make(map[string]struct{}, len(cfg.TerminalTypes))
	for _, t := range cfg.TerminalTypes {
		terminal[t] = struct{}{}
	}
	now := time.Now()
	return &Stream{
		taskID:     taskID,
		queue:      queue,
		release:    release,
		cfg:        cfg,
		terminal:   terminal,
		started:    now,
		lastRecord: now,
	}
}

// TaskID returns the id the stream's queue is registered under.
func (s *Stream) TaskID() string {
	return s.taskID
}

// ResponseCount returns the number of response events produced so far.
func (s *Stream) ResponseCount() int {
	return s.count
}

func (s *Stream) push(ev *StreamEvent) {
	s.pending = append(s.pending, ev)
}

// Next returns the next event, or nil once the complete event has been
// returned. Cancelling ctx closes the stream and returns ctx.Err().
func (s *Stream) Next(ctx context.Context) (*StreamEvent, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.done {
		return nil, nil
	}

	for {
		deadline, reason := s.deadline()
		wait := time.Until(deadline)
		if wait <= 0 {
			return s.finish(reason), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.done = true
			s.Close()
			return nil, ctx.Err()
		case rec, ok := <-s.queue:
			timer.Stop()
			if !ok {
				s.done = true
				s.Close()
				return nil, ErrClosed
			}
			s.count++
			s.lastRecord = time.Now()
			if _, end := s.terminal[rec.MsgType]; end && s.graceUntil.IsZero() {
				s.graceUntil = s.lastRecord.Add(s.cfg.Grace)
			}
			return &StreamEvent{Type: EventResponse, Data: &rec}, nil
		case <-timer.C:
		}
	}
}

// deadline returns the earliest pending termination and its reason.
func (s *Stream) deadline() (time.Time, string) {
	deadline := s.started.Add(s.cfg.Timeout)
	reason := ReasonTimeout

	if !s.graceUntil.IsZero() {
		if s.graceUntil.Before(deadline) {
			return s.graceUntil, ReasonTaskCompleted
		}
		return deadline, reason
	}

	if idle := s.lastRecord.Add(s.cfg.IdleTimeout); idle.Before(deadline) {
		return idle, ReasonIdleTimeout
	}
	return deadline, reason
}

func (s *Stream) finish(reason string) *StreamEvent {
	s.done = true
	s.Close()

	var msg string
	switch reason {
	case ReasonTaskCompleted:
		msg = "Task processing completed"
	case ReasonIdleTimeout:
		msg = fmt.Sprintf("No new responses for %s", s.cfg.IdleTimeout)
	default:
		msg = "Stream ended due to timeout"
	}

	count := s.count
	return &StreamEvent{
		Type:          EventComplete,
		Message:       msg,
		TaskID:        s.taskID,
		ResponseCount: &count,
		Reason:        reason,
	}
}

// Events returns an iterator over all events in the stream.
func (s *Stream) Events(ctx context.Context) iter.Seq2[*StreamEvent, error] {
	return func(yield func(*StreamEvent, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if ev == nil {
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close releases the consumer queue. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
