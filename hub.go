package taskrelay

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HistorySize is the number of records kept for Recent.
const HistorySize = 100

// Record is one inbound message as stored and fanned out by the Hub.
type Record struct {
	ID         uint64
	Message    string
	ReceivedAt time.Time
	MsgType    string
	ParsedData map[string]any // nil for non-JSON messages
}

// MarshalJSON encodes the receipt time as fractional unix seconds.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID         uint64         `json:"id"`
		Message    string         `json:"message"`
		Timestamp  float64        `json:"timestamp"`
		MsgType    string         `json:"msg_type"`
		ParsedData map[string]any `json:"parsed_data"`
	}{
		ID:         r.ID,
		Message:    r.Message,
		Timestamp:  float64(r.ReceivedAt.UnixMicro()) / 1e6,
		MsgType:    r.MsgType,
		ParsedData: r.ParsedData,
	})
}

// UnmarshalJSON accepts the form produced by MarshalJSON, so stream
// clients can decode records.
func (r *Record) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID         uint64         `json:"id"`
		Message    string         `json:"message"`
		Timestamp  float64        `json:"timestamp"`
		MsgType    string         `json:"msg_type"`
		ParsedData map[string]any `json:"parsed_data"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Record{
		ID:         aux.ID,
		Message:    aux.Message,
		ReceivedAt: time.UnixMicro(int64(math.Round(aux.Timestamp * 1e6))),
		MsgType:    aux.MsgType,
		ParsedData: aux.ParsedData,
	}
	return nil
}

// Hub stores recent inbound records and fans each one out to registered
// consumer queues. Ingest never blocks on a consumer.
type Hub struct {
	log       zerolog.Logger
	queueSize int
	onDrop    func(taskID string, rec Record)

	mu       sync.Mutex
	history  []Record
	nextID   uint64
	queues   map[string]chan Record
	received time.Time
	closed   bool
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	o := buildOptions(opts)
	return newHub(o)
}

func newHub(o options) *Hub {
	return &Hub{
		log:       o.logger.With().Str("component", "hub").Logger(),
		queueSize: o.queueSize,
		onDrop:    o.onDrop,
		history:   make([]Record, 0, HistorySize),
		queues:    make(map[string]chan Record),
	}
}

// Ingest decodes and stores a raw inbound frame.
func (h *Hub) Ingest(raw []byte) {
	h.Accept(Decode(raw))
}

// Accept stores an already decoded frame and delivers it to every
// registered queue. Heartbeats are dropped.
func (h *Hub) Accept(d Decoded) {
	if d.IsHeartbeat() {
		h.log.Debug().Msg("received heartbeat message")
		return
	}

	switch {
	case d.IsError():
		h.log.Error().Str("message", string(d.Raw)).Msg("server error details")
	case d.MsgType == MsgTypeServerInit:
		h.log.Info().Msg("received server initialization message")
	case d.MsgType == MsgTypeAgentResponse, d.MsgType == MsgTypeTaskResult:
		h.log.Info().Str("msg_type", d.MsgType).Msg("received task message")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	rec := Record{
		ID:         h.nextID,
		Message:    string(d.Raw),
		ReceivedAt: time.Now(),
		MsgType:    d.MsgType,
		ParsedData: d.Payload,
	}
	h.received = rec.ReceivedAt

	if len(h.history) == HistorySize {
		copy(h.history, h.history[1:])
		h.history = h.history[:HistorySize-1]
	}
	h.history = append(h.history, rec)

	for taskID, q := range h.queues {
		select {
		case q <- rec:
		default:
			h.log.Warn().Str("task_id", taskID).Uint64("record_id", rec.ID).Err(ErrQueueOverflow).Msg("queue full, dropping response")
			if h.onDrop != nil {
				h.onDrop(taskID, rec)
			}
		}
	}

	h.log.Debug().Uint64("record_id", rec.ID).Str("msg_type", rec.MsgType).Int("consumers", len(h.queues)).Msg("stored response")
}

// Register adds a consumer queue for taskID.
func (h *Hub) Register(taskID string) (<-chan Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.queues[taskID]; ok {
		return nil, ErrDuplicateConsumer
	}
	q := make(chan Record, h.queueSize)
	h.queues[taskID] = q
	h.log.Info().Str("task_id", taskID).Msg("registered consumer queue")
	return q, nil
}

// Unregister removes and closes the queue for taskID. Unknown ids are
// ignored.
func (h *Hub) Unregister(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[taskID]
	if !ok {
		return
	}
	delete(h.queues, taskID)
	close(q)
	h.log.Debug().Str("task_id", taskID).Msg("unregistered consumer queue")
}

// Consumers returns the number of registered queues.
func (h *Hub) Consumers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues)
}

// Recent returns up to limit of the newest records in arrival order.
func (h *Hub) Recent(limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 {
		return []Record{}
	}
	if limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]Record, limit)
	copy(out, h.history[len(h.history)-limit:])
	return out
}

// Len returns the number of records in history.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// LastReceipt returns when the newest record was stored.
func (h *Hub) LastReceipt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received
}

// Close unregisters every queue and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for taskID, q := range h.queues {
		delete(h.queues, taskID)
		close(q)
	}
}
