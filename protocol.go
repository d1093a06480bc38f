package taskrelay

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Message kinds carried in the msg_type field.
const (
	MsgTypeClientTask      = "client_test"
	MsgTypeServerHeartbeat = "server_heartbeat"
	MsgTypeServerSession   = "server_session"
	MsgTypeServerInit      = "server_init"
	MsgTypeServerError     = "server_error"
	MsgTypeAgentResponse   = "agent_response"
	MsgTypeTaskResult      = "task_result"
	MsgTypeTaskComplete    = "task_complete"
	MsgTypeAgentFinish     = "agent_finish"

	// MsgTypeRaw marks an inbound frame that was not JSON.
	MsgTypeRaw = "raw"
	// MsgTypeUnknown marks a JSON frame without a msg_type.
	MsgTypeUnknown = "unknown"
)

// BizTypeTestAgent is the biz_type sent with every task.
const BizTypeTestAgent = "test_agent"

// MaxInstructionLength is the longest accepted instruction, in characters.
const MaxInstructionLength = 10000

// --- Outbound (Client -> Service) ---

// Envelope is the wire unit sent to the service.
type Envelope struct {
	Timestamp      int64    `json:"timestamp"`
	ConversationID string   `json:"conversation_id"`
	MsgType        string   `json:"msg_type"`
	MsgID          string   `json:"msg_id"`
	Data           TaskData `json:"data"`
}

// TaskData is the payload of a task submission.
type TaskData struct {
	BizType     string `json:"biz_type"`
	Instruction string `json:"instruction"`
}

// ValidateInstruction reports whether s is an acceptable task instruction.
func ValidateInstruction(s string) error {
	n := utf8.RuneCountInString(s)
	if n < 1 || n > MaxInstructionLength {
		return ErrInvalidInstruction
	}
	return nil
}

// Encode builds a task envelope with a fresh timestamp and msg_id.
func Encode(instruction string) (*Envelope, error) {
	if err := ValidateInstruction(instruction); err != nil {
		return nil, err
	}
	return &Envelope{
		Timestamp: time.Now().UnixMilli(),
		MsgType:   MsgTypeClientTask,
		MsgID:     uuid.New().String(),
		Data: TaskData{
			BizType:     BizTypeTestAgent,
			Instruction: instruction,
		},
	}, nil
}

// Marshal returns the JSON wire form of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &SendError{Op: "marshal", Err: err}
	}
	return data, nil
}

// --- Inbound (Service -> Client) ---

// Decoded is the classified form of an inbound frame.
type Decoded struct {
	Raw            []byte
	MsgType        string
	Payload        map[string]any // nil when the frame was not a JSON object
	ConversationID string         // set for session messages only
	Err            *DecodeError   // set when the frame was not JSON
}

// Decode classifies an inbound frame. It never fails: frames that are not
// JSON objects come back as MsgTypeRaw with Err set.
func Decode(raw []byte) Decoded {
	d := Decoded{Raw: raw}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.MsgType = MsgTypeRaw
		d.Err = &DecodeError{Err: err}
		return d
	}
	if payload == nil {
		// JSON null
		d.MsgType = MsgTypeUnknown
		return d
	}

	d.Payload = payload
	d.MsgType = MsgTypeUnknown
	if t, ok := payload["msg_type"].(string); ok && t != "" {
		d.MsgType = t
	}

	if d.IsSession() {
		if id, ok := payload["conversation_id"].(string); ok {
			d.ConversationID = id
		}
	}

	return d
}

// IsHeartbeat returns true for liveness-only messages.
func (d *Decoded) IsHeartbeat() bool {
	return d.MsgType == MsgTypeServerHeartbeat
}

// IsSession returns true for session update messages.
func (d *Decoded) IsSession() bool {
	return d.MsgType == MsgTypeServerSession
}

// IsError returns true for service-reported errors.
func (d *Decoded) IsError() bool {
	return d.MsgType == MsgTypeServerError
}

// IsRaw returns true when the frame was not JSON.
func (d *Decoded) IsRaw() bool {
	return d.MsgType == MsgTypeRaw
}

// DefaultTerminalTypes ends a stream when observed.
func DefaultTerminalTypes() []string {
	return []string{MsgTypeTaskResult, MsgTypeTaskComplete, MsgTypeAgentFinish}
}
