// Package proto defines the canonical message envelope exchanged between
// agents, along with the factory functions that enforce its construction
// rules (correlation, trace inheritance, validation).
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgTypeTASK      MsgType = "TASK"      // Work request addressed to a specific agent
	MsgTypeEVENT     MsgType = "EVENT"     // Broadcast notification, delivered per topic
	MsgTypeRESPONSE  MsgType = "RESPONSE"  // Successful reply correlated to a TASK
	MsgTypeERROR     MsgType = "ERROR"     // Failure reply correlated to a TASK
	MsgTypeHEARTBEAT MsgType = "HEARTBEAT" // Agent liveness signal
	MsgTypeSYSTEM    MsgType = "SYSTEM"    // Control-plane messages (shutdown, drain)
)

// Common payload keys used in agent messages.
const (
	KeyResult       = "result"
	KeyErrorKind    = "error_kind"
	KeyErrorMessage = "error_message"
	KeyRetryable    = "retryable"
	KeySentAt       = "sent_at"
	KeyLoad         = "load"
)

// TraceContext carries distributed tracing identifiers inside the message
// envelope so a trace continues across process boundaries.
type TraceContext struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Message is the canonical envelope for all inter-agent communication.
type Message struct {
	ID            string         `json:"id"`
	Type          MsgType        `json:"type"`
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent,omitempty"` // Empty for EVENT messages
	CorrelationID string         `json:"correlation_id,omitempty"`
	Topic         string         `json:"topic,omitempty"`      // Set for EVENT messages
	TaskType      string         `json:"task_type,omitempty"`  // Dispatch key for TASK messages
	EventType     string         `json:"event_type,omitempty"` // Set for EVENT messages
	Trace         *TraceContext  `json:"trace,omitempty"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ValidationError indicates a malformed message construction. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

func newMessage(msgType MsgType, fromAgent, toAgent string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
	}
}

// NewTask builds a TASK message addressed to the target agent. If no trace
// context is supplied a new trace is started so downstream spans always have
// a trace to attach to.
func NewTask(fromAgent, toAgent, taskType string, payload map[string]any, tc *TraceContext) (*Message, error) {
	if fromAgent == "" {
		return nil, &ValidationError{Field: "from_agent", Reason: "is required"}
	}
	if toAgent == "" {
		return nil, &ValidationError{Field: "to_agent", Reason: "is required"}
	}
	if taskType == "" {
		return nil, &ValidationError{Field: "task_type", Reason: "is required"}
	}

	msg := newMessage(MsgTypeTASK, fromAgent, toAgent)
	msg.TaskType = taskType
	for k, v := range payload {
		msg.Payload[k] = v
	}

	if tc != nil {
		msg.Trace = &TraceContext{TraceID: tc.TraceID, SpanID: tc.SpanID, ParentSpanID: tc.ParentSpanID}
	} else {
		msg.Trace = &TraceContext{TraceID: uuid.NewString(), SpanID: uuid.NewString()}
	}

	return msg, nil
}

// NewResponse builds a RESPONSE correlated to the originating task: the
// correlation ID is the task's message ID and the target is the task sender.
// The trace context is inherited unchanged.
func NewResponse(task *Message, result map[string]any) (*Message, error) {
	if err := validateOriginal(task); err != nil {
		return nil, err
	}

	msg := newMessage(MsgTypeRESPONSE, task.ToAgent, task.FromAgent)
	msg.CorrelationID = task.ID
	msg.TaskType = task.TaskType
	msg.Payload[KeyResult] = result
	msg.Trace = cloneTrace(task.Trace)

	return msg, nil
}

// NewError builds an ERROR reply with the same correlation rules as
// NewResponse. The retryable flag is advisory: it is consumed by the caller's
// retry policy, not interpreted here.
func NewError(task *Message, errorKind, message string, retryable bool) (*Message, error) {
	if err := validateOriginal(task); err != nil {
		return nil, err
	}
	if errorKind == "" {
		return nil, &ValidationError{Field: "error_kind", Reason: "is required"}
	}

	msg := newMessage(MsgTypeERROR, task.ToAgent, task.FromAgent)
	msg.CorrelationID = task.ID
	msg.TaskType = task.TaskType
	msg.Payload[KeyErrorKind] = errorKind
	msg.Payload[KeyErrorMessage] = message
	msg.Payload[KeyRetryable] = retryable
	msg.Trace = cloneTrace(task.Trace)

	return msg, nil
}

// NewEvent builds an EVENT message. Events have no target agent: delivery is
// per topic, or broadcast when no topic is given.
func NewEvent(fromAgent, eventType string, payload map[string]any, topic string) (*Message, error) {
	if fromAgent == "" {
		return nil, &ValidationError{Field: "from_agent", Reason: "is required"}
	}
	if eventType == "" {
		return nil, &ValidationError{Field: "event_type", Reason: "is required"}
	}

	msg := newMessage(MsgTypeEVENT, fromAgent, "")
	msg.EventType = eventType
	msg.Topic = topic
	for k, v := range payload {
		msg.Payload[k] = v
	}

	return msg, nil
}

// NewHeartbeat builds a HEARTBEAT carrying the liveness timestamp. Optional
// load metrics can be attached by the caller via SetPayload(KeyLoad, ...).
func NewHeartbeat(fromAgent string) (*Message, error) {
	if fromAgent == "" {
		return nil, &ValidationError{Field: "from_agent", Reason: "is required"}
	}

	msg := newMessage(MsgTypeHEARTBEAT, fromAgent, "")
	msg.Payload[KeySentAt] = msg.Timestamp.Format(time.RFC3339Nano)

	return msg, nil
}

// validateOriginal checks that a reply can be correlated back to its task.
func validateOriginal(task *Message) error {
	if task == nil {
		return &ValidationError{Field: "original_task", Reason: "is required"}
	}
	if task.Type != MsgTypeTASK {
		return &ValidationError{Field: "original_task", Reason: fmt.Sprintf("must be a TASK, got %s", task.Type)}
	}
	if task.ID == "" {
		return &ValidationError{Field: "original_task.id", Reason: "is required"}
	}
	if task.FromAgent == "" {
		return &ValidationError{Field: "original_task.from_agent", Reason: "is required"}
	}
	return nil
}

func cloneTrace(tc *TraceContext) *TraceContext {
	if tc == nil {
		return nil
	}
	clone := *tc
	return &clone
}

// Validate checks envelope invariants: required identity fields, a known
// type, correlation fields on replies, and no target on events.
func (msg *Message) Validate() error {
	if msg.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if msg.FromAgent == "" {
		return &ValidationError{Field: "from_agent", Reason: "is required"}
	}
	if msg.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if _, valid := ValidateMsgType(string(msg.Type)); !valid {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", msg.Type)}
	}

	switch msg.Type {
	case MsgTypeTASK:
		if msg.ToAgent == "" {
			return &ValidationError{Field: "to_agent", Reason: "is required for TASK"}
		}
		if msg.TaskType == "" {
			return &ValidationError{Field: "task_type", Reason: "is required for TASK"}
		}
	case MsgTypeRESPONSE, MsgTypeERROR:
		if msg.CorrelationID == "" {
			return &ValidationError{Field: "correlation_id", Reason: fmt.Sprintf("is required for %s", msg.Type)}
		}
		if msg.ToAgent == "" {
			return &ValidationError{Field: "to_agent", Reason: fmt.Sprintf("is required for %s", msg.Type)}
		}
	case MsgTypeEVENT:
		if msg.ToAgent != "" {
			return &ValidationError{Field: "to_agent", Reason: "must be empty for EVENT"}
		}
	}

	return nil
}

func (msg *Message) ToJSON() ([]byte, error) {
	return json.Marshal(msg)
}

func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func (msg *Message) SetPayload(key string, value any) {
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload[key] = value
}

func (msg *Message) GetPayload(key string) (any, bool) {
	if msg.Payload == nil {
		return nil, false
	}
	val, exists := msg.Payload[key]
	return val, exists
}

// GetPayloadString extracts a string payload value, reporting whether the key
// existed and held a string.
func (msg *Message) GetPayloadString(key string) (string, bool) {
	if val, exists := msg.GetPayload(key); exists {
		if s, ok := val.(string); ok {
			return s, true
		}
	}
	return "", false
}

// Retryable reports the advisory retryable flag carried by ERROR messages.
func (msg *Message) Retryable() bool {
	if val, exists := msg.GetPayload(KeyRetryable); exists {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}

func (msg *Message) Clone() *Message {
	clone := &Message{
		ID:            msg.ID,
		Type:          msg.Type,
		FromAgent:     msg.FromAgent,
		ToAgent:       msg.ToAgent,
		CorrelationID: msg.CorrelationID,
		Topic:         msg.Topic,
		TaskType:      msg.TaskType,
		EventType:     msg.EventType,
		Trace:         cloneTrace(msg.Trace),
		Timestamp:     msg.Timestamp,
	}

	if msg.Payload != nil {
		clone.Payload = make(map[string]any, len(msg.Payload))
		for k, v := range msg.Payload {
			clone.Payload[k] = v
		}
	}

	return clone
}

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeTASK, MsgTypeEVENT, MsgTypeRESPONSE, MsgTypeERROR, MsgTypeHEARTBEAT, MsgTypeSYSTEM:
		return MsgType(msgType), true
	default:
		return "", false
	}
}

// ParseMsgType parses a string into a MsgType with validation.
func ParseMsgType(s string) (MsgType, error) {
	if msgType, valid := ValidateMsgType(strings.ToUpper(s)); valid {
		return msgType, nil
	}
	return "", fmt.Errorf("unknown message type: %s", s)
}

// String returns the string representation of MsgType.
func (mt MsgType) String() string {
	return string(mt)
}
