package xdispatch

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of a Message. The set is open; the constants
// below are the types exchanged between the orchestration components.
type MessageType string

const (
	ContextUpdate     MessageType = "CONTEXT_UPDATE"
	ContextHealth     MessageType = "CONTEXT_HEALTH"
	ContextCreated    MessageType = "CONTEXT_CREATED"
	ContextClosed     MessageType = "CONTEXT_CLOSED"
	ActionRecommended MessageType = "ACTION_RECOMMENDED"
	ActionExecuted    MessageType = "ACTION_EXECUTED"
	BudgetUpdate      MessageType = "BUDGET_UPDATE"
	BudgetAlert       MessageType = "BUDGET_ALERT"
	AllocationUpdate  MessageType = "ALLOCATION_UPDATE"
	PriceUpdate       MessageType = "PRICE_UPDATE"
	ProtocolViolation MessageType = "PROTOCOL_VIOLATION"
	PredictionUpdate  MessageType = "PREDICTION_UPDATE"
	CommandExecute    MessageType = "COMMAND_EXECUTE"
	CommandResult     MessageType = "COMMAND_RESULT"
	QueryRequest      MessageType = "QUERY_REQUEST"
	QueryResponse     MessageType = "QUERY_RESPONSE"
	Alert             MessageType = "ALERT"
	ErrorMessage      MessageType = "ERROR"
	Heartbeat         MessageType = "HEARTBEAT"
)

// Priority orders messages. The numeric values are what filter expressions
// compare against, so "priority>5" selects HIGH and URGENT.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 8
	PriorityUrgent Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return strconv.Itoa(int(p))
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	switch s {
	case "low":
		*p = PriorityLow
	case "normal", "":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "urgent":
		*p = PriorityUrgent
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("xdispatch: unknown priority %q", s)
		}
		*p = Priority(n)
	}
	return nil
}

// Message is the envelope exchanged between components. It must not be
// mutated after it has been handed to Send or Receive.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Priority  Priority       `json:"priority"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage returns a message with a fresh ID and NORMAL priority. Source and
// Timestamp are left empty and filled in when the message is sent.
func NewMessage(t MessageType, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		ID:       newID(),
		Type:     t,
		Priority: PriorityNormal,
		Payload:  payload,
		Metadata: map[string]any{},
	}
}

// WithPriority sets the priority and returns the message for chaining.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithMetadata merges md into the message metadata.
func (m *Message) WithMetadata(md map[string]any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, len(md))
	}
	maps.Copy(m.Metadata, md)
	return m
}

// WithSource sets the producing component.
func (m *Message) WithSource(src string) *Message {
	m.Source = src
	return m
}

// Clone returns a shallow copy with its own payload and metadata maps.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = maps.Clone(m.Payload)
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID: %s, Type: %s, Source: %s, Priority: %s}", m.ID, m.Type, m.Source, m.Priority)
}

// NewContextMessage builds a message about a context; context_id is carried in the payload.
func NewContextMessage(t MessageType, contextID string, payload map[string]any) *Message {
	p := maps.Clone(payload)
	if p == nil {
		p = map[string]any{}
	}
	p["context_id"] = contextID
	return NewMessage(t, p)
}

// NewActionMessage builds a context message tagged with an action id.
func NewActionMessage(t MessageType, contextID, actionID string, payload map[string]any) *Message {
	msg := NewContextMessage(t, contextID, payload)
	msg.Payload["action_id"] = actionID
	return msg
}

// NewBudgetMessage builds a budget message for a component; contextID may be empty.
func NewBudgetMessage(t MessageType, contextID, componentID string, payload map[string]any) *Message {
	p := maps.Clone(payload)
	if p == nil {
		p = map[string]any{}
	}
	if contextID != "" {
		p["context_id"] = contextID
	}
	p["component_id"] = componentID
	return NewMessage(t, p)
}

// NewCommandMessage asks component to execute command.
func NewCommandMessage(component, command string, params map[string]any, contextID string) *Message {
	return newRequest(CommandExecute, "command", component, command, params, contextID)
}

// NewQueryMessage asks component to answer query.
func NewQueryMessage(component, query string, params map[string]any, contextID string) *Message {
	return newRequest(QueryRequest, "query", component, query, params, contextID)
}

func newRequest(t MessageType, verb, component, name string, params map[string]any, contextID string) *Message {
	if params == nil {
		params = map[string]any{}
	}
	p := map[string]any{
		"component":  component,
		verb:         name,
		"parameters": params,
	}
	if contextID != "" {
		p["context_id"] = contextID
	}
	return NewMessage(t, p)
}

// MessageBatch is the unit of transmission to the bus. Either every message
// in it is accepted or none is.
type MessageBatch struct {
	ID       string     `json:"batch_id"`
	Source   string     `json:"source"`
	Messages []*Message `json:"messages"`
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
