package types

import (
	"encoding/json"
	"errors"
	"strings"
)

type EventType string

const (
	EventStart      EventType = "start"
	EventResume     EventType = "resume"
	EventToken      EventType = "token"
	EventMessage    EventType = "message"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventStatus     EventType = "status"
	EventError      EventType = "error"
)

var ErrUnknownEvent = errors.New("unknown stream event type")

// StreamEvent is one typed server-pushed event. Exactly one payload field
// matching Type is set; Raw retains the undecoded payload.
type StreamEvent struct {
	Type       EventType
	Status     *StatusPayload
	Token      *TokenPayload
	ToolCall   *ToolCallPayload
	ToolResult *ToolResultPayload
	Err        *ErrorPayload
	Raw        json.RawMessage
}

const (
	StatusRunning      = "running"
	StatusUserFeedback = "user_feedback"
	StatusFinished     = "finished"
	StatusError        = "error"
)

const (
	ResponseTypeAnswer = "answer"
	ResponseTypeReplan = "replan"
	ResponseTypeCancel = "cancel"
)

type StatusPayload struct {
	Status       string `json:"status"`
	ThreadID     string `json:"thread_id,omitempty"`
	ResponseType string `json:"response_type,omitempty"`
}

// Pausing reports whether the status ends the connection's useful life
// normally: the server closes the channel after finished and after pausing
// for human feedback.
func (p *StatusPayload) Pausing() bool {
	if p == nil {
		return false
	}
	return p.Status == StatusFinished || p.Status == StatusUserFeedback
}

// RequestsApproval reports whether the status opens approval controls.
// An "answer" response type pauses the run without asking for a decision.
func (p *StatusPayload) RequestsApproval() bool {
	if p == nil || p.Status != StatusUserFeedback {
		return false
	}
	return p.ResponseType == "" || p.ResponseType == ResponseTypeReplan
}

// WireMessage is a complete structured message delivered out of band, used
// for side-channel results such as analysis or chart data.
type WireMessage struct {
	ID           string         `json:"id"`
	Role         string         `json:"role"`
	Content      string         `json:"content"`
	Timestamp    string         `json:"timestamp,omitempty"`
	MessageType  string         `json:"messageType,omitempty"`
	CheckpointID string         `json:"checkpointId,omitempty"`
	ThreadID     string         `json:"threadId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type TokenPayload struct {
	Content string `json:"content"`
	Node    string `json:"node,omitempty"`

	// Structured is set when the payload carries its own id/role and must
	// be treated as a new sibling message rather than a delta.
	Structured *WireMessage `json:"-"`
}

type ToolCallPayload struct {
	ToolID     string `json:"tool_id,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name"`
	Args       string `json:"args"`
}

// ID returns the tool id under either wire field name.
func (p *ToolCallPayload) ID() string {
	if p == nil {
		return ""
	}
	if p.ToolID != "" {
		return p.ToolID
	}
	return p.ToolCallID
}

type ToolResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Result returns the output under either wire field name.
func (p *ToolResultPayload) Result() json.RawMessage {
	if p == nil {
		return nil
	}
	if len(p.Output) > 0 {
		return p.Output
	}
	return p.Content
}

type ErrorPayload struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns the error detail, falling back to a fixed literal so the
// caller never surfaces an empty error to the user.
func (p *ErrorPayload) Text() string {
	if p != nil {
		if p.Error != "" {
			return p.Error
		}
		if p.Message != "" {
			return p.Message
		}
	}
	return "an unexpected error occurred"
}

// DecodeStreamEvent decodes one framed event. name is the transport-level
// event name when the stream names its events; for raw data-only streams it
// is empty and the type is read from the payload's "type" field, defaulting
// to token for plain content payloads.
func DecodeStreamEvent(name string, data []byte) (StreamEvent, error) {
	eventType := EventType(strings.TrimSpace(name))
	if eventType == "" {
		eventType = sniffEventType(data)
	}
	event := StreamEvent{Type: eventType, Raw: append(json.RawMessage(nil), data...)}

	switch eventType {
	case EventStart, EventResume:
		return event, nil
	case EventStatus:
		payload := &StatusPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return StreamEvent{}, err
		}
		event.Status = payload
		return event, nil
	case EventToken, EventMessage:
		payload, err := decodeTokenPayload(data)
		if err != nil {
			return StreamEvent{}, err
		}
		event.Token = payload
		return event, nil
	case EventToolCall:
		payload := &ToolCallPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return StreamEvent{}, err
		}
		event.ToolCall = payload
		return event, nil
	case EventToolResult:
		payload := &ToolResultPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return StreamEvent{}, err
		}
		event.ToolResult = payload
		return event, nil
	case EventError:
		payload := &ErrorPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return StreamEvent{}, err
		}
		event.Err = payload
		return event, nil
	}
	return StreamEvent{}, ErrUnknownEvent
}

func sniffEventType(data []byte) EventType {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		switch EventType(probe.Type) {
		case EventStart, EventResume, EventToken, EventMessage, EventToolCall,
			EventToolResult, EventStatus, EventError:
			return EventType(probe.Type)
		}
	}
	return EventToken
}

func decodeTokenPayload(data []byte) (*TokenPayload, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, err
		}
		return &TokenPayload{Content: text}, nil
	}

	var wire WireMessage
	if err := json.Unmarshal(data, &wire); err == nil && wire.ID != "" && wire.Role != "" {
		return &TokenPayload{Content: wire.Content, Structured: &wire}, nil
	}

	payload := &TokenPayload{}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
