package types

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageStatus string

const (
	MessageStatusPending  MessageStatus = "pending"
	MessageStatusApproved MessageStatus = "approved"
	MessageStatusRejected MessageStatus = "rejected"
	MessageStatusError    MessageStatus = "error"
	MessageStatusTimeout  MessageStatus = "timeout"
)

type RetryAction string

const (
	RetryActionNone     RetryAction = ""
	RetryActionApprove  RetryAction = "approve"
	RetryActionFeedback RetryAction = "feedback"
)

// Message is one turn in a conversation. Assistant turns are mutated in
// place while the stream is live; user turns are immutable after creation.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Role     Role   `json:"role"`

	Content []*ContentBlock `json:"content"`

	IsStreaming bool          `json:"is_streaming,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`

	// Approval workflow flags (assistant turns only).
	NeedsApproval bool        `json:"needs_approval,omitempty"`
	HasTimedOut   bool        `json:"has_timed_out,omitempty"`
	CanRetry      bool        `json:"can_retry,omitempty"`
	RetryAction   RetryAction `json:"retry_action,omitempty"`
	RetryComment  string      `json:"retry_comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, block := range m.Content {
		if block.Type == BlockText {
			out += block.Text
		}
	}
	return out
}

// TextBlock returns the message's text block, if any. A message carries at
// most one; deltas always land in the same block.
func (m *Message) TextBlock() *ContentBlock {
	if m == nil {
		return nil
	}
	for _, block := range m.Content {
		if block.Type == BlockText {
			return block
		}
	}
	return nil
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if len(m.Content) > 0 {
		out.Content = make([]*ContentBlock, 0, len(m.Content))
		for _, block := range m.Content {
			out.Content = append(out.Content, block.Clone())
		}
	}
	return &out
}
