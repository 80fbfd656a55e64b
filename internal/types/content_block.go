package types

type BlockType string

const (
	BlockText           BlockType = "text"
	BlockToolCalls      BlockType = "tool_calls"
	BlockExplorer       BlockType = "explorer"
	BlockVisualizations BlockType = "visualizations"
)

// ContentBlock is a typed fragment of a message. A block's type never
// changes after creation; only its data is extended or merged.
type ContentBlock struct {
	ID   string    `json:"id"`
	Type BlockType `json:"type"`

	Text      string      `json:"text,omitempty"`
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`

	// Explorer and visualization blocks reference server-side data that is
	// hydrated lazily by checkpoint id.
	Checkpoint *CheckpointRef `json:"checkpoint,omitempty"`
}

type CheckpointRef struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`
}

func (b *ContentBlock) Clone() *ContentBlock {
	if b == nil {
		return nil
	}
	out := *b
	if len(b.ToolCalls) > 0 {
		out.ToolCalls = make([]*ToolCall, 0, len(b.ToolCalls))
		for _, call := range b.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, call.Clone())
		}
	}
	if b.Checkpoint != nil {
		ref := *b.Checkpoint
		out.Checkpoint = &ref
	}
	return &out
}

type ToolCallStatus string

const (
	ToolCallPending  ToolCallStatus = "pending"
	ToolCallApproved ToolCallStatus = "approved"
	ToolCallRejected ToolCallStatus = "rejected"
)

// ToolCall is one invocation the agent made. Input may start empty and be
// replaced as argument fragments are refined; Output is absent until a
// result event arrives. Status tracks the human/workflow judgment while
// Failed records the execution outcome, which the wire format conflates.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output any            `json:"output,omitempty"`
	Failed bool           `json:"failed,omitempty"`
	Status ToolCallStatus `json:"status"`
}

func (c *ToolCall) Clone() *ToolCall {
	if c == nil {
		return nil
	}
	out := *c
	if len(c.Input) > 0 {
		out.Input = make(map[string]any, len(c.Input))
		for k, v := range c.Input {
			out.Input[k] = v
		}
	}
	return &out
}
