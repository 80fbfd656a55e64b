package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"parley/internal/types"
)

const textBlockID = "text"

// Conversation is the in-memory assembly of one thread: an ordered message
// list mutated in place by stream events. All methods assume the caller
// serializes access; the driver holds its own lock around every call.
type Conversation struct {
	threadID string
	messages []*types.Message
	byID     map[string]*types.Message

	// tools indexes tool calls by message id then tool id so merges stay
	// O(1); the ordered block list is the rendering projection over it.
	tools map[string]map[string]*toolEntry

	// Live progress for the currently streaming message, discarded when it
	// finishes. Never persisted.
	steps    []*types.ToolStep
	stepByID map[string]*types.ToolStep

	nextID int
	now    func() time.Time
}

type toolEntry struct {
	call *types.ToolCall

	// validInput records whether Input ever came from a successful args
	// parse. A later parse failure must not clear a good value.
	validInput bool
}

func New(threadID string) *Conversation {
	return &Conversation{
		threadID: threadID,
		byID:     map[string]*types.Message{},
		tools:    map[string]map[string]*toolEntry{},
		stepByID: map[string]*types.ToolStep{},
		now:      time.Now,
	}
}

func (c *Conversation) ThreadID() string { return c.threadID }

// SetThreadID rebinds the conversation once the server assigns the real
// thread id on the first start call.
func (c *Conversation) SetThreadID(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	c.threadID = id
	for _, message := range c.messages {
		message.ThreadID = id
	}
}

func (c *Conversation) Messages() []*types.Message {
	return c.messages
}

func (c *Conversation) Message(id string) *types.Message {
	return c.byID[id]
}

// Snapshot returns deep copies safe to hand to another goroutine.
func (c *Conversation) Snapshot() []*types.Message {
	out := make([]*types.Message, 0, len(c.messages))
	for _, message := range c.messages {
		out = append(out, message.Clone())
	}
	return out
}

// ToolSteps returns the live progress entries for the streaming message.
func (c *Conversation) ToolSteps() []*types.ToolStep {
	return c.steps
}

// Hydrate replaces the local state with persisted history, dropping any
// in-flight assembly state.
func (c *Conversation) Hydrate(messages []*types.Message) {
	c.messages = nil
	c.byID = map[string]*types.Message{}
	c.tools = map[string]map[string]*toolEntry{}
	c.clearSteps()
	for _, message := range messages {
		if message == nil {
			continue
		}
		c.attach(message)
		c.indexTools(message)
	}
}

func (c *Conversation) AppendUserMessage(text string) *types.Message {
	message := &types.Message{
		ID:       c.nextMessageID(),
		ThreadID: c.threadID,
		Role:     types.RoleUser,
		Content: []*types.ContentBlock{
			{ID: textBlockID, Type: types.BlockText, Text: text},
		},
		CreatedAt: c.now(),
	}
	c.attach(message)
	return message
}

// BeginAssistantMessage opens the streaming turn every subsequent stream
// event is addressed to.
func (c *Conversation) BeginAssistantMessage() *types.Message {
	message := &types.Message{
		ID:          c.nextMessageID(),
		ThreadID:    c.threadID,
		Role:        types.RoleAssistant,
		IsStreaming: true,
		CreatedAt:   c.now(),
	}
	c.attach(message)
	c.clearSteps()
	return message
}

// Apply mutates the conversation with one stream event addressed to the
// message with targetID. Events arrive and are applied in order; a
// well-formed event is never dropped, with the single exception of a
// tool_result that matches no known tool call.
func (c *Conversation) Apply(event types.StreamEvent, targetID string) {
	switch event.Type {
	case types.EventStart, types.EventResume:
		return
	case types.EventToken, types.EventMessage:
		c.applyToken(event.Token, targetID)
	case types.EventToolCall:
		c.applyToolCall(event.ToolCall, targetID)
	case types.EventToolResult:
		c.applyToolResult(event.ToolResult, targetID)
	case types.EventStatus:
		c.applyStatus(event.Status, targetID)
	case types.EventError:
		c.applyError(event.Err, targetID)
	}
}

func (c *Conversation) applyToken(payload *types.TokenPayload, targetID string) {
	if payload == nil {
		return
	}
	if payload.Structured != nil {
		c.appendSidechannel(payload.Structured)
		return
	}
	if payload.Content == "" {
		return
	}
	target := c.target(targetID)
	block := target.TextBlock()
	if block == nil {
		block = &types.ContentBlock{ID: textBlockID, Type: types.BlockText}
		target.Content = append(target.Content, block)
	}
	block.Text += payload.Content
}

// appendSidechannel turns a structured payload carrying its own id and role
// into a new sibling message instead of merging it into the target.
func (c *Conversation) appendSidechannel(wire *types.WireMessage) {
	if existing := c.byID[wire.ID]; existing != nil {
		return
	}
	role := types.RoleAssistant
	if wire.Role == string(types.RoleUser) {
		role = types.RoleUser
	}
	message := &types.Message{
		ID:        wire.ID,
		ThreadID:  c.threadID,
		Role:      role,
		CreatedAt: c.now(),
	}
	if block := sidechannelBlock(wire, c.threadID); block != nil {
		message.Content = append(message.Content, block)
	} else if wire.Content != "" {
		message.Content = append(message.Content, &types.ContentBlock{
			ID:   textBlockID,
			Type: types.BlockText,
			Text: wire.Content,
		})
	}
	c.attach(message)
}

// sidechannelBlock maps a structured message with a checkpoint reference to
// a lazily hydrated block. The full analysis or chart data is fetched only
// when the block is opened.
func sidechannelBlock(wire *types.WireMessage, threadID string) *types.ContentBlock {
	if wire.CheckpointID == "" {
		return nil
	}
	blockType := types.BlockExplorer
	switch strings.ToLower(strings.TrimSpace(wire.MessageType)) {
	case "visualization", "visualizations", "chart":
		blockType = types.BlockVisualizations
	case "explorer", "analysis":
		blockType = types.BlockExplorer
	default:
		return nil
	}
	ref := &types.CheckpointRef{ThreadID: threadID, CheckpointID: wire.CheckpointID}
	if wire.ThreadID != "" {
		ref.ThreadID = wire.ThreadID
	}
	return &types.ContentBlock{ID: wire.CheckpointID, Type: blockType, Checkpoint: ref}
}

func (c *Conversation) applyToolCall(payload *types.ToolCallPayload, targetID string) {
	if payload == nil {
		return
	}
	id := payload.ID()
	c.beginStep(id, payload.ToolName)
	if isPlaceholderToolID(id) {
		// Progress only. Not addressable for merges until the server
		// assigns a real id.
		return
	}

	input, parsed := parseToolArgs(payload.Args)

	target := c.target(targetID)
	index := c.tools[target.ID]
	if index == nil {
		index = map[string]*toolEntry{}
		c.tools[target.ID] = index
	}

	if entry := index[id]; entry != nil {
		// Last write wins, except that a failed parse never clears a
		// previously valid input.
		if parsed {
			entry.call.Input = input
			entry.validInput = true
		} else if !entry.validInput {
			entry.call.Input = map[string]any{}
		}
		if payload.ToolName != "" {
			entry.call.Name = payload.ToolName
		}
		return
	}

	call := &types.ToolCall{
		ID:     id,
		Name:   payload.ToolName,
		Input:  input,
		Status: types.ToolCallPending,
	}
	index[id] = &toolEntry{call: call, validInput: parsed}
	target.Content = append(target.Content, &types.ContentBlock{
		ID:        id,
		Type:      types.BlockToolCalls,
		ToolCalls: []*types.ToolCall{call},
	})
}

func (c *Conversation) applyToolResult(payload *types.ToolResultPayload, targetID string) {
	if payload == nil || payload.ToolCallID == "" {
		return
	}
	c.completeStep(payload.ToolCallID)

	target := c.target(targetID)
	entry := c.tools[target.ID][payload.ToolCallID]
	if entry == nil {
		// No matching call. Dropped rather than creating a block.
		return
	}

	if len(payload.Input) > 0 {
		var input map[string]any
		if err := json.Unmarshal(payload.Input, &input); err == nil {
			entry.call.Input = input
			entry.validInput = true
		}
	}
	if result := payload.Result(); len(result) > 0 {
		var decoded any
		if err := json.Unmarshal(result, &decoded); err == nil {
			entry.call.Output = decoded
		} else {
			entry.call.Output = string(result)
		}
	}
	entry.call.Failed = payload.IsError
	if payload.IsError {
		entry.call.Status = types.ToolCallRejected
	} else {
		entry.call.Status = types.ToolCallApproved
	}
}

func (c *Conversation) applyStatus(payload *types.StatusPayload, targetID string) {
	if payload == nil {
		return
	}
	target := c.target(targetID)
	switch {
	case payload.Status == types.StatusError:
		target.IsStreaming = false
		target.Status = types.MessageStatusError
		c.clearSteps()
	case payload.Pausing():
		target.IsStreaming = false
		if payload.RequestsApproval() {
			target.NeedsApproval = true
			target.Status = types.MessageStatusPending
		}
		c.clearSteps()
	}
}

func (c *Conversation) applyError(payload *types.ErrorPayload, targetID string) {
	target := c.target(targetID)
	block := target.TextBlock()
	if block == nil {
		block = &types.ContentBlock{ID: textBlockID, Type: types.BlockText}
		target.Content = append(target.Content, block)
	}
	text := payload.Text()
	if block.Text != "" {
		block.Text += "\n"
	}
	block.Text += text
	target.Status = types.MessageStatusError
	target.IsStreaming = false
	c.clearSteps()
}

// target resolves the addressed message, opening a fresh assistant turn when
// the first event for a new turn arrives before one exists.
func (c *Conversation) target(id string) *types.Message {
	if message := c.byID[id]; message != nil {
		return message
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		if last.Role == types.RoleAssistant && last.IsStreaming {
			return last
		}
	}
	return c.BeginAssistantMessage()
}

func (c *Conversation) attach(message *types.Message) {
	if message.ThreadID == "" {
		message.ThreadID = c.threadID
	}
	c.messages = append(c.messages, message)
	c.byID[message.ID] = message
}

func (c *Conversation) indexTools(message *types.Message) {
	for _, block := range message.Content {
		if block.Type != types.BlockToolCalls {
			continue
		}
		for _, call := range block.ToolCalls {
			index := c.tools[message.ID]
			if index == nil {
				index = map[string]*toolEntry{}
				c.tools[message.ID] = index
			}
			index[call.ID] = &toolEntry{call: call, validInput: len(call.Input) > 0}
		}
	}
}

func (c *Conversation) nextMessageID() string {
	c.nextID++
	return fmt.Sprintf("m%06d", c.nextID)
}

func (c *Conversation) beginStep(toolID, name string) {
	key := toolID
	if key == "" {
		key = fmt.Sprintf("step-%d", len(c.steps)+1)
	}
	if existing := c.stepByID[key]; existing != nil {
		if name != "" {
			existing.Name = name
		}
		return
	}
	step := &types.ToolStep{
		ToolID:    key,
		Name:      name,
		StartedAt: c.now(),
		Status:    types.ToolStepCalling,
	}
	c.steps = append(c.steps, step)
	c.stepByID[key] = step
}

func (c *Conversation) completeStep(toolID string) {
	step := c.stepByID[toolID]
	if step == nil || step.Status == types.ToolStepCompleted {
		return
	}
	ended := c.now()
	step.EndedAt = &ended
	step.Status = types.ToolStepCompleted
}

func (c *Conversation) clearSteps() {
	c.steps = nil
	c.stepByID = map[string]*types.ToolStep{}
}

func parseToolArgs(args string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return map[string]any{}, false
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil {
		return map[string]any{}, false
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, true
}

func isPlaceholderToolID(id string) bool {
	if id == "" {
		return true
	}
	return strings.HasPrefix(id, "pending_") || strings.HasPrefix(id, "pending-")
}
