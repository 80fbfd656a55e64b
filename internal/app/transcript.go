package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	runewidth "github.com/mattn/go-runewidth"

	"parley/internal/run"
	"parley/internal/types"
)

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	errorTextStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	faintStyle          = lipgloss.NewStyle().Faint(true)
	toolLineStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	approvalBadgeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	timeoutBadgeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
)

func renderTranscript(messages []*types.Message, width int) string {
	if len(messages) == 0 {
		return faintStyle.Render("No messages yet. Type a request and press enter.")
	}
	parts := make([]string, 0, len(messages))
	for _, message := range messages {
		parts = append(parts, renderTranscriptMessage(message, width))
	}
	return strings.Join(parts, "\n\n")
}

func renderTranscriptMessage(message *types.Message, width int) string {
	var b strings.Builder
	b.WriteString(messageLabel(message))
	for _, block := range message.Content {
		text := renderBlock(message, block, width)
		if text == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(text)
	}
	if message.IsStreaming && message.Text() == "" && len(message.Content) == 0 {
		b.WriteString("\n")
		b.WriteString(faintStyle.Render("…"))
	}
	return b.String()
}

func messageLabel(message *types.Message) string {
	var label string
	switch message.Role {
	case types.RoleUser:
		label = userLabelStyle.Render("you")
	default:
		label = assistantLabelStyle.Render("agent")
	}
	switch {
	case message.HasTimedOut && message.CanRetry:
		label += " " + timeoutBadgeStyle.Render("[timed out, ctrl+r to retry]")
	case message.NeedsApproval:
		label += " " + approvalBadgeStyle.Render("[awaiting your decision]")
	case message.Status == types.MessageStatusError:
		label += " " + errorTextStyle.Render("[error]")
	case message.Status == types.MessageStatusRejected:
		label += " " + faintStyle.Render("[cancelled]")
	}
	return label
}

func renderBlock(message *types.Message, block *types.ContentBlock, width int) string {
	switch block.Type {
	case types.BlockText:
		if block.Text == "" {
			return ""
		}
		if message.Role == types.RoleUser {
			return renderMarkdown(escapeMarkdown(block.Text), width)
		}
		if message.Status == types.MessageStatusError {
			return errorTextStyle.Render(strings.TrimRight(block.Text, "\n"))
		}
		return renderMarkdown(block.Text, width)
	case types.BlockToolCalls:
		return renderToolCalls(block, width)
	case types.BlockExplorer:
		return faintStyle.Render("▸ analysis available (checkpoint " + checkpointID(block) + ")")
	case types.BlockVisualizations:
		return faintStyle.Render("▸ chart available (checkpoint " + checkpointID(block) + ")")
	}
	return ""
}

func checkpointID(block *types.ContentBlock) string {
	if block.Checkpoint == nil {
		return "?"
	}
	return block.Checkpoint.CheckpointID
}

func renderToolCalls(block *types.ContentBlock, width int) string {
	lines := make([]string, 0, len(block.ToolCalls))
	for _, call := range block.ToolCalls {
		lines = append(lines, toolLineStyle.Render(truncateLine(toolCallLine(call), width)))
	}
	return strings.Join(lines, "\n")
}

func toolCallLine(call *types.ToolCall) string {
	args := ""
	if len(call.Input) > 0 {
		if encoded, err := json.Marshal(call.Input); err == nil {
			args = string(encoded)
		}
	}
	line := fmt.Sprintf("⚙ %s %s", call.Name, args)
	switch {
	case call.Failed:
		line += " ✗ failed"
	case call.Status == types.ToolCallApproved:
		line += " ✓"
	default:
		line += " …"
	}
	return strings.TrimSpace(line)
}

func renderProgress(snapshot run.Snapshot, spinnerView string) string {
	if !snapshot.Streaming {
		return ""
	}
	label := "thinking"
	for i := len(snapshot.ToolSteps) - 1; i >= 0; i-- {
		step := snapshot.ToolSteps[i]
		if step.Status == types.ToolStepCalling {
			label = "running " + step.Name
			break
		}
	}
	return spinnerView + " " + faintStyle.Render(label)
}

// truncateLine clips a line to the terminal width by display cells, not
// bytes, so wide runes do not wrap mid-character.
func truncateLine(line string, width int) string {
	if width <= 0 || runewidth.StringWidth(line) <= width {
		return line
	}
	return runewidth.Truncate(line, width-1, "…")
}

func lastAssistantText(messages []*types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant {
			return messages[i].Text()
		}
	}
	return ""
}

func pendingApprovalID(messages []*types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].NeedsApproval {
			return messages[i].ID
		}
	}
	return ""
}

func retryableID(messages []*types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].HasTimedOut && messages[i].CanRetry {
			return messages[i].ID
		}
	}
	return ""
}

// transcriptFingerprint is a cheap change detector so the viewport is only
// re-rendered on ticks that actually changed something.
func transcriptFingerprint(snapshot run.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%v|%d|%d", snapshot.State, snapshot.Streaming, len(snapshot.Messages), len(snapshot.ToolSteps))
	for _, message := range snapshot.Messages {
		fmt.Fprintf(&b, "|%s:%d:%d:%v:%v:%v:%s",
			message.ID, len(message.Content), len(message.Text()),
			message.IsStreaming, message.NeedsApproval, message.HasTimedOut, message.Status)
		for _, block := range message.Content {
			if block.Type == types.BlockToolCalls {
				for _, call := range block.ToolCalls {
					fmt.Fprintf(&b, ";%s:%s:%v:%d", call.ID, call.Status, call.Failed, len(call.Input))
				}
			}
		}
	}
	for _, step := range snapshot.ToolSteps {
		fmt.Fprintf(&b, "|step:%s:%s", step.ToolID, step.Status)
	}
	return b.String()
}
