package types

import "time"

type ToolStepStatus string

const (
	ToolStepCalling   ToolStepStatus = "calling"
	ToolStepCompleted ToolStepStatus = "completed"
)

// ToolStep is a live-progress entry for the currently streaming message.
// Steps are UI-facing only and discarded once the message finishes
// streaming; they are never persisted.
type ToolStep struct {
	ToolID    string         `json:"tool_id"`
	Name      string         `json:"name"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Status    ToolStepStatus `json:"status"`
}
