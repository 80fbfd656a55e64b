package types

// RunState is the per-thread execution status. Exactly one RunState is
// active per thread; transitions are event-driven and validated by the run
// package.
type RunState string

const (
	RunIdle             RunState = "idle"
	RunStarting         RunState = "starting"
	RunRunning          RunState = "running"
	RunAwaitingApproval RunState = "awaiting_approval"
	RunResuming         RunState = "resuming"
	RunFinished         RunState = "finished"
	RunError            RunState = "error"
	RunCancelled        RunState = "cancelled"
)

// Terminal reports whether the state ends the current run. Error is
// terminal for the turn only; a new submit re-enters starting.
func (s RunState) Terminal() bool {
	switch s {
	case RunFinished, RunError, RunCancelled:
		return true
	}
	return false
}

// Quiescent reports whether a new submit is allowed from this state.
func (s RunState) Quiescent() bool {
	switch s {
	case RunIdle, RunFinished, RunError, RunCancelled:
		return true
	}
	return false
}
