package run

import (
	"fmt"

	"parley/internal/types"
)

// InvalidTransitionError reports an attempted edge the lifecycle does not
// allow.
type InvalidTransitionError struct {
	From types.RunState
	To   types.RunState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid run transition %s -> %s", e.From, e.To)
}

// transitions is the full lifecycle edge set. Retry and timeout are absent
// on purpose: a timeout flags the message retryable without moving the run.
var transitions = map[types.RunState][]types.RunState{
	types.RunIdle:     {types.RunStarting},
	types.RunStarting: {types.RunRunning, types.RunError},
	types.RunRunning: {
		types.RunAwaitingApproval,
		types.RunFinished,
		types.RunError,
	},
	types.RunAwaitingApproval: {types.RunResuming, types.RunError},
	types.RunResuming: {
		types.RunRunning,
		// Rollback edge: a failed or timed out resume re-opens approval.
		types.RunAwaitingApproval,
		types.RunCancelled,
		types.RunError,
	},
	types.RunFinished:  {types.RunStarting},
	types.RunError:     {types.RunStarting},
	types.RunCancelled: {types.RunStarting},
}

// Machine tracks one thread's run lifecycle. Not safe for concurrent use;
// the driver serializes access.
type Machine struct {
	state types.RunState
}

func NewMachine() *Machine {
	return &Machine{state: types.RunIdle}
}

func (m *Machine) State() types.RunState {
	return m.state
}

// Restore force-sets the state when rehydrating a thread from persisted
// history, bypassing edge validation.
func (m *Machine) Restore(state types.RunState) {
	if state == "" {
		state = types.RunIdle
	}
	m.state = state
}

// Transition moves to the requested state, failing on any edge outside the
// lifecycle. A self-transition is a no-op.
func (m *Machine) Transition(to types.RunState) error {
	if to == m.state {
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return &InvalidTransitionError{From: m.state, To: to}
}

// ApplyStatus maps a status event onto the lifecycle and returns the state
// the machine ends in. An "answer" pause closes the turn without opening
// approval, so it lands in finished.
func (m *Machine) ApplyStatus(payload *types.StatusPayload) (types.RunState, error) {
	if payload == nil {
		return m.state, nil
	}
	switch payload.Status {
	case types.StatusRunning:
		if m.state == types.RunStarting || m.state == types.RunResuming {
			if err := m.Transition(types.RunRunning); err != nil {
				return m.state, err
			}
		}
	case types.StatusUserFeedback:
		if payload.RequestsApproval() {
			if err := m.Transition(types.RunAwaitingApproval); err != nil {
				return m.state, err
			}
		} else {
			if err := m.Transition(types.RunFinished); err != nil {
				return m.state, err
			}
		}
	case types.StatusFinished:
		if err := m.Transition(types.RunFinished); err != nil {
			return m.state, err
		}
	case types.StatusError:
		if err := m.Transition(types.RunError); err != nil {
			return m.state, err
		}
	}
	return m.state, nil
}
