package run

import (
	"errors"
	"testing"

	"parley/internal/types"
)

func TestLifecycleEdges(t *testing.T) {
	machine := NewMachine()
	path := []types.RunState{
		types.RunStarting,
		types.RunRunning,
		types.RunAwaitingApproval,
		types.RunResuming,
		types.RunRunning,
		types.RunFinished,
		types.RunStarting,
	}
	for _, state := range path {
		if err := machine.Transition(state); err != nil {
			t.Fatalf("transition to %s: %v", state, err)
		}
	}
}

func TestResumingRollsBackToAwaitingApproval(t *testing.T) {
	machine := NewMachine()
	for _, state := range []types.RunState{types.RunStarting, types.RunRunning, types.RunAwaitingApproval, types.RunResuming} {
		if err := machine.Transition(state); err != nil {
			t.Fatalf("transition to %s: %v", state, err)
		}
	}
	if err := machine.Transition(types.RunAwaitingApproval); err != nil {
		t.Fatalf("rollback edge rejected: %v", err)
	}
}

func TestInvalidTransition(t *testing.T) {
	machine := NewMachine()
	err := machine.Transition(types.RunAwaitingApproval)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if invalid.From != types.RunIdle || invalid.To != types.RunAwaitingApproval {
		t.Fatalf("unexpected edge in error: %+v", invalid)
	}
	if machine.State() != types.RunIdle {
		t.Fatalf("failed transition must not move the machine")
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	machine := NewMachine()
	if err := machine.Transition(types.RunIdle); err != nil {
		t.Fatalf("self transition: %v", err)
	}
}

func TestApplyStatus(t *testing.T) {
	cases := []struct {
		name    string
		prepare []types.RunState
		status  types.StatusPayload
		want    types.RunState
	}{
		{
			name:    "ack moves starting to running",
			prepare: []types.RunState{types.RunStarting},
			status:  types.StatusPayload{Status: types.StatusRunning},
			want:    types.RunRunning,
		},
		{
			name:    "replan pause opens approval",
			prepare: []types.RunState{types.RunStarting, types.RunRunning},
			status:  types.StatusPayload{Status: types.StatusUserFeedback, ResponseType: types.ResponseTypeReplan},
			want:    types.RunAwaitingApproval,
		},
		{
			name:    "bare user_feedback opens approval",
			prepare: []types.RunState{types.RunStarting, types.RunRunning},
			status:  types.StatusPayload{Status: types.StatusUserFeedback},
			want:    types.RunAwaitingApproval,
		},
		{
			name:    "answer closes the turn without approval",
			prepare: []types.RunState{types.RunStarting, types.RunRunning},
			status:  types.StatusPayload{Status: types.StatusUserFeedback, ResponseType: types.ResponseTypeAnswer},
			want:    types.RunFinished,
		},
		{
			name:    "finished",
			prepare: []types.RunState{types.RunStarting, types.RunRunning},
			status:  types.StatusPayload{Status: types.StatusFinished},
			want:    types.RunFinished,
		},
		{
			name:    "error",
			prepare: []types.RunState{types.RunStarting, types.RunRunning},
			status:  types.StatusPayload{Status: types.StatusError},
			want:    types.RunError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			machine := NewMachine()
			for _, state := range tc.prepare {
				if err := machine.Transition(state); err != nil {
					t.Fatalf("prepare %s: %v", state, err)
				}
			}
			got, err := machine.ApplyStatus(&tc.status)
			if err != nil {
				t.Fatalf("ApplyStatus: %v", err)
			}
			if got != tc.want {
				t.Fatalf("state = %s, want %s", got, tc.want)
			}
		})
	}
}
