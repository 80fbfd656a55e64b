package run

import (
	"context"
	"errors"
	"sync"
	"testing"

	"parley/internal/api"
	"parley/internal/types"
)

type fakeOrchestrator struct {
	mu sync.Mutex

	threadID    string
	startErr    error
	resumeErr   error
	streamErr   error
	startCalls  []api.StartRequest
	resumeCalls []api.ResumeRequest
	streams     int
	callbacks   api.StreamCallbacks

	onResume func()
}

func (f *fakeOrchestrator) Start(_ context.Context, req api.StartRequest) (*api.StartResponse, error) {
	f.mu.Lock()
	f.startCalls = append(f.startCalls, req)
	err := f.startErr
	id := f.threadID
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &api.StartResponse{ThreadID: id}, nil
}

func (f *fakeOrchestrator) Resume(_ context.Context, req api.ResumeRequest) (*api.ResumeResponse, error) {
	f.mu.Lock()
	f.resumeCalls = append(f.resumeCalls, req)
	err := f.resumeErr
	hook := f.onResume
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &api.ResumeResponse{ThreadID: req.ThreadID}, nil
}

func (f *fakeOrchestrator) StreamThread(_ context.Context, _ string, callbacks api.StreamCallbacks) (*api.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.streams++
	f.callbacks = callbacks
	return &api.Stream{}, nil
}

func (f *fakeOrchestrator) push(t *testing.T, events ...types.StreamEvent) {
	t.Helper()
	f.mu.Lock()
	callbacks := f.callbacks
	f.mu.Unlock()
	if callbacks.OnEvent == nil {
		t.Fatalf("no stream attached")
	}
	for _, event := range events {
		callbacks.OnEvent(event)
	}
}

func (f *fakeOrchestrator) closeStream(normally bool, err error) {
	f.mu.Lock()
	callbacks := f.callbacks
	f.mu.Unlock()
	if normally {
		callbacks.OnComplete()
		return
	}
	callbacks.OnError(err)
}

func newTestDriver(t *testing.T) (*Driver, *fakeOrchestrator) {
	t.Helper()
	fake := &fakeOrchestrator{threadID: "t-1"}
	driver := NewDriver(Config{API: fake, UsePlanning: true})
	return driver, fake
}

func pendingApprovalID(t *testing.T, driver *Driver) string {
	t.Helper()
	for _, message := range driver.Snapshot().Messages {
		if message.NeedsApproval {
			return message.ID
		}
	}
	t.Fatalf("no message awaiting approval")
	return ""
}

func assistantText(t *testing.T, driver *Driver) string {
	t.Helper()
	messages := driver.Snapshot().Messages
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant {
			return messages[i].Text()
		}
	}
	return ""
}

func pauseForApproval(t *testing.T, driver *Driver, fake *fakeOrchestrator) string {
	t.Helper()
	if err := driver.Send(context.Background(), "do the thing"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fake.push(t, types.StreamEvent{Type: types.EventStatus, Status: &types.StatusPayload{
		Status:       types.StatusUserFeedback,
		ResponseType: types.ResponseTypeReplan,
	}})
	fake.closeStream(true, nil)
	if got := driver.Snapshot().State; got != types.RunAwaitingApproval {
		t.Fatalf("state = %s, want awaiting_approval", got)
	}
	return pendingApprovalID(t, driver)
}

func TestSendStreamsTokensToCompletion(t *testing.T) {
	driver, fake := newTestDriver(t)

	if err := driver.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snapshot := driver.Snapshot()
	if snapshot.State != types.RunRunning || !snapshot.Streaming {
		t.Fatalf("snapshot after send: %+v", snapshot)
	}
	if snapshot.ThreadID != "t-1" {
		t.Fatalf("server thread id not adopted: %q", snapshot.ThreadID)
	}
	if len(fake.startCalls) != 1 || !fake.startCalls[0].UsePlanning || fake.startCalls[0].HumanRequest != "hello" {
		t.Fatalf("start calls = %+v", fake.startCalls)
	}
	if snapshot.Messages[0].Role != types.RoleUser || snapshot.Messages[0].Text() != "hello" {
		t.Fatalf("user message missing: %+v", snapshot.Messages)
	}

	fake.push(t,
		types.StreamEvent{Type: types.EventToken, Token: &types.TokenPayload{Content: "Hi"}},
		types.StreamEvent{Type: types.EventStatus, Status: &types.StatusPayload{Status: types.StatusFinished}},
	)
	fake.closeStream(true, nil)

	snapshot = driver.Snapshot()
	if snapshot.State != types.RunFinished || snapshot.Streaming {
		t.Fatalf("snapshot after finish: state=%s streaming=%v", snapshot.State, snapshot.Streaming)
	}
	last := snapshot.Messages[len(snapshot.Messages)-1]
	if last.Text() != "Hi" || last.IsStreaming {
		t.Fatalf("assistant message = %+v", last)
	}

	// The thread is quiescent again.
	if err := driver.Send(context.Background(), "next"); err != nil {
		t.Fatalf("Send after finish: %v", err)
	}
}

func TestSendRejectedWhileRunActive(t *testing.T) {
	driver, _ := newTestDriver(t)
	if err := driver.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := driver.Send(context.Background(), "again"); !errors.Is(err, ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
}

func TestSendEmptyInput(t *testing.T) {
	driver, _ := newTestDriver(t)
	if err := driver.Send(context.Background(), "  "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

func TestStartFailureErrorsTheTurn(t *testing.T) {
	driver, fake := newTestDriver(t)
	fake.startErr = errors.New("connection refused")

	if err := driver.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected start error")
	}
	snapshot := driver.Snapshot()
	if snapshot.State != types.RunError {
		t.Fatalf("state = %s, want error", snapshot.State)
	}
	if assistantText(t, driver) == "" {
		t.Fatalf("failure must surface in the transcript")
	}

	// A new submit re-enters starting.
	fake.startErr = nil
	if err := driver.Send(context.Background(), "again"); err != nil {
		t.Fatalf("Send after error: %v", err)
	}
}

func TestApproveClearsFlagOptimistically(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)

	flagDuringCall := true
	fake.onResume = func() {
		for _, message := range driver.Snapshot().Messages {
			if message.ID == messageID {
				flagDuringCall = message.NeedsApproval
			}
		}
	}

	if err := driver.Approve(context.Background(), messageID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if flagDuringCall {
		t.Fatalf("approval flag must clear before the resume call resolves")
	}
	if len(fake.resumeCalls) != 1 || fake.resumeCalls[0].ReviewAction != api.ReviewApproved {
		t.Fatalf("resume calls = %+v", fake.resumeCalls)
	}
	snapshot := driver.Snapshot()
	if snapshot.State != types.RunRunning || !snapshot.Streaming {
		t.Fatalf("snapshot after approve: state=%s streaming=%v", snapshot.State, snapshot.Streaming)
	}
	if fake.streams != 2 {
		t.Fatalf("streams = %d, want fresh reader on resume", fake.streams)
	}
}

func TestApproveRequiresPendingApproval(t *testing.T) {
	driver, fake := newTestDriver(t)
	if err := driver.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fake.push(t, types.StreamEvent{Type: types.EventStatus, Status: &types.StatusPayload{Status: types.StatusFinished}})
	fake.closeStream(true, nil)

	messages := driver.Snapshot().Messages
	last := messages[len(messages)-1]
	if err := driver.Approve(context.Background(), last.ID); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Fatalf("err = %v, want ErrNotAwaitingApproval", err)
	}
}

func TestResumeTimeoutArmsRetry(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)
	fake.resumeErr = context.DeadlineExceeded

	if err := driver.Approve(context.Background(), messageID); err == nil {
		t.Fatalf("expected timeout error")
	}

	snapshot := driver.Snapshot()
	if snapshot.State != types.RunAwaitingApproval {
		t.Fatalf("state = %s, want rollback to awaiting_approval", snapshot.State)
	}
	var message *types.Message
	for _, candidate := range snapshot.Messages {
		if candidate.ID == messageID {
			message = candidate
		}
	}
	if message == nil {
		t.Fatalf("message lost")
	}
	if !message.NeedsApproval {
		t.Fatalf("approval flag must be restored on timeout")
	}
	if !message.HasTimedOut || !message.CanRetry || message.RetryAction != types.RetryActionApprove {
		t.Fatalf("retry flags = %+v", message)
	}
	if message.Status != types.MessageStatusTimeout {
		t.Fatalf("status = %q, want timeout", message.Status)
	}

	// Retry re-issues the approve and clears the flags.
	fake.resumeErr = nil
	if err := driver.Retry(context.Background(), messageID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(fake.resumeCalls) != 2 || fake.resumeCalls[1].ReviewAction != api.ReviewApproved {
		t.Fatalf("resume calls = %+v", fake.resumeCalls)
	}
	snapshot = driver.Snapshot()
	if snapshot.State != types.RunRunning {
		t.Fatalf("state after retry = %s", snapshot.State)
	}
	for _, candidate := range snapshot.Messages {
		if candidate.ID == messageID && (candidate.HasTimedOut || candidate.CanRetry || candidate.NeedsApproval) {
			t.Fatalf("flags not cleared after retry: %+v", candidate)
		}
	}
}

func TestFeedbackTimeoutPreservesComment(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)
	fake.resumeErr = context.DeadlineExceeded

	if err := driver.Feedback(context.Background(), messageID, "try a smaller scope"); err == nil {
		t.Fatalf("expected timeout error")
	}
	var message *types.Message
	for _, candidate := range driver.Snapshot().Messages {
		if candidate.ID == messageID {
			message = candidate
		}
	}
	if message.RetryAction != types.RetryActionFeedback || message.RetryComment != "try a smaller scope" {
		t.Fatalf("retry state = %+v", message)
	}

	fake.resumeErr = nil
	if err := driver.Retry(context.Background(), messageID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	last := fake.resumeCalls[len(fake.resumeCalls)-1]
	if last.ReviewAction != api.ReviewFeedback || last.HumanComment != "try a smaller scope" {
		t.Fatalf("retry must preserve the original action and comment: %+v", last)
	}
}

func TestRetryWithoutFlagsIsNoOp(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)

	if err := driver.Retry(context.Background(), messageID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(fake.resumeCalls) != 0 {
		t.Fatalf("retry without flags must not call resume: %+v", fake.resumeCalls)
	}
}

func TestResumeFailureRestoresFlagAndAppendsError(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)
	fake.resumeErr = errors.New("conflict")

	if err := driver.Approve(context.Background(), messageID); err == nil {
		t.Fatalf("expected resume error")
	}
	snapshot := driver.Snapshot()
	if snapshot.State != types.RunAwaitingApproval {
		t.Fatalf("state = %s, want awaiting_approval", snapshot.State)
	}
	var message *types.Message
	for _, candidate := range snapshot.Messages {
		if candidate.ID == messageID {
			message = candidate
		}
	}
	if !message.NeedsApproval || message.HasTimedOut {
		t.Fatalf("non-timeout failure must restore the flag without retry: %+v", message)
	}
	if assistantText(t, driver) == "" {
		t.Fatalf("failure must surface in the transcript")
	}
}

func TestFeedbackAppendsUserMessage(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)

	if err := driver.Feedback(context.Background(), messageID, "narrow it down"); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	if len(fake.resumeCalls) != 1 || fake.resumeCalls[0].ReviewAction != api.ReviewFeedback ||
		fake.resumeCalls[0].HumanComment != "narrow it down" {
		t.Fatalf("resume calls = %+v", fake.resumeCalls)
	}
	found := false
	for _, message := range driver.Snapshot().Messages {
		if message.Role == types.RoleUser && message.Text() == "narrow it down" {
			found = true
		}
	}
	if !found {
		t.Fatalf("feedback text missing from the transcript")
	}
}

func TestCancelTimeoutRestoresFlagWithoutArmingRetry(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)
	fake.resumeErr = context.DeadlineExceeded

	if err := driver.Cancel(context.Background(), messageID); err == nil {
		t.Fatalf("expected timeout error")
	}

	snapshot := driver.Snapshot()
	if snapshot.State != types.RunAwaitingApproval {
		t.Fatalf("state = %s, want rollback to awaiting_approval", snapshot.State)
	}
	var message *types.Message
	for _, candidate := range snapshot.Messages {
		if candidate.ID == messageID {
			message = candidate
		}
	}
	if !message.NeedsApproval {
		t.Fatalf("approval flag must be restored: %+v", message)
	}
	// Cancel has no retry action; arming the retry hint would dangle.
	if message.HasTimedOut || message.CanRetry || message.RetryAction != types.RetryActionNone {
		t.Fatalf("cancel timeout must not arm retry: %+v", message)
	}
	if assistantText(t, driver) == "" {
		t.Fatalf("failure must surface in the transcript")
	}

	// The restored pause still accepts a decision.
	fake.resumeErr = nil
	if err := driver.Cancel(context.Background(), messageID); err != nil {
		t.Fatalf("Cancel after rollback: %v", err)
	}
	if driver.Snapshot().State != types.RunCancelled {
		t.Fatalf("state = %s, want cancelled", driver.Snapshot().State)
	}
}

func TestCancelGoesQuiescentWithoutStreaming(t *testing.T) {
	driver, fake := newTestDriver(t)
	messageID := pauseForApproval(t, driver, fake)
	streamsBefore := fake.streams

	if err := driver.Cancel(context.Background(), messageID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snapshot := driver.Snapshot()
	if snapshot.State != types.RunCancelled || snapshot.Streaming {
		t.Fatalf("snapshot after cancel: state=%s streaming=%v", snapshot.State, snapshot.Streaming)
	}
	if fake.streams != streamsBefore {
		t.Fatalf("cancel must not attach a new reader")
	}
	var message *types.Message
	for _, candidate := range snapshot.Messages {
		if candidate.ID == messageID {
			message = candidate
		}
	}
	if message.NeedsApproval || message.Status != types.MessageStatusRejected {
		t.Fatalf("cancelled message = %+v", message)
	}

	if err := driver.Send(context.Background(), "new request"); err != nil {
		t.Fatalf("Send after cancel: %v", err)
	}
}

func TestStreamErrorMarksTurnErrored(t *testing.T) {
	driver, fake := newTestDriver(t)
	if err := driver.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fake.push(t, types.StreamEvent{Type: types.EventToken, Token: &types.TokenPayload{Content: "partial"}})
	fake.closeStream(false, errors.New("stream closed unexpectedly before the run finished"))

	snapshot := driver.Snapshot()
	if snapshot.State != types.RunError || snapshot.Streaming {
		t.Fatalf("snapshot after stream error: state=%s streaming=%v", snapshot.State, snapshot.Streaming)
	}
	last := snapshot.Messages[len(snapshot.Messages)-1]
	if last.Status != types.MessageStatusError || last.Text() == "" {
		t.Fatalf("errored message = %+v", last)
	}
}

func TestHydrateRestoresApprovalPause(t *testing.T) {
	driver, _ := newTestDriver(t)
	driver.Hydrate([]*types.Message{
		{ID: "m1", Role: types.RoleUser, Content: []*types.ContentBlock{{ID: "text", Type: types.BlockText, Text: "hi"}}},
		{ID: "m2", Role: types.RoleAssistant, NeedsApproval: true, Status: types.MessageStatusPending},
	})

	snapshot := driver.Snapshot()
	if snapshot.State != types.RunAwaitingApproval {
		t.Fatalf("state = %s, want awaiting_approval", snapshot.State)
	}
	if len(snapshot.Messages) != 2 {
		t.Fatalf("messages = %+v", snapshot.Messages)
	}
}
