package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/conversation"
	"parley/internal/logging"
	"parley/internal/types"
)

// Orchestrator is the slice of the API client the driver drives.
type Orchestrator interface {
	Start(ctx context.Context, req api.StartRequest) (*api.StartResponse, error)
	Resume(ctx context.Context, req api.ResumeRequest) (*api.ResumeResponse, error)
	StreamThread(ctx context.Context, threadID string, callbacks api.StreamCallbacks) (*api.Stream, error)
}

// Store persists threads and messages locally. Persistence failures are
// logged and never fail a workflow operation.
type Store interface {
	PutThread(thread *types.Thread) error
	PutMessage(message *types.Message) error
}

var (
	ErrRunActive           = errors.New("a run is already active on this thread")
	ErrNotAwaitingApproval = errors.New("no approval is pending")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrEmptyInput          = errors.New("input is empty")
)

type Config struct {
	API          Orchestrator
	Store        Store
	Log          logging.Logger
	ThreadID     string
	UsePlanning  bool
	UseExplainer bool
}

// Driver owns one thread's workflow: it issues start and resume calls,
// attaches the stream reader, routes events into the conversation and the
// state machine, and applies the timeout and rollback policy. All state is
// guarded by mu; the lock is dropped across network calls so snapshots stay
// responsive, with the run state itself serving as the re-entrancy guard.
type Driver struct {
	mu sync.Mutex

	api          Orchestrator
	store        Store
	log          logging.Logger
	usePlanning  bool
	useExplainer bool

	machine *Machine
	conv    *conversation.Conversation

	threadID    string
	assistantID string
	stream      *api.Stream
	streaming   bool
}

func NewDriver(cfg Config) *Driver {
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Driver{
		api:          cfg.API,
		store:        cfg.Store,
		log:          log.With(logging.F("thread", cfg.ThreadID)),
		usePlanning:  cfg.UsePlanning,
		useExplainer: cfg.UseExplainer,
		machine:      NewMachine(),
		conv:         conversation.New(cfg.ThreadID),
		threadID:     cfg.ThreadID,
	}
}

// Snapshot is a point-in-time copy of the driver's observable state, safe
// to render from another goroutine.
type Snapshot struct {
	ThreadID  string
	State     types.RunState
	Streaming bool
	Messages  []*types.Message
	ToolSteps []types.ToolStep
}

func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	steps := make([]types.ToolStep, 0, len(d.conv.ToolSteps()))
	for _, step := range d.conv.ToolSteps() {
		steps = append(steps, *step)
	}
	return Snapshot{
		ThreadID:  d.threadID,
		State:     d.machine.State(),
		Streaming: d.streaming,
		Messages:  d.conv.Snapshot(),
		ToolSteps: steps,
	}
}

func (d *Driver) ThreadID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threadID
}

// Hydrate loads persisted history into the conversation and restores the
// run state implied by it: a message still flagged for approval re-opens
// the approval pause.
func (d *Driver) Hydrate(messages []*types.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conv.Hydrate(messages)
	state := types.RunIdle
	for _, message := range messages {
		if message != nil && message.NeedsApproval {
			state = types.RunAwaitingApproval
			d.assistantID = message.ID
		}
	}
	d.machine.Restore(state)
}

// Send submits a new human request. Rejected while a run is active on the
// thread; a fresh thread is created server-side when none exists yet.
// A failed start, timeout included, errors the turn: retry only re-issues
// a recorded approve or feedback decision, and a start has neither, so
// recovery is a fresh submit.
func (d *Driver) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	d.mu.Lock()
	if d.streaming || !d.machine.State().Quiescent() {
		d.mu.Unlock()
		return ErrRunActive
	}
	if err := d.machine.Transition(types.RunStarting); err != nil {
		d.mu.Unlock()
		return err
	}
	user := d.conv.AppendUserMessage(text)
	d.persistMessage(user)
	req := api.StartRequest{
		ThreadID:     d.threadID,
		HumanRequest: text,
		UsePlanning:  d.usePlanning,
		UseExplainer: d.useExplainer,
	}
	d.mu.Unlock()

	resp, err := d.api.Start(ctx, req)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.log.Error("start failed", logging.F("err", err))
		d.failTurn(startFailureText(err))
		return err
	}
	if resp != nil && resp.ThreadID != "" {
		d.threadID = resp.ThreadID
		d.conv.SetThreadID(resp.ThreadID)
		d.persistThread(text)
	}
	if err := d.machine.Transition(types.RunRunning); err != nil {
		return err
	}
	d.assistantID = d.conv.BeginAssistantMessage().ID
	return d.attachStreamLocked()
}

// Approve resumes a paused run with the human's approval.
func (d *Driver) Approve(ctx context.Context, messageID string) error {
	d.mu.Lock()
	message := d.conv.Message(messageID)
	if message == nil {
		d.mu.Unlock()
		return ErrUnknownMessage
	}
	if !message.NeedsApproval || d.machine.State() != types.RunAwaitingApproval {
		d.mu.Unlock()
		return ErrNotAwaitingApproval
	}
	return d.resume(ctx, message, api.ReviewApproved, "", types.RetryActionApprove)
}

// Feedback resumes with corrective text. Usable whenever the run is paused,
// even when the message carries no explicit approval flag.
func (d *Driver) Feedback(ctx context.Context, messageID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	d.mu.Lock()
	message := d.conv.Message(messageID)
	if message == nil {
		d.mu.Unlock()
		return ErrUnknownMessage
	}
	if d.machine.State() != types.RunAwaitingApproval {
		d.mu.Unlock()
		return ErrNotAwaitingApproval
	}
	d.persistMessage(d.conv.AppendUserMessage(text))
	return d.resume(ctx, message, api.ReviewFeedback, text, types.RetryActionFeedback)
}

// Cancel resolves the pending approval by rejecting the run. No stream is
// attached afterwards; the thread goes quiescent.
func (d *Driver) Cancel(ctx context.Context, messageID string) error {
	d.mu.Lock()
	message := d.conv.Message(messageID)
	if message == nil {
		d.mu.Unlock()
		return ErrUnknownMessage
	}
	if !message.NeedsApproval || d.machine.State() != types.RunAwaitingApproval {
		d.mu.Unlock()
		return ErrNotAwaitingApproval
	}
	return d.resume(ctx, message, api.ReviewCancelled, "", types.RetryActionNone)
}

// Retry re-issues the action that previously timed out, preserving its
// comment. A message without the retry flags is a no-op.
func (d *Driver) Retry(ctx context.Context, messageID string) error {
	d.mu.Lock()
	message := d.conv.Message(messageID)
	if message == nil || !message.HasTimedOut || !message.CanRetry {
		d.mu.Unlock()
		return nil
	}
	if d.machine.State() != types.RunAwaitingApproval {
		d.mu.Unlock()
		return nil
	}
	action := message.RetryAction
	comment := message.RetryComment
	switch action {
	case types.RetryActionApprove:
		return d.resume(ctx, message, api.ReviewApproved, "", action)
	case types.RetryActionFeedback:
		return d.resume(ctx, message, api.ReviewFeedback, comment, action)
	default:
		d.mu.Unlock()
		return nil
	}
}

// Close drops the live stream, if any. Caller-initiated: no completion or
// error callback will fire. Safe to call repeatedly.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		d.stream.Close()
		d.stream = nil
	}
	d.streaming = false
}

// resume performs the optimistic two-phase mutation around one resume call.
// Entered with mu held; the lock is dropped for the call itself.
//
// Phase one clears the approval flag so the controls cannot be submitted
// twice. Phase two, on failure, compensates: the flag is restored, and a
// timeout additionally arms the retry flags.
func (d *Driver) resume(ctx context.Context, message *types.Message, action api.ReviewAction, comment string, retryAction types.RetryAction) error {
	message.NeedsApproval = false
	message.HasTimedOut = false
	message.CanRetry = false
	message.RetryAction = types.RetryActionNone
	message.RetryComment = ""
	switch action {
	case api.ReviewCancelled:
		message.Status = types.MessageStatusRejected
	default:
		message.Status = types.MessageStatusApproved
	}
	if err := d.machine.Transition(types.RunResuming); err != nil {
		d.mu.Unlock()
		return err
	}
	d.persistMessage(message)
	req := api.ResumeRequest{
		ThreadID:     d.threadID,
		ReviewAction: action,
		HumanComment: comment,
	}
	d.mu.Unlock()

	_, err := d.api.Resume(ctx, req)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.rollbackResume(message, err, comment, retryAction)
		return err
	}

	if action == api.ReviewCancelled {
		if err := d.machine.Transition(types.RunCancelled); err != nil {
			return err
		}
		d.persistMessage(message)
		return nil
	}

	if err := d.machine.Transition(types.RunRunning); err != nil {
		return err
	}
	d.persistMessage(message)
	d.assistantID = d.conv.BeginAssistantMessage().ID
	return d.attachStreamLocked()
}

// rollbackResume restores the approval flag after a failed resume so the
// human can re-decide. Timeouts arm the retry path; other failures surface
// as an appended error message. A cancel has no retry action, so its
// timeout is treated like a plain failure rather than arming a retry that
// could never be re-issued.
func (d *Driver) rollbackResume(message *types.Message, err error, comment string, retryAction types.RetryAction) {
	if rollbackErr := d.machine.Transition(types.RunAwaitingApproval); rollbackErr != nil {
		d.log.Warn("approval rollback transition failed", logging.F("err", rollbackErr))
	}
	message.NeedsApproval = true
	if api.IsTimeout(err) && retryAction != types.RetryActionNone {
		d.log.Warn("resume timed out", logging.F("action", string(retryAction)))
		message.Status = types.MessageStatusTimeout
		message.HasTimedOut = true
		message.CanRetry = true
		message.RetryAction = retryAction
		message.RetryComment = comment
	} else {
		d.log.Error("resume failed", logging.F("err", err))
		message.Status = types.MessageStatusPending
		d.appendErrorTurn(fmt.Sprintf("resume failed: %v", err))
	}
	d.persistMessage(message)
}

// failTurn records a failed start as an errored assistant turn.
func (d *Driver) failTurn(text string) {
	if err := d.machine.Transition(types.RunError); err != nil {
		d.log.Warn("error transition failed", logging.F("err", err))
	}
	d.appendErrorTurn(text)
}

func (d *Driver) appendErrorTurn(text string) {
	message := d.conv.BeginAssistantMessage()
	d.conv.Apply(types.StreamEvent{
		Type: types.EventError,
		Err:  &types.ErrorPayload{Error: text},
	}, message.ID)
	d.persistMessage(message)
}

func startFailureText(err error) string {
	if api.IsTimeout(err) {
		return "the request timed out before the run could start"
	}
	return fmt.Sprintf("failed to start the run: %v", err)
}

// attachStreamLocked opens the reader for the current thread. Exactly one
// reader is live at a time: the run state gates every operation that could
// open another before the current one reaches a terminal callback.
func (d *Driver) attachStreamLocked() error {
	callbacks := api.StreamCallbacks{
		OnEvent:      d.handleEvent,
		OnParseError: d.handleParseError,
		OnComplete:   d.handleComplete,
		OnError:      d.handleStreamError,
	}
	// The stream outlives the originating call; it is closed explicitly.
	stream, err := d.api.StreamThread(context.Background(), d.threadID, callbacks)
	if err != nil {
		d.log.Error("stream attach failed", logging.F("err", err))
		d.failTurn(fmt.Sprintf("failed to open the event stream: %v", err))
		return err
	}
	d.stream = stream
	d.streaming = true
	return nil
}

func (d *Driver) handleEvent(event types.StreamEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if event.Type == types.EventStatus {
		if _, err := d.machine.ApplyStatus(event.Status); err != nil {
			d.log.Warn("status ignored", logging.F("err", err))
		}
	}
	if event.Type == types.EventError {
		if err := d.machine.Transition(types.RunError); err != nil {
			d.log.Warn("error transition failed", logging.F("err", err))
		}
	}

	d.conv.Apply(event, d.assistantID)

	if event.Type == types.EventStatus && event.Status != nil &&
		(event.Status.Pausing() || event.Status.Status == types.StatusError) {
		d.persistMessage(d.conv.Message(d.assistantID))
	}
	if event.Type == types.EventError {
		d.persistMessage(d.conv.Message(d.assistantID))
	}
}

func (d *Driver) handleParseError(err error) {
	d.log.Warn("stream event skipped", logging.F("err", err))
}

func (d *Driver) handleComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	d.stream = nil
	if message := d.conv.Message(d.assistantID); message != nil {
		d.persistMessage(message)
	}
	d.log.Debug("stream completed", logging.F("state", string(d.machine.State())))
}

// handleStreamError fires only when the transport dropped with no pausing
// status observed. The turn is errored; the human must re-submit or retry.
func (d *Driver) handleStreamError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	d.stream = nil
	if transitionErr := d.machine.Transition(types.RunError); transitionErr != nil {
		d.log.Warn("error transition failed", logging.F("err", transitionErr))
	}
	d.conv.Apply(types.StreamEvent{
		Type: types.EventError,
		Err:  &types.ErrorPayload{Error: err.Error()},
	}, d.assistantID)
	if message := d.conv.Message(d.assistantID); message != nil {
		d.persistMessage(message)
	}
	d.log.Error("stream failed", logging.F("err", err))
}

func (d *Driver) persistMessage(message *types.Message) {
	if d.store == nil || message == nil {
		return
	}
	if err := d.store.PutMessage(message.Clone()); err != nil {
		d.log.Warn("persist message failed", logging.F("err", err))
	}
}

func (d *Driver) persistThread(firstRequest string) {
	if d.store == nil || d.threadID == "" {
		return
	}
	thread := &types.Thread{
		ID:        d.threadID,
		Title:     threadTitle(firstRequest),
		UpdatedAt: time.Now(),
	}
	if err := d.store.PutThread(thread); err != nil {
		d.log.Warn("persist thread failed", logging.F("err", err))
	}
}

func threadTitle(request string) string {
	title := strings.TrimSpace(request)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	const maxTitle = 64
	if len(title) > maxTitle {
		title = strings.TrimSpace(title[:maxTitle]) + "…"
	}
	return title
}
