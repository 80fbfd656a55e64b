package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/internal/types"
)

type streamRecorder struct {
	mu          sync.Mutex
	events      []types.StreamEvent
	parseErrors []error
	complete    chan struct{}
	failed      chan error
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{
		complete: make(chan struct{}, 1),
		failed:   make(chan error, 1),
	}
}

func (r *streamRecorder) callbacks() StreamCallbacks {
	return StreamCallbacks{
		OnEvent: func(event types.StreamEvent) {
			r.mu.Lock()
			r.events = append(r.events, event)
			r.mu.Unlock()
		},
		OnParseError: func(err error) {
			r.mu.Lock()
			r.parseErrors = append(r.parseErrors, err)
			r.mu.Unlock()
		},
		OnComplete: func() { r.complete <- struct{}{} },
		OnError:    func(err error) { r.failed <- err },
	}
}

func (r *streamRecorder) snapshot() ([]types.StreamEvent, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StreamEvent(nil), r.events...), append([]error(nil), r.parseErrors...)
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if req.Header.Get("Accept") != "text/event-stream" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, frame := range frames {
			_, _ = w.Write([]byte(frame))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func testClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      "token",
		http:       &http.Client{},
		runTimeout: time.Second,
	}
}

func TestStreamThreadParsesNamedEvents(t *testing.T) {
	server := sseServer(t, []string{
		"event: token\ndata: {\"content\":\"Hi\"}\n\n",
		"event: status\ndata: {\"status\":\"finished\"}\n\n",
	})
	defer server.Close()

	recorder := newStreamRecorder()
	stream, err := testClient(server.URL).StreamThread(t.Context(), "t-1", recorder.callbacks())
	if err != nil {
		t.Fatalf("StreamThread: %v", err)
	}
	defer stream.Close()

	select {
	case <-recorder.complete:
	case err := <-recorder.failed:
		t.Fatalf("error callback fired: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for completion")
	}

	events, parseErrors := recorder.snapshot()
	if len(parseErrors) != 0 {
		t.Fatalf("unexpected parse errors: %v", parseErrors)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != types.EventToken || events[0].Token.Content != "Hi" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != types.EventStatus || events[1].Status.Status != types.StatusFinished {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestStreamThreadRawDataFraming(t *testing.T) {
	server := sseServer(t, []string{
		"data: {\"type\":\"tool_call\",\"tool_id\":\"t1\",\"tool_name\":\"search\",\"args\":\"{}\"}\n\n",
		"data: {\"type\":\"status\",\"status\":\"user_feedback\",\"response_type\":\"replan\"}\n\n",
	})
	defer server.Close()

	recorder := newStreamRecorder()
	stream, err := testClient(server.URL).StreamThread(t.Context(), "t-1", recorder.callbacks())
	if err != nil {
		t.Fatalf("StreamThread: %v", err)
	}
	defer stream.Close()

	select {
	case <-recorder.complete:
	case err := <-recorder.failed:
		t.Fatalf("error callback fired: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for completion")
	}

	events, _ := recorder.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != types.EventToolCall || events[0].ToolCall.ID() != "t1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}

func TestStreamThreadAbruptCloseFiresError(t *testing.T) {
	server := sseServer(t, []string{
		"event: token\ndata: {\"content\":\"partial\"}\n\n",
	})
	defer server.Close()

	recorder := newStreamRecorder()
	stream, err := testClient(server.URL).StreamThread(t.Context(), "t-1", recorder.callbacks())
	if err != nil {
		t.Fatalf("StreamThread: %v", err)
	}
	defer stream.Close()

	select {
	case err := <-recorder.failed:
		if err == nil || err.Error() == "" {
			t.Fatalf("error callback must carry a descriptive error")
		}
	case <-recorder.complete:
		t.Fatalf("completion callback fired without a terminal status")
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for error")
	}
}

func TestStreamThreadMalformedEventSkipped(t *testing.T) {
	server := sseServer(t, []string{
		"event: token\ndata: {\"content\":\n\n",
		"event: token\ndata: {\"content\":\"ok\"}\n\n",
		"event: status\ndata: {\"status\":\"finished\"}\n\n",
	})
	defer server.Close()

	recorder := newStreamRecorder()
	stream, err := testClient(server.URL).StreamThread(t.Context(), "t-1", recorder.callbacks())
	if err != nil {
		t.Fatalf("StreamThread: %v", err)
	}
	defer stream.Close()

	select {
	case <-recorder.complete:
	case err := <-recorder.failed:
		t.Fatalf("error callback fired: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for completion")
	}

	events, parseErrors := recorder.snapshot()
	if len(parseErrors) != 1 {
		t.Fatalf("got %d parse errors, want 1", len(parseErrors))
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (malformed one skipped)", len(events))
	}
	if events[0].Token == nil || events[0].Token.Content != "ok" {
		t.Fatalf("unexpected surviving event: %+v", events[0])
	}
}

func TestStreamCloseSuppressesCallbacksAndIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		select {
		case <-req.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	recorder := newStreamRecorder()
	stream, err := testClient(server.URL).StreamThread(t.Context(), "t-1", recorder.callbacks())
	if err != nil {
		t.Fatalf("StreamThread: %v", err)
	}

	stream.Close()
	stream.Close()

	select {
	case <-recorder.complete:
		t.Fatalf("completion callback fired after caller close")
	case err := <-recorder.failed:
		t.Fatalf("error callback fired after caller close: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReadStreamDropsBufferedEventsAfterClose(t *testing.T) {
	// Frames the scanner may have buffered before Close must not be
	// delivered afterwards.
	body := io.NopCloser(strings.NewReader(
		"event: token\ndata: {\"content\":\"late\"}\n\n" +
			"event: status\ndata: {\"status\":\"finished\"}\n\n",
	))
	resp := &http.Response{Body: body}

	stream := &Stream{}
	stream.Close()

	recorder := newStreamRecorder()
	(&Client{}).readStream(resp, "t-1", stream, recorder.callbacks())

	events, parseErrors := recorder.snapshot()
	if len(events) != 0 || len(parseErrors) != 0 {
		t.Fatalf("events delivered after caller close: %d events, %d parse errors", len(events), len(parseErrors))
	}
	select {
	case <-recorder.complete:
		t.Fatalf("completion callback fired after caller close")
	case err := <-recorder.failed:
		t.Fatalf("error callback fired after caller close: %v", err)
	default:
	}
}

func TestStreamThreadRejectsUnauthenticatedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := &Client{baseURL: server.URL, token: "stale", http: &http.Client{}}
	_, err := client.StreamThread(t.Context(), "t-1", StreamCallbacks{})
	apiErr := AsAPIError(err)
	if apiErr == nil || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
}
