package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/config"
	"parley/internal/types"
)

var streamDebugFromConfig atomic.Bool

// EnableStreamDebug turns on the raw stream log, equivalent to setting
// PARLEY_STREAM_DEBUG=1. Called when the config enables it.
func EnableStreamDebug() {
	streamDebugFromConfig.Store(true)
}

func streamDebugEnabled() bool {
	return streamDebugFromConfig.Load() || strings.TrimSpace(os.Getenv("PARLEY_STREAM_DEBUG")) == "1"
}

var (
	streamLogger     *log.Logger
	streamLoggerOnce sync.Once
)

func streamDebugLogger() *log.Logger {
	if !streamDebugEnabled() {
		return nil
	}
	streamLoggerOnce.Do(func() {
		path, err := config.StreamLogPath()
		if err != nil || path == "" {
			path = filepath.Join(os.TempDir(), "parley-stream.log")
		}
		_ = os.MkdirAll(filepath.Dir(path), 0o700)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			streamLogger = log.New(os.Stderr, "stream ", log.LstdFlags)
			return
		}
		streamLogger = log.New(file, "stream ", log.LstdFlags)
	})
	return streamLogger
}

func streamLogf(format string, args ...any) {
	logger := streamDebugLogger()
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

// StreamCallbacks receives the decoded event sequence for one connection.
// Exactly one of OnComplete and OnError fires when the connection ends,
// unless the caller closed the stream, in which case neither does.
type StreamCallbacks struct {
	OnEvent      func(types.StreamEvent)
	OnParseError func(error)
	OnComplete   func()
	OnError      func(error)
}

// Stream is a handle on one live connection. Close is idempotent and
// suppresses all further callbacks.
type Stream struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	callerClosed bool
}

func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	already := s.callerClosed
	s.callerClosed = true
	s.mu.Unlock()
	if already {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Stream) closedByCaller() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callerClosed
}

// StreamThread opens the event stream for a thread and decodes it until
// the connection ends, fails, or the caller closes the returned handle.
//
// A transport-level close is ambiguous: the server drops the channel both
// when a run finishes or pauses for feedback and when the connection
// genuinely breaks. The reader tracks, per connection, whether a pausing
// or terminal status event was observed and reports the close as a normal
// completion only in that case.
func (c *Client) StreamThread(ctx context.Context, threadID string, callbacks StreamCallbacks) (*Stream, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	if err := c.ensureToken(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	url := fmt.Sprintf("%s/api/v1/threads/%s/stream", c.baseURL, threadID)
	streamLogf("stream open thread=%s url=%s", threadID, url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// A fresh client: the configured request timeout would kill a
	// long-lived stream mid-run.
	httpClient := &http.Client{Transport: c.http.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		streamLogf("stream error thread=%s status=%d", threadID, resp.StatusCode)
		return nil, decodeAPIError(resp)
	}

	stream := &Stream{cancel: cancel}
	go c.readStream(resp, threadID, stream, callbacks)
	return stream, nil
}

func (c *Client) readStream(resp *http.Response, threadID string, stream *Stream, callbacks StreamCallbacks) {
	defer resp.Body.Close()

	start := time.Now()
	count := 0
	sawPause := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var (
		eventName string
		dataLines []string
	)

	dispatch := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		payload := strings.Join(dataLines, "\n")
		name := eventName
		dataLines = dataLines[:0]
		eventName = ""

		event, err := types.DecodeStreamEvent(name, []byte(payload))
		if err != nil {
			streamLogf("stream parse error thread=%s err=%v", threadID, err)
			if callbacks.OnParseError != nil {
				callbacks.OnParseError(fmt.Errorf("malformed stream event: %w", err))
			}
			return
		}
		if event.Type == types.EventStatus && event.Status.Pausing() {
			sawPause = true
		}
		count++
		if callbacks.OnEvent != nil {
			callbacks.OnEvent(event)
		}
	}

	for scanner.Scan() {
		// Events the scanner buffered before the caller closed must not be
		// delivered either.
		if stream.closedByCaller() {
			return
		}
		line := scanner.Text()
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(line[len("event:"):])
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	if stream.closedByCaller() {
		return
	}
	// A final event terminated by EOF instead of a blank line still counts.
	dispatch()

	scanErr := scanner.Err()
	streamLogf("stream close thread=%s count=%d pause=%v err=%v dur=%s", threadID, count, sawPause, scanErr, time.Since(start))

	if stream.closedByCaller() || errors.Is(scanErr, context.Canceled) {
		return
	}
	if sawPause {
		if callbacks.OnComplete != nil {
			callbacks.OnComplete()
		}
		return
	}
	if callbacks.OnError != nil {
		if scanErr != nil {
			callbacks.OnError(fmt.Errorf("stream closed unexpectedly: %v", scanErr))
		} else {
			callbacks.OnError(errors.New("stream closed unexpectedly before the run finished"))
		}
	}
}
