package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/internal/config"
	"parley/internal/types"
)

const defaultBaseURL = "http://127.0.0.1:8000"

// defaultRunTimeout bounds start/resume calls, which block while the
// orchestrator re-plans and can take far longer than ordinary requests.
const defaultRunTimeout = 120 * time.Second

type Client struct {
	baseURL    string
	tokenPath  string
	token      string
	http       *http.Client
	runTimeout time.Duration
}

func New() (*Client, error) {
	tokenPath, err := config.TokenPath()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   defaultBaseURL,
		tokenPath: tokenPath,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		runTimeout: defaultRunTimeout,
	}
	_ = c.loadToken()
	return c, nil
}

// NewFromConfig builds a client honoring the configured server address and
// run timeout.
func NewFromConfig(cfg config.Config) (*Client, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	c.baseURL = cfg.ServerBaseURL()
	c.runTimeout = cfg.RunTimeout()
	if cfg.StreamDebugEnabled() {
		EnableStreamDebug()
	}
	return c, nil
}

func NewWithBaseURL(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		runTimeout: defaultRunTimeout,
	}
}

// SetRunTimeout overrides the deadline applied to start and resume calls.
func (c *Client) SetRunTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.runTimeout = timeout
	}
}

// Start begins a new run, creating a thread when req.ThreadID is empty.
func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var resp StartResponse
	if err := c.doJSONWithTimeout(ctx, http.MethodPost, "/api/v1/agent/start", req, true, &resp, c.runTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume continues a paused run with the human's review decision.
func (c *Client) Resume(ctx context.Context, req ResumeRequest) (*ResumeResponse, error) {
	if strings.TrimSpace(req.ThreadID) == "" {
		return nil, errors.New("thread id is required")
	}
	var resp ResumeResponse
	if err := c.doJSONWithTimeout(ctx, http.MethodPost, "/api/v1/agent/resume", req, true, &resp, c.runTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListThreads(ctx context.Context) ([]*types.Thread, error) {
	var resp ThreadsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/threads", nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

func (c *Client) GetThread(ctx context.Context, id string) (*types.Thread, error) {
	var thread types.Thread
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/threads/"+strings.TrimSpace(id), nil, true, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *Client) RenameThread(ctx context.Context, id, title string) (*types.Thread, error) {
	var thread types.Thread
	path := "/api/v1/threads/" + strings.TrimSpace(id)
	if err := c.doJSON(ctx, http.MethodPatch, path, RenameThreadRequest{Title: title}, true, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/threads/"+strings.TrimSpace(id), nil, true, nil)
}

func (c *Client) RestoreThread(ctx context.Context, id string) (*types.Thread, error) {
	var thread types.Thread
	path := fmt.Sprintf("/api/v1/threads/%s/restore", strings.TrimSpace(id))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, true, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]*types.Message, error) {
	var resp MessagesResponse
	path := fmt.Sprintf("/api/v1/threads/%s/messages", strings.TrimSpace(threadID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// FetchExplorer hydrates the full analysis data behind an explorer block.
// Invoked lazily, only when the block is opened.
func (c *Client) FetchExplorer(ctx context.Context, threadID, checkpointID string) (json.RawMessage, error) {
	return c.fetchCheckpoint(ctx, "explorer", threadID, checkpointID)
}

// FetchVisualization hydrates the chart data behind a visualization block.
func (c *Client) FetchVisualization(ctx context.Context, threadID, checkpointID string) (json.RawMessage, error) {
	return c.fetchCheckpoint(ctx, "visualizations", threadID, checkpointID)
}

func (c *Client) fetchCheckpoint(ctx context.Context, kind, threadID, checkpointID string) (json.RawMessage, error) {
	if strings.TrimSpace(threadID) == "" || strings.TrimSpace(checkpointID) == "" {
		return nil, errors.New("thread id and checkpoint id are required")
	}
	path := fmt.Sprintf("/api/v1/threads/%s/%s/%s", strings.TrimSpace(threadID), kind, strings.TrimSpace(checkpointID))
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, true, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// UploadAttachment stores a file and returns its public URL and path.
func (c *Client) UploadAttachment(ctx context.Context, filename string, r io.Reader) (*Attachment, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/attachments", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := c.ensureToken(); err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp)
	}
	var attachment Attachment
	if err := json.NewDecoder(resp.Body).Decode(&attachment); err != nil {
		return nil, err
	}
	return &attachment, nil
}

func (c *Client) DeleteAttachment(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("attachment path is required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/attachments?path="+url.QueryEscape(path), nil, true, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, requireAuth bool, out any) error {
	return c.doJSONWithClient(ctx, method, path, body, requireAuth, out, c.http)
}

func (c *Client) doJSONWithTimeout(ctx context.Context, method, path string, body any, requireAuth bool, out any, timeout time.Duration) error {
	client := c.http
	if timeout > 0 {
		client = &http.Client{
			Timeout:   timeout,
			Transport: c.http.Transport,
		}
	}
	return c.doJSONWithClient(ctx, method, path, body, requireAuth, out, client)
}

func (c *Client) doJSONWithClient(ctx context.Context, method, path string, body any, requireAuth bool, out any, httpClient *http.Client) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if requireAuth {
		if err := c.ensureToken(); err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ensureToken() error {
	if strings.TrimSpace(c.token) == "" {
		if err := c.loadToken(); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.token) == "" {
		return errors.New("token not found; run parley login or set one in the config")
	}
	return nil
}

func (c *Client) loadToken() error {
	if c.tokenPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.token = ""
			return nil
		}
		return err
	}
	c.token = strings.TrimSpace(string(data))
	return nil
}

func decodeAPIError(resp *http.Response) error {
	type errorPayload struct {
		Error string `json:"error"`
	}
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsTimeout classifies an error from a start or resume call as a
// client-side deadline hit, which is recoverable via retry, as opposed to
// an application failure, which is not.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}
