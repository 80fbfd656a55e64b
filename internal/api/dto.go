package api

import "parley/internal/types"

// ReviewAction is the human decision sent on resume.
type ReviewAction string

const (
	ReviewApproved  ReviewAction = "approved"
	ReviewFeedback  ReviewAction = "feedback"
	ReviewCancelled ReviewAction = "cancelled"
)

type StartRequest struct {
	ThreadID     string `json:"thread_id,omitempty"`
	HumanRequest string `json:"human_request"`
	UsePlanning  bool   `json:"use_planning"`
	UseExplainer bool   `json:"use_explainer"`
}

type StartResponse struct {
	ThreadID string `json:"thread_id"`
}

type ResumeRequest struct {
	ThreadID     string       `json:"thread_id"`
	ReviewAction ReviewAction `json:"review_action"`
	HumanComment string       `json:"human_comment,omitempty"`
}

type ResumeResponse struct {
	ThreadID string `json:"thread_id"`
}

type ThreadsResponse struct {
	Threads []*types.Thread `json:"threads"`
}

type MessagesResponse struct {
	Messages []*types.Message `json:"messages"`
}

type RenameThreadRequest struct {
	Title string `json:"title"`
}

type Attachment struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}
