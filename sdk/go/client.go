package taskmarketsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Taskmarket HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID               string   `json:"id"`
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	Complexity       int      `json:"complexity"`
	RewardAmount     int64    `json:"reward_amount"`
	EstimatedDays    int      `json:"estimated_days"`
	Status           string   `json:"status"`
	AssigneeID       string   `json:"assignee_id,omitempty"`
	ClaimedAt        string   `json:"claimed_at,omitempty"`
	EvidenceURL      string   `json:"evidence_url,omitempty"`
	Validators       []string `json:"validators"`
	Remaining        string   `json:"remaining,omitempty"`
	RemainingSeconds int64    `json:"remaining_seconds,omitempty"`
}

// CreateTaskInput are the fields accepted by CreateTask.
type CreateTaskInput struct {
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Complexity  int      `json:"complexity"`
	Platform    string   `json:"platform,omitempty"`
	Category    string   `json:"category,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Validators  []string `json:"validators,omitempty"`
}

// Result is the outcome of a claim, submission or completion.
type Result struct {
	Success   bool   `json:"success"`
	TxHash    string `json:"txHash,omitempty"`
	State     string `json:"state"`
	Warning   string `json:"warning,omitempty"`
	Task      *Task  `json:"task,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Code      string `json:"code,omitempty"`
	FailedAt  string `json:"failedAt,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HistoryEntry represents an audit log row.
type HistoryEntry struct {
	ID       int64          `json:"id"`
	TaskID   string         `json:"task_id"`
	Action   string         `json:"action"`
	ActorID  string         `json:"actor_id"`
	Metadata map[string]any `json:"metadata"`
	TS       string         `json:"ts"`
}

// Review represents a validator review request.
type Review struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	RequestedBy string `json:"requested_by"`
	Status      string `json:"status"`
	ValidatorID string `json:"validator_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Collaborator represents leaderboard stats for an address.
type Collaborator struct {
	Address         string `json:"address"`
	TotalReward     int64  `json:"total_reward"`
	TasksCompleted  int    `json:"tasks_completed"`
	TasksInProgress int    `json:"tasks_in_progress"`
	Rank            string `json:"rank"`
}

// APIError wraps non-2xx responses. Code, Message and Details are decoded
// from the error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TxHash returns the transaction hash reported with a failed operation,
// e.g. a rejected submission.
func (e *APIError) TxHash() string {
	tx, _ := e.Details["tx_hash"].(string)
	return tx
}

// Retryable reports whether the server marked the failure as retryable.
func (e *APIError) Retryable() bool {
	r, _ := e.Details["retryable"].(bool)
	return r
}

// ListOptions filter ListTasks.
type ListOptions struct {
	Status   string
	Open     bool
	Platform string
	Category string
	Assignee string
	Sort     string
	Limit    int
	Cursor   string
}

// TaskPage wraps list responses with cursors.
type TaskPage struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// HistoryPage wraps history responses with cursors.
type HistoryPage struct {
	Items      []HistoryEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (TaskPage, error) {
	q := url.Values{}
	setQuery(q, "status", opts.Status)
	setQuery(q, "platform", opts.Platform)
	setQuery(q, "category", opts.Category)
	setQuery(q, "assignee_id", opts.Assignee)
	setQuery(q, "sort", opts.Sort)
	setQuery(q, "cursor", opts.Cursor)
	if opts.Open {
		q.Set("open", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// GetTask fetches a task by id or key.
func (c *Client) GetTask(ctx context.Context, idOrKey string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(idOrKey, ""), nil, &resp)
	return resp, err
}

// ClaimTask claims a task for the authenticated address.
func (c *Client) ClaimTask(ctx context.Context, idOrKey string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, taskPath(idOrKey, "claim"), nil, &resp)
	return resp, err
}

// SubmitEvidence submits a pull request URL or proof hash.
func (c *Client) SubmitEvidence(ctx context.Context, idOrKey, evidence string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, taskPath(idOrKey, "submit"), map[string]string{"evidence_url": evidence}, &resp)
	return resp, err
}

// CompleteTask completes a submitted task; the caller must be a validator.
func (c *Client) CompleteTask(ctx context.Context, idOrKey string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, taskPath(idOrKey, "complete"), nil, &resp)
	return resp, err
}

// TaskHistory returns the history of one task.
func (c *Client) TaskHistory(ctx context.Context, idOrKey string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, taskPath(idOrKey, "history"), nil, &resp)
	return resp.Items, err
}

// RequestReview asks the task's validators to review the submission.
func (c *Client) RequestReview(ctx context.Context, idOrKey string) (Review, error) {
	var resp struct {
		Review Review `json:"review"`
	}
	err := c.do(ctx, http.MethodPost, taskPath(idOrKey, "reviews"), nil, &resp)
	return resp.Review, err
}

// ResolveReview records a validator verdict. An approval completes the task;
// the completion result is returned alongside the review.
func (c *Client) ResolveReview(ctx context.Context, reviewID string, approved bool, reason string) (Review, *Result, error) {
	var resp struct {
		Review Review  `json:"review"`
		Result *Result `json:"result"`
	}
	body := map[string]any{"approved": approved, "reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reviews/%s/resolve", url.PathEscape(reviewID)), body, &resp)
	return resp.Review, resp.Result, err
}

// History returns history entries across tasks after cursor.
func (c *Client) History(ctx context.Context, limit int, cursor string) (HistoryPage, error) {
	q := url.Values{}
	setQuery(q, "cursor", cursor)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp HistoryPage
	err := c.do(ctx, http.MethodGet, withQuery("history", q), nil, &resp)
	return resp, err
}

// Leaderboard returns collaborators ordered by total reward.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]Collaborator, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Collaborator `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("leaderboard", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func taskPath(idOrKey, action string) string {
	p := "tasks/" + url.PathEscape(idOrKey)
	if action != "" {
		p += "/" + action
	}
	return p
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
