package teamflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"teamflow/internal/domain"
)

// Client is a minimal Teamflow HTTP API client. Besides the plain endpoint
// wrappers it can back a board sync controller: it serves tasks, checks
// permissions, records activity and streams changes.
type Client struct {
	BaseURL     string
	BearerToken string
	// UserID is sent as X-User-Id when no bearer token is set. Servers only
	// honour it in development mode.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap maps 404 responses to domain.ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return nil
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Login is the result of a dev login.
type Login struct {
	Token   string         `json:"token"`
	Session domain.Session `json:"session"`
}

// DevLogin opens a session for userID on a server running with dev login
// enabled and keeps the token for later calls.
func (c *Client) DevLogin(ctx context.Context, userID, email string) (Login, error) {
	var resp Login
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"user_id": userID, "email": email}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Session returns the session bound to the bearer token.
func (c *Client) Session(ctx context.Context) (domain.Session, error) {
	var resp domain.Session
	err := c.do(ctx, http.MethodGet, "auth/session", nil, &resp)
	return resp, err
}

// Touch reports an interaction event on the current session.
func (c *Client) Touch(ctx context.Context, event string) error {
	return c.do(ctx, http.MethodPost, "auth/session/activity", map[string]any{"event": event}, nil)
}

// SignOut ends the current session and forgets the token.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "auth/signout", nil, nil); err != nil {
		return err
	}
	c.BearerToken = ""
	return nil
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, id, name, description string) (domain.Project, error) {
	var resp domain.Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"id": id, "name": name, "description": description}, &resp)
	return resp, err
}

// Projects lists the projects the caller belongs to.
func (c *Client) Projects(ctx context.Context) ([]domain.Project, error) {
	var resp struct {
		Items []domain.Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp.Items, err
}

// SetMember adds userID to a project or changes their role.
func (c *Client) SetMember(ctx context.Context, projectID, userID string, role domain.Role) (domain.ProjectMembership, error) {
	var resp domain.ProjectMembership
	endpoint := fmt.Sprintf("projects/%s/members", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"user_id": userID, "role": string(role)}, &resp)
	return resp, err
}

// CreateTaskInput are the fields accepted when creating a task.
type CreateTaskInput struct {
	ID             string  `json:"id,omitempty"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	AssigneeID     string  `json:"assignee_id,omitempty"`
	Status         string  `json:"status,omitempty"`
	Priority       string  `json:"priority,omitempty"`
	Progress       int     `json:"progress,omitempty"`
	DueDate        string  `json:"due_date,omitempty"`
	EstimatedHours float64 `json:"estimated_hours,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, projectID string, in CreateTaskInput) (domain.Task, error) {
	var resp domain.Task
	endpoint := fmt.Sprintf("projects/%s/tasks", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// QueryTasks lists the tasks matching q. q.ProjectID is required.
func (c *Client) QueryTasks(ctx context.Context, q domain.TaskQuery) ([]domain.Task, error) {
	if q.ProjectID == "" {
		return nil, errors.New("teamflowsdk: query needs a project id")
	}
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("status", q.Status)
	set("assignee_id", q.AssigneeID)
	set("creator_id", q.CreatorID)
	set("priority", q.Priority)
	set("order_by", q.OrderBy)
	if q.Desc {
		params.Set("desc", "true")
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := fmt.Sprintf("projects/%s/tasks", url.PathEscape(q.ProjectID))
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []domain.Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

type taskPermissions struct {
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
}

func (c *Client) taskPermissions(ctx context.Context, taskID string) (taskPermissions, bool) {
	var resp taskPermissions
	if err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID)+"/permissions", nil, &resp); err != nil {
		return taskPermissions{}, false
	}
	return resp, true
}

// CanEditTask asks the server whether the caller may edit taskID. userID
// must be the authenticated caller; any failure denies.
func (c *Client) CanEditTask(ctx context.Context, userID, taskID string) bool {
	p, ok := c.taskPermissions(ctx, taskID)
	return ok && p.CanEdit
}

// CanDeleteTask is CanEditTask for deletion.
func (c *Client) CanDeleteTask(ctx context.Context, userID, taskID string) bool {
	p, ok := c.taskPermissions(ctx, taskID)
	return ok && p.CanDelete
}

// InsertActivity appends an activity entry. The server records the caller
// as the author, whatever e.UserID says.
func (c *Client) InsertActivity(ctx context.Context, e domain.ActivityLogEntry) (domain.ActivityLogEntry, error) {
	in := domain.ActivityInput{
		TaskID:       e.TaskID,
		ProjectID:    e.ProjectID,
		ActivityType: e.ActivityType,
		Details:      e.Details,
	}
	var resp domain.ActivityLogEntry
	err := c.do(ctx, http.MethodPost, "activity", in, &resp)
	return resp, err
}

// TaskActivity returns a task's activity log, newest first.
func (c *Client) TaskActivity(ctx context.Context, taskID string, limit int) ([]domain.ActivityLogEntry, error) {
	endpoint := "tasks/" + url.PathEscape(taskID) + "/activity"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []domain.ActivityLogEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	in := domain.NotificationInput{
		UserID:           n.UserID,
		Type:             n.Type,
		Title:            n.Title,
		Message:          n.Message,
		RelatedTaskID:    n.RelatedTaskID,
		RelatedProjectID: n.RelatedProjectID,
	}
	var resp domain.Notification
	err := c.do(ctx, http.MethodPost, "notifications", in, &resp)
	return resp, err
}

// Notifications lists the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]domain.Notification, error) {
	endpoint := "notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp struct {
		Items []domain.Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("notifications/%d/read", id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
