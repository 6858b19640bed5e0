package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teamflow/internal/app"
	"teamflow/internal/config"
	"teamflow/internal/db"
	"teamflow/internal/domain"
	"teamflow/internal/feed"
)

type testServer struct {
	URL      string
	Services *app.Services
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.OpenMigrated(context.Background(), db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	services := app.Wire(conn, config.Default(), "test-secret", nil)
	handler, err := New(Config{
		Services: services,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowDevLogin: true, AllowUserHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Services: services,
		client:   &http.Client{},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

// seedProject creates project p1 owned by alice with bob as viewer and
// carol as contributor.
func seedProject(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{"id": "p1", "name": "Launch"}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	for user, role := range map[string]string{"bob": "viewer", "carol": "contributor"} {
		res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/p1/members", map[string]any{"user_id": user, "role": role}, as("alice"))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
}

func createTask(t *testing.T, srv *testServer, userID string, body map[string]any) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/p1/tasks", body, as(userID))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var task domain.Task
	require.NoError(t, json.Unmarshal(data, &task))
	return task
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer("garbage"))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestSessionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"user_id": "dana", "email": "dana@example.com"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(login.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	require.Equal(t, "dana", me.UserID)
	require.Equal(t, login.Session.ID, me.SessionID)
	require.Equal(t, "member", me.GlobalRole)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/auth/session", nil, bearer(login.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/session/activity", map[string]any{"event": "keydown"}, bearer(login.Token))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/session/activity", map[string]any{"event": "wiggle"}, bearer(login.Token))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/signout", nil, bearer(login.Token))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(login.Token))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTaskPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)
	client := srv.Client()

	// Viewers cannot create tasks.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/p1/tasks", map[string]any{"title": "nope"}, as("bob"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	task := createTask(t, srv, "carol", map[string]any{"title": "Write docs"})
	require.Equal(t, "carol", task.CreatorID)
	require.Equal(t, domain.StatusTodo, task.Status)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{"priority": "high"}, as("bob"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	require.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{"priority": "high"}, as("carol"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated domain.Task
	require.NoError(t, json.Unmarshal(data, &updated))
	require.Equal(t, domain.PriorityHigh, updated.Priority)
	require.Greater(t, updated.UpdatedAt, task.UpdatedAt)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{"progress": 150}, as("carol"))
	require.Contains(t, []int{http.StatusBadRequest, http.StatusUnprocessableEntity}, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+task.ID+"/permissions", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var perms TaskPermissionsResponse
	require.NoError(t, json.Unmarshal(data, &perms))
	require.False(t, perms.CanEdit)
	require.False(t, perms.CanDelete)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+task.ID+"/permissions", nil, as("mallory"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &perms))
	require.False(t, perms.CanEdit)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/tasks/"+task.ID, nil, as("bob"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/tasks/"+task.ID, nil, as("alice"))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+task.ID, nil, as("alice"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListTasksFiltersAndOrders(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)
	createTask(t, srv, "carol", map[string]any{"title": "b", "priority": "low"})
	createTask(t, srv, "carol", map[string]any{"title": "a", "priority": "urgent"})
	createTask(t, srv, "carol", map[string]any{"title": "c", "status": "review"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/tasks?order_by=title&limit=2", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list TaskListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 2)
	require.Equal(t, "a", list.Items[0].Title)
	require.Equal(t, "b", list.Items[1].Title)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/tasks?status=review", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/tasks?order_by=nope", nil, as("bob"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/tasks", nil, as("mallory"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRoleResolution(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)
	client := srv.Client()
	_, err := srv.Services.Engine.UpsertProfile(context.Background(), domain.Profile{UserID: "erin", Role: domain.RoleMember})
	require.NoError(t, err)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/roles/check", map[string]any{
		"required": []string{"manager", "admin"}, "project_id": "p1",
	}, as("erin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var check RoleCheckResponse
	require.NoError(t, json.Unmarshal(data, &check))
	require.False(t, check.Allowed)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/roles/check", map[string]any{
		"required": []string{"owner"}, "project_id": "p1",
	}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &check))
	require.True(t, check.Allowed)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me/role?project_id=p1", nil, as("carol"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var role RoleResponse
	require.NoError(t, json.Unmarshal(data, &role))
	require.True(t, role.IsMember)
	require.Equal(t, "contributor", role.EffectiveRole)
	require.Equal(t, "contributor", role.GlobalRole)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me/role?project_id=p1", nil, as("nobody"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &role))
	require.False(t, role.IsMember)
	require.Equal(t, "guest", role.EffectiveRole)

	// The last owner cannot be demoted.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/p1/members", map[string]any{"user_id": "alice", "role": "admin"}, as("alice"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/p1/members", map[string]any{"user_id": "erin", "role": "admin"}, as("carol"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestActivityAndNotifications(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)
	client := srv.Client()

	task := createTask(t, srv, "carol", map[string]any{"title": "Review copy", "assignee_id": "bob"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications?unread=true", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var notes NotificationListResponse
	require.NoError(t, json.Unmarshal(data, &notes))
	require.Len(t, notes.Items, 1)
	require.Equal(t, "task_assigned", notes.Items[0].Type)
	require.Equal(t, task.ID, notes.Items[0].RelatedTaskID)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/notifications/"+jsonInt(notes.Items[0].ID)+"/read", nil, as("carol"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/notifications/"+jsonInt(notes.Items[0].ID)+"/read", nil, as("bob"))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications?unread=true", nil, as("bob"))
	require.NoError(t, json.Unmarshal(data, &notes))
	require.Empty(t, notes.Items)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/activity", map[string]any{
		"task_id":       task.ID,
		"activity_type": "status_changed",
		"details":       map[string]any{"field": "status", "from": "todo", "to": "review"},
	}, as("carol"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+task.ID+"/activity", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var log ActivityListResponse
	require.NoError(t, json.Unmarshal(data, &log))
	require.Len(t, log.Items, 2)
	require.Equal(t, "status_changed", log.Items[0].ActivityType)
	require.Equal(t, "carol", log.Items[0].UserID)
	require.Equal(t, "task_created", log.Items[1].ActivityType)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/activity", map[string]any{
		"task_id": task.ID, "activity_type": "status_changed",
	}, as("mallory"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func readChange(t *testing.T, scanner *bufio.Scanner) feed.Change {
	t.Helper()
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && event == "change" {
			var c feed.Change
			require.NoError(t, json.Unmarshal([]byte(data), &c))
			return c
		}
	}
	t.Fatalf("stream ended: %v", scanner.Err())
	return feed.Change{}
}

func TestChangeStreamReplaysAndFollows(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)
	first := createTask(t, srv, "carol", map[string]any{"title": "first"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/projects/p1/changes", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "bob")
	req.Header.Set("Last-Event-ID", "0")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")
	scanner := bufio.NewScanner(res.Body)

	replayed := readChange(t, scanner)
	require.Equal(t, feed.Insert, replayed.Type)
	require.Equal(t, first.ID, replayed.Keys["id"])

	resp, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+first.ID, map[string]any{"status": "review"}, as("carol"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	live := readChange(t, scanner)
	require.Equal(t, feed.Update, live.Type)
	require.Greater(t, live.Seq, replayed.Seq)
	var row domain.Task
	require.NoError(t, json.Unmarshal(live.New, &row))
	require.Equal(t, domain.StatusReview, row.Status)
}

// readEvent returns the id of the next event named name.
func readEvent(t *testing.T, scanner *bufio.Scanner, name string) string {
	t.Helper()
	id := ""
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "id: "); ok {
			id = v
			continue
		}
		if v, ok := strings.CutPrefix(line, "event: "); ok && v == name {
			return id
		}
		if line == "" {
			id = ""
		}
	}
	t.Fatalf("stream ended before %q: %v", name, scanner.Err())
	return ""
}

func TestChangeStreamResetsWhenResumeIsLost(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)
	createTask(t, srv, "carol", map[string]any{"title": "first"})
	current := srv.Services.Feed.Seq()

	// An id the hub never issued, as after a server restart.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/projects/p1/changes", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "bob")
	req.Header.Set("Last-Event-ID", jsonInt(current+40))
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	scanner := bufio.NewScanner(res.Body)
	require.Equal(t, jsonInt(current), readEvent(t, scanner, "reset"))
	require.Equal(t, jsonInt(current), readEvent(t, scanner, "ready"))

	second := createTask(t, srv, "carol", map[string]any{"title": "second"})
	live := readChange(t, scanner)
	require.Equal(t, second.ID, live.Keys["id"])
	require.Greater(t, live.Seq, current)
}

func TestRequestBodyIsCapped(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	handler, err := New(Config{Services: srv.Services, BasePath: "/v1", Auth: AuthConfig{AllowUserHeader: true}})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"title": strings.Repeat("x", maxBodyBytes)})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/projects/p1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	require.Equal(t, "payload_too_large", errorCode(t, rec.Body.Bytes()))
}

func TestChangeStreamRequiresMembership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/changes", nil, as("mallory"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/p1/changes?table=sessions", nil, as("bob"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestWebhookDispatcherDeliversNotifications(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedProject(t, srv)

	var (
		mu       sync.Mutex
		received []domain.Notification
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n domain.Notification
		_ = json.NewDecoder(r.Body).Decode(&n)
		mu.Lock()
		received = append(received, n)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	d := newWebhookDispatcher(srv.Services.Repo, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"task_assigned"}, Secret: "s3cret"},
	}, nil)
	// Notifications created before the dispatcher starts are not delivered.
	createTask(t, srv, "carol", map[string]any{"title": "old", "assignee_id": "bob"})
	d.dispatchAll(ctx)

	task := createTask(t, srv, "carol", map[string]any{"title": "new", "assignee_id": "bob"})
	_, err := srv.Services.Repo.InsertNotification(ctx, domain.Notification{UserID: "bob", Type: "mention", Title: "hi", CreatedAt: domain.FormatTime(time.Now())})
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, task.ID, received[0].RelatedTaskID)
	require.Equal(t, "task_assigned", headers[0].Get("X-Teamflow-Event"))
	require.Equal(t, "s3cret", headers[0].Get("X-Teamflow-Secret"))
	require.Equal(t, "p1", headers[0].Get("X-Teamflow-Project"))
}
