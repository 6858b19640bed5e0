package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"teamflow/internal/activity"
	"teamflow/internal/config"
	"teamflow/internal/domain"
	"teamflow/internal/feed"
	"teamflow/internal/repo"
)

// Publisher receives committed row changes.
type Publisher interface {
	Publish(c feed.Change) feed.Change
}

const (
	TableTasks   = "tasks"
	TableMembers = "project_members"
)

// Engine is the authoritative store: every write runs in one transaction and
// is published to the change feed after commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Feed   Publisher
	Config *config.Config
	Now    func() time.Time
	Logger *zerolog.Logger
}

func New(db *sql.DB, cfg *config.Config, pub Publisher) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Feed:   pub,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zerolog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
}

// CreateProject inserts the project and makes OwnerID its owner.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.Project{}, errors.New("owner is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	now := domain.FormatTime(e.now())
	p := domain.Project{ID: opts.ID, Name: opts.Name, Description: opts.Description, OwnerID: opts.OwnerID, CreatedAt: now}
	m := domain.ProjectMembership{ProjectID: p.ID, UserID: opts.OwnerID, Role: domain.RoleOwner, JoinedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertMembership(ctx, tx, m); err != nil {
		return domain.Project{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.publish(TableMembers, feed.Insert, memberKeys(m), m, nil)
	return p, nil
}

// AddMember grants role on a project, replacing any previous role.
func (e Engine) AddMember(ctx context.Context, projectID, userID string, role domain.Role) (domain.ProjectMembership, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.ProjectMembership{}, errors.New("user is required")
	}
	if !role.Valid() {
		return domain.ProjectMembership{}, fmt.Errorf("invalid role %q", string(role))
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ProjectMembership{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectMembership{}, err
	}
	defer tx.Rollback()

	prev, err := e.Repo.GetMembershipTx(ctx, tx, projectID, userID)
	existed := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ProjectMembership{}, err
	}
	if existed && prev.Role == domain.RoleOwner && role != domain.RoleOwner {
		if err := e.ensureAnotherOwner(ctx, tx, projectID); err != nil {
			return domain.ProjectMembership{}, err
		}
	}
	m := domain.ProjectMembership{ProjectID: projectID, UserID: userID, Role: role, JoinedAt: domain.FormatTime(e.now())}
	if existed {
		m.JoinedAt = prev.JoinedAt
	}
	if err := e.Repo.UpsertMembership(ctx, tx, m); err != nil {
		return domain.ProjectMembership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectMembership{}, err
	}
	if existed {
		e.publish(TableMembers, feed.Update, memberKeys(m), m, prev)
	} else {
		e.publish(TableMembers, feed.Insert, memberKeys(m), m, nil)
	}
	return m, nil
}

// RemoveMember drops a membership. The last owner cannot be removed.
func (e Engine) RemoveMember(ctx context.Context, projectID, userID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetMembershipTx(ctx, tx, projectID, userID)
	if err != nil {
		return err
	}
	if prev.Role == domain.RoleOwner {
		if err := e.ensureAnotherOwner(ctx, tx, projectID); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteMembership(ctx, tx, projectID, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(TableMembers, feed.Delete, memberKeys(prev), nil, prev)
	return nil
}

func (e Engine) ensureAnotherOwner(ctx context.Context, tx *sql.Tx, projectID string) error {
	n, err := e.Repo.CountRole(ctx, tx, projectID, domain.RoleOwner)
	if err != nil {
		return err
	}
	if n <= 1 {
		return fmt.Errorf("project %s must keep at least one owner", projectID)
	}
	return nil
}

// UpsertProfile stores a profile. An empty role takes the configured default.
func (e Engine) UpsertProfile(ctx context.Context, p domain.Profile) (domain.Profile, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return domain.Profile{}, errors.New("user is required")
	}
	existing, err := e.Repo.GetProfile(ctx, p.UserID)
	switch {
	case err == nil:
		p.CreatedAt = existing.CreatedAt
		if p.Role == domain.RoleGuest {
			p.Role = existing.Role
		}
	case errors.Is(err, repo.ErrNotFound):
		p.CreatedAt = domain.FormatTime(e.now())
	default:
		return domain.Profile{}, err
	}
	if p.Role == domain.RoleGuest && e.Config != nil {
		p.Role = e.Config.DefaultRole()
	}
	if p.Role != domain.RoleGuest && !p.Role.Valid() {
		return domain.Profile{}, fmt.Errorf("invalid role %q", string(p.Role))
	}
	if err := e.Repo.UpsertProfile(ctx, p); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string
	CreatorID      string
	AssigneeID     string
	Status         string
	Priority       string
	Progress       int
	DueDate        string
	EstimatedHours float64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.CreatorID == "" {
		return domain.Task{}, errors.New("creator is required")
	}
	if opts.Status == "" {
		opts.Status = domain.StatusTodo
		if e.Config != nil && len(e.Config.Board.Columns) > 0 {
			opts.Status = e.Config.Board.Columns[0].Status
		}
	}
	if e.Config != nil && !e.Config.HasStatus(opts.Status) {
		return domain.Task{}, fmt.Errorf("invalid status %q", opts.Status)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	check := domain.TaskPatch{
		Priority:       &opts.Priority,
		Progress:       &opts.Progress,
		DueDate:        &opts.DueDate,
		EstimatedHours: &opts.EstimatedHours,
	}
	if err := check.Validate(); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := domain.FormatTime(e.now())
	t := domain.Task{
		ID:             id,
		ProjectID:      opts.ProjectID,
		Title:          opts.Title,
		Description:    opts.Description,
		CreatorID:      opts.CreatorID,
		AssigneeID:     opts.AssigneeID,
		Status:         opts.Status,
		Priority:       opts.Priority,
		Progress:       opts.Progress,
		DueDate:        opts.DueDate,
		EstimatedHours: opts.EstimatedHours,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.InsertActivityTx(ctx, tx, domain.ActivityLogEntry{
		TaskID:       t.ID,
		ProjectID:    t.ProjectID,
		ActivityType: activity.TypeTaskCreated,
		UserID:       opts.CreatorID,
		Details:      map[string]any{"title": t.Title, "status": t.Status},
		CreatedAt:    now,
	}); err != nil {
		return domain.Task{}, err
	}
	if t.AssigneeID != "" && t.AssigneeID != t.CreatorID {
		if _, err := e.Repo.InsertNotificationTx(ctx, tx, domain.Notification{
			UserID:           t.AssigneeID,
			Type:             activity.NotifyAssigned,
			Title:            activity.AssignedTitle,
			Message:          activity.AssignedMessage(t.CreatorID, t.Title),
			RelatedTaskID:    t.ID,
			RelatedProjectID: t.ProjectID,
			CreatedAt:        now,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(TableTasks, feed.Insert, taskKeys(t), t, nil)
	return t, nil
}

// UpdateTask applies patch to the stored row. updated_at strictly increases
// per row so change events can be ordered by it.
func (e Engine) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	if patch.Status != nil && e.Config != nil && !e.Config.HasStatus(*patch.Status) {
		return domain.Task{}, fmt.Errorf("invalid status %q", *patch.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	old, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t := patch.Apply(old)
	t.UpdatedAt = nextTimestamp(old.UpdatedAt, e.now())
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(TableTasks, feed.Update, taskKeys(t), t, old)
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	old, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(TableTasks, feed.Delete, taskKeys(old), nil, old)
	return nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) QueryTasks(ctx context.Context, q domain.TaskQuery) ([]domain.Task, error) {
	return e.Repo.QueryTasks(ctx, q)
}

func nextTimestamp(prev string, now time.Time) string {
	ts := domain.FormatTime(now)
	if ts > prev {
		return ts
	}
	p, err := time.Parse(domain.TimeLayout, prev)
	if err != nil {
		return ts
	}
	return domain.FormatTime(p.Add(time.Microsecond))
}

func taskKeys(t domain.Task) map[string]string {
	return map[string]string{
		"id":          t.ID,
		"project_id":  t.ProjectID,
		"status":      t.Status,
		"assignee_id": t.AssigneeID,
	}
}

func memberKeys(m domain.ProjectMembership) map[string]string {
	return map[string]string{"project_id": m.ProjectID, "user_id": m.UserID}
}

func (e Engine) publish(table string, typ feed.EventType, keys map[string]string, newRow, oldRow any) {
	if e.Feed == nil {
		return
	}
	c := feed.Change{Table: table, Type: typ, Keys: keys}
	var err error
	if newRow != nil {
		if c.New, err = json.Marshal(newRow); err != nil {
			e.logger().Error().Err(err).Str("table", table).Msg("marshal change")
			return
		}
	}
	if oldRow != nil {
		if c.Old, err = json.Marshal(oldRow); err != nil {
			e.logger().Error().Err(err).Str("table", table).Msg("marshal change")
			return
		}
	}
	e.Feed.Publish(c)
}
