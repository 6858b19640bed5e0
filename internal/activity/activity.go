// Package activity appends task activity entries and user notifications.
// Writes are fire-and-forget: failures are logged and never returned.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"teamflow/internal/domain"
)

// Store is where entries land. repo.Repo and the HTTP SDK both implement it.
type Store interface {
	InsertActivity(ctx context.Context, e domain.ActivityLogEntry) (domain.ActivityLogEntry, error)
	InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

const (
	TypeTaskCreated = "task_created"
	TypeTaskDeleted = "task_deleted"
	NotifyAssigned  = "task_assigned"
	AssignedTitle   = "Task assigned"
	changedSuffix   = "_changed"
)

// ChangedType is the activity type logged for a change to field.
func ChangedType(field string) string {
	return field + changedSuffix
}

// AssignedMessage is the body of a task_assigned notification.
func AssignedMessage(assigner, title string) string {
	return fmt.Sprintf("%s assigned you to %q", assigner, title)
}

type Emitter struct {
	Store  Store
	Logger *zerolog.Logger
	Now    func() time.Time
}

func (e Emitter) now() string {
	if e.Now != nil {
		return domain.FormatTime(e.Now())
	}
	return domain.FormatTime(time.Now())
}

func (e Emitter) logger() *zerolog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

// LogTaskActivity appends one entry.
func (e Emitter) LogTaskActivity(ctx context.Context, in domain.ActivityInput) {
	if e.Store == nil {
		return
	}
	entry := domain.ActivityLogEntry{
		TaskID:       in.TaskID,
		ProjectID:    in.ProjectID,
		ActivityType: in.ActivityType,
		UserID:       in.UserID,
		Details:      in.Details,
		CreatedAt:    e.now(),
	}
	if _, err := e.Store.InsertActivity(ctx, entry); err != nil {
		e.logger().Error().Err(err).Str("task_id", in.TaskID).Str("activity_type", in.ActivityType).Msg("log task activity")
	}
}

// CreateNotification stores one unread notification.
func (e Emitter) CreateNotification(ctx context.Context, in domain.NotificationInput) {
	if e.Store == nil {
		return
	}
	n := domain.Notification{
		UserID:           in.UserID,
		Type:             in.Type,
		Title:            in.Title,
		Message:          in.Message,
		RelatedTaskID:    in.RelatedTaskID,
		RelatedProjectID: in.RelatedProjectID,
		CreatedAt:        e.now(),
	}
	if _, err := e.Store.InsertNotification(ctx, n); err != nil {
		e.logger().Error().Err(err).Str("user_id", in.UserID).Str("type", in.Type).Msg("create notification")
	}
}

// RecordTaskChange logs one entry per field the patch changed and notifies a
// new assignee unless they assigned themselves.
func (e Emitter) RecordTaskChange(ctx context.Context, actorID string, before domain.Task, patch domain.TaskPatch) {
	after := patch.Apply(before)
	for _, ch := range FieldChanges(before, after) {
		e.LogTaskActivity(ctx, domain.ActivityInput{
			TaskID:       before.ID,
			ProjectID:    before.ProjectID,
			ActivityType: ChangedType(ch.Field),
			UserID:       actorID,
			Details:      ch.Details(),
		})
	}
	if after.AssigneeID != "" && after.AssigneeID != before.AssigneeID && after.AssigneeID != actorID {
		e.CreateNotification(ctx, domain.NotificationInput{
			UserID:           after.AssigneeID,
			Type:             NotifyAssigned,
			Title:            AssignedTitle,
			Message:          AssignedMessage(actorID, after.Title),
			RelatedTaskID:    after.ID,
			RelatedProjectID: after.ProjectID,
		})
	}
}

// RecordTaskDeleted logs the deletion of t.
func (e Emitter) RecordTaskDeleted(ctx context.Context, actorID string, t domain.Task) {
	e.LogTaskActivity(ctx, domain.ActivityInput{
		TaskID:       t.ID,
		ProjectID:    t.ProjectID,
		ActivityType: TypeTaskDeleted,
		UserID:       actorID,
		Details:      map[string]any{"title": t.Title, "status": t.Status},
	})
}
