package access

import (
	"context"
	"fmt"
	"strings"

	"teamflow/internal/domain"
)

type Action string

const (
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionManage Action = "manage"
)

// DeniedError reports a failed permission check together with what would
// have satisfied it.
type DeniedError struct {
	UserID   string
	Action   Action
	Resource string
	Required []domain.Role
	// Attribute names a non-role grant, e.g. "creator".
	Attribute []string
}

func (e DeniedError) Error() string {
	var need []string
	for _, r := range e.Required {
		need = append(need, string(r))
	}
	need = append(need, e.Attribute...)
	msg := fmt.Sprintf("permission denied: %s %s", e.Action, e.Resource)
	if len(need) > 0 {
		msg += " requires " + strings.Join(need, " or ")
	}
	return msg
}

// RequireTask returns a DeniedError unless the user may perform action on the task.
func (r *Resolver) RequireTask(ctx context.Context, userID string, action Action, taskID string) error {
	switch action {
	case ActionEdit:
		if r.CanEditTask(ctx, userID, taskID) {
			return nil
		}
		return DeniedError{UserID: userID, Action: action, Resource: "task " + taskID, Required: EditRoles, Attribute: []string{"creator", "assignee"}}
	case ActionDelete:
		if r.CanDeleteTask(ctx, userID, taskID) {
			return nil
		}
		return DeniedError{UserID: userID, Action: action, Resource: "task " + taskID, Required: DeleteRoles, Attribute: []string{"creator"}}
	default:
		return fmt.Errorf("unsupported task action %q", action)
	}
}

// RequireRole returns a DeniedError unless HasRequiredRole holds.
func (r *Resolver) RequireRole(ctx context.Context, userID string, action Action, required []domain.Role, projectID string) error {
	if r.HasRequiredRole(ctx, userID, required, projectID) {
		return nil
	}
	resource := "workspace"
	if projectID != "" {
		resource = "project " + projectID
	}
	return DeniedError{UserID: userID, Action: action, Resource: resource, Required: required}
}
