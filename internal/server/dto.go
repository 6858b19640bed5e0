package server

import (
	"teamflow/internal/domain"
)

// Request payloads

type DevLoginRequest struct {
	UserID      string         `json:"user_id"`
	Email       string         `json:"email,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ActivityPingRequest struct {
	Event string `json:"event" doc:"One of mousedown, keydown, scroll, touchstart, click"`
}

type UpdateProfileRequest struct {
	Email       *string `json:"email,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
}

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type MemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"owner,admin,manager,contributor,viewer,member"`
}

type RoleCheckRequest struct {
	Required  []string `json:"required"`
	ProjectID string   `json:"project_id,omitempty"`
}

type CreateTaskRequest struct {
	ID             string  `json:"id,omitempty"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	AssigneeID     string  `json:"assignee_id,omitempty"`
	Status         string  `json:"status,omitempty"`
	Priority       string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Progress       int     `json:"progress,omitempty" minimum:"0" maximum:"100"`
	DueDate        string  `json:"due_date,omitempty"`
	EstimatedHours float64 `json:"estimated_hours,omitempty" minimum:"0"`
}

// Response payloads

type DevLoginResponse struct {
	Token   string         `json:"token"`
	Session domain.Session `json:"session"`
}

type WhoAmIResponse struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id,omitempty"`
	Email       string `json:"email,omitempty"`
	GlobalRole  string `json:"global_role"`
	PrimaryRole string `json:"primary_role"`
}

type RoleResponse struct {
	UserID        string `json:"user_id"`
	ProjectID     string `json:"project_id,omitempty"`
	GlobalRole    string `json:"global_role"`
	ProjectRole   string `json:"project_role,omitempty"`
	IsMember      bool   `json:"is_member"`
	EffectiveRole string `json:"effective_role"`
}

type RoleCheckResponse struct {
	Allowed bool `json:"allowed"`
}

type TaskPermissionsResponse struct {
	TaskID    string `json:"task_id"`
	CanEdit   bool   `json:"can_edit"`
	CanDelete bool   `json:"can_delete"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type MemberListResponse struct {
	Items []domain.ProjectMembership `json:"items"`
}

type ActivityListResponse struct {
	Items []domain.ActivityLogEntry `json:"items"`
}

type NotificationListResponse struct {
	Items []domain.Notification `json:"items"`
}

type ProjectListResponse struct {
	Items []domain.Project `json:"items"`
}

func roleStrings(roles []string) ([]domain.Role, error) {
	out := make([]domain.Role, 0, len(roles))
	for _, r := range roles {
		role, err := domain.ParseRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}
