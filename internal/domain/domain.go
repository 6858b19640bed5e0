package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// TimeLayout is fixed width so stored timestamps order lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DateLayout is used for task due dates.
const DateLayout = "2006-01-02"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"owner_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Profile struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ProjectMembership struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
	JoinedAt  string `json:"joined_at" format:"date-time"`
}

const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var priorities = map[string]struct{}{
	PriorityLow: {}, PriorityMedium: {}, PriorityHigh: {}, PriorityUrgent: {},
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	_, ok := priorities[p]
	return ok
}

type Task struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	CreatorID      string  `json:"creator_id"`
	AssigneeID     string  `json:"assignee_id,omitempty"`
	Status         string  `json:"status"`
	Priority       string  `json:"priority" enum:"low,medium,high,urgent"`
	Progress       int     `json:"progress" minimum:"0" maximum:"100"`
	DueDate        string  `json:"due_date,omitempty"`
	EstimatedHours float64 `json:"estimated_hours"`
	ActualHours    float64 `json:"actual_hours"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type ActivityLogEntry struct {
	ID           int64          `json:"id"`
	TaskID       string         `json:"task_id"`
	ProjectID    string         `json:"project_id,omitempty"`
	ActivityType string         `json:"activity_type"`
	UserID       string         `json:"user_id"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// ActivityInput is what callers supply when appending to the activity log.
type ActivityInput struct {
	TaskID       string         `json:"task_id"`
	ProjectID    string         `json:"project_id,omitempty"`
	ActivityType string         `json:"activity_type"`
	UserID       string         `json:"user_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

type Notification struct {
	ID               int64  `json:"id"`
	UserID           string `json:"user_id"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	Message          string `json:"message,omitempty"`
	RelatedTaskID    string `json:"related_task_id,omitempty"`
	RelatedProjectID string `json:"related_project_id,omitempty"`
	Read             bool   `json:"read"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type NotificationInput struct {
	UserID           string `json:"user_id"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	Message          string `json:"message,omitempty"`
	RelatedTaskID    string `json:"related_task_id,omitempty"`
	RelatedProjectID string `json:"related_project_id,omitempty"`
}

type Session struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Email        string         `json:"email,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ExpiresAt    string         `json:"expires_at" format:"date-time"`
	LastActiveAt string         `json:"last_active_at,omitempty" format:"date-time"`
	RevokedAt    string         `json:"revoked_at,omitempty" format:"date-time"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// ActivityEvents are the interaction events that refresh a session's last activity.
var ActivityEvents = []string{"mousedown", "keydown", "scroll", "touchstart", "click"}

// IsActivityEvent reports whether evt is one of ActivityEvents.
func IsActivityEvent(evt string) bool {
	for _, e := range ActivityEvents {
		if e == evt {
			return true
		}
	}
	return false
}
