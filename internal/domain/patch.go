package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPatch wraps every TaskPatch validation failure.
var ErrInvalidPatch = errors.New("invalid task patch")

// TaskPatch carries the fields to change on a task. Nil fields are left alone;
// an empty AssigneeID or DueDate clears the value.
type TaskPatch struct {
	Title          *string  `json:"title,omitempty"`
	Description    *string  `json:"description,omitempty"`
	Status         *string  `json:"status,omitempty"`
	Priority       *string  `json:"priority,omitempty"`
	Progress       *int     `json:"progress,omitempty"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	DueDate        *string  `json:"due_date,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`
}

func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil &&
		p.Progress == nil && p.AssigneeID == nil && p.DueDate == nil &&
		p.EstimatedHours == nil && p.ActualHours == nil
}

func (p TaskPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("%w: title must not be empty", ErrInvalidPatch)
	}
	if p.Status != nil && strings.TrimSpace(*p.Status) == "" {
		return fmt.Errorf("%w: status must not be empty", ErrInvalidPatch)
	}
	if p.Priority != nil && !ValidPriority(*p.Priority) {
		return fmt.Errorf("%w: priority %q must be one of low, medium, high, urgent", ErrInvalidPatch, *p.Priority)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("%w: progress must be between 0 and 100", ErrInvalidPatch)
	}
	if p.DueDate != nil && *p.DueDate != "" {
		if _, err := time.Parse(DateLayout, *p.DueDate); err != nil {
			return fmt.Errorf("%w: due_date must be YYYY-MM-DD", ErrInvalidPatch)
		}
	}
	if p.EstimatedHours != nil && *p.EstimatedHours < 0 {
		return fmt.Errorf("%w: estimated_hours must not be negative", ErrInvalidPatch)
	}
	if p.ActualHours != nil && *p.ActualHours < 0 {
		return fmt.Errorf("%w: actual_hours must not be negative", ErrInvalidPatch)
	}
	return nil
}

// Apply returns a copy of t with the patch applied. UpdatedAt is untouched.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.EstimatedHours != nil {
		t.EstimatedHours = *p.EstimatedHours
	}
	if p.ActualHours != nil {
		t.ActualHours = *p.ActualHours
	}
	return t
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}
