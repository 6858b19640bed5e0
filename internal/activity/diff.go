package activity

import "teamflow/internal/domain"

// FieldChange is one tracked field whose value differs between two versions of a task.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

func (c FieldChange) Details() map[string]any {
	return map[string]any{"field": c.Field, "from": c.From, "to": c.To}
}

// FieldChanges lists changed tracked fields in a stable order.
func FieldChanges(before, after domain.Task) []FieldChange {
	var out []FieldChange
	str := func(field, a, b string) {
		if a != b {
			out = append(out, FieldChange{Field: field, From: a, To: b})
		}
	}
	str("title", before.Title, after.Title)
	str("description", before.Description, after.Description)
	str("status", before.Status, after.Status)
	str("priority", before.Priority, after.Priority)
	if before.Progress != after.Progress {
		out = append(out, FieldChange{Field: "progress", From: before.Progress, To: after.Progress})
	}
	str("assignee_id", before.AssigneeID, after.AssigneeID)
	str("due_date", before.DueDate, after.DueDate)
	if before.EstimatedHours != after.EstimatedHours {
		out = append(out, FieldChange{Field: "estimated_hours", From: before.EstimatedHours, To: after.EstimatedHours})
	}
	if before.ActualHours != after.ActualHours {
		out = append(out, FieldChange{Field: "actual_hours", From: before.ActualHours, To: after.ActualHours})
	}
	return out
}
