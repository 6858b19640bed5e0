package domain

import (
	"fmt"
	"sort"
)

// TaskQuery describes a filtered, ordered window over the tasks table.
// Filters are equality matches; empty strings match everything.
type TaskQuery struct {
	ProjectID  string `json:"project_id,omitempty"`
	Status     string `json:"status,omitempty"`
	AssigneeID string `json:"assignee_id,omitempty"`
	CreatorID  string `json:"creator_id,omitempty"`
	Priority   string `json:"priority,omitempty"`
	OrderBy    string `json:"order_by,omitempty"`
	Desc       bool   `json:"desc,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// OrderColumns are the columns a query may be ordered by.
var OrderColumns = []string{"created_at", "updated_at", "due_date", "title", "status", "priority", "progress"}

const defaultOrder = "created_at"

func (q TaskQuery) Validate() error {
	if q.OrderBy != "" {
		ok := false
		for _, c := range OrderColumns {
			if c == q.OrderBy {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid order column %q", q.OrderBy)
		}
	}
	if q.Offset < 0 || q.Limit < 0 {
		return fmt.Errorf("offset and limit must not be negative")
	}
	return nil
}

// Order returns the effective order column.
func (q TaskQuery) Order() string {
	if q.OrderBy == "" {
		return defaultOrder
	}
	return q.OrderBy
}

// Paginated reports whether the query selects a window rather than the full match set.
func (q TaskQuery) Paginated() bool {
	return q.Offset > 0 || q.Limit > 0
}

// Matches applies the equality filters to t.
func (q TaskQuery) Matches(t Task) bool {
	if q.ProjectID != "" && t.ProjectID != q.ProjectID {
		return false
	}
	if q.Status != "" && t.Status != q.Status {
		return false
	}
	if q.AssigneeID != "" && t.AssigneeID != q.AssigneeID {
		return false
	}
	if q.CreatorID != "" && t.CreatorID != q.CreatorID {
		return false
	}
	if q.Priority != "" && t.Priority != q.Priority {
		return false
	}
	return true
}

// Less orders a before b the way the store does: by the order column, then by id.
func (q TaskQuery) Less(a, b Task) bool {
	c := compareColumn(q.Order(), a, b)
	if c == 0 {
		c = compareStrings(a.ID, b.ID)
	}
	if q.Desc {
		return c > 0
	}
	return c < 0
}

// Sort orders tasks in place.
func (q TaskQuery) Sort(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return q.Less(tasks[i], tasks[j]) })
}

func compareColumn(col string, a, b Task) int {
	switch col {
	case "updated_at":
		return compareStrings(a.UpdatedAt, b.UpdatedAt)
	case "due_date":
		return compareStrings(a.DueDate, b.DueDate)
	case "title":
		return compareStrings(a.Title, b.Title)
	case "status":
		return compareStrings(a.Status, b.Status)
	case "priority":
		return compareStrings(a.Priority, b.Priority)
	case "progress":
		switch {
		case a.Progress < b.Progress:
			return -1
		case a.Progress > b.Progress:
			return 1
		}
		return 0
	default:
		return compareStrings(a.CreatedAt, b.CreatedAt)
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
