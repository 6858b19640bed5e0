package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teamflow/internal/domain"
)

type memStore struct {
	entries []domain.ActivityLogEntry
	notes   []domain.Notification
	err     error
}

func (m *memStore) InsertActivity(_ context.Context, e domain.ActivityLogEntry) (domain.ActivityLogEntry, error) {
	if m.err != nil {
		return e, m.err
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memStore) InsertNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	if m.err != nil {
		return n, m.err
	}
	n.ID = int64(len(m.notes) + 1)
	m.notes = append(m.notes, n)
	return n, nil
}

func fixedNow() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

func TestRecordTaskChangeOneEntryPerField(t *testing.T) {
	store := &memStore{}
	e := Emitter{Store: store, Now: fixedNow}
	before := domain.Task{ID: "t1", ProjectID: "p1", Title: "Plan", Status: domain.StatusTodo, Priority: domain.PriorityLow, Progress: 0}
	patch := domain.TaskPatch{
		Status:   domain.Ptr(domain.StatusInProgress),
		Priority: domain.Ptr(domain.PriorityLow), // unchanged
		Progress: domain.Ptr(25),
	}

	e.RecordTaskChange(context.Background(), "ann", before, patch)

	require.Len(t, store.entries, 2)
	require.Equal(t, "status_changed", store.entries[0].ActivityType)
	require.Equal(t, map[string]any{"field": "status", "from": domain.StatusTodo, "to": domain.StatusInProgress}, store.entries[0].Details)
	require.Equal(t, "progress_changed", store.entries[1].ActivityType)
	require.Equal(t, map[string]any{"field": "progress", "from": 0, "to": 25}, store.entries[1].Details)
	for _, entry := range store.entries {
		require.Equal(t, "ann", entry.UserID)
		require.Equal(t, "p1", entry.ProjectID)
		require.Equal(t, "2026-05-01T12:00:00.000000Z", entry.CreatedAt)
	}
	require.Empty(t, store.notes)
}

func TestRecordTaskChangeNotifiesNewAssignee(t *testing.T) {
	store := &memStore{}
	e := Emitter{Store: store}
	before := domain.Task{ID: "t1", ProjectID: "p1", Title: "Plan"}

	e.RecordTaskChange(context.Background(), "ann", before, domain.TaskPatch{AssigneeID: domain.Ptr("bob")})
	require.Len(t, store.notes, 1)
	n := store.notes[0]
	require.Equal(t, "bob", n.UserID)
	require.Equal(t, NotifyAssigned, n.Type)
	require.Equal(t, "t1", n.RelatedTaskID)
	require.Contains(t, n.Message, "ann")

	// Self-assignment and unassignment do not notify.
	e.RecordTaskChange(context.Background(), "bob", before, domain.TaskPatch{AssigneeID: domain.Ptr("bob")})
	e.RecordTaskChange(context.Background(), "ann", domain.Task{ID: "t1", AssigneeID: "bob"}, domain.TaskPatch{AssigneeID: domain.Ptr("")})
	require.Len(t, store.notes, 1)
	require.Len(t, store.entries, 3)
}

func TestEmitterSwallowsStoreErrors(t *testing.T) {
	store := &memStore{err: errors.New("insert failed")}
	e := Emitter{Store: store}
	require.NotPanics(t, func() {
		e.RecordTaskDeleted(context.Background(), "ann", domain.Task{ID: "t1"})
		e.CreateNotification(context.Background(), domain.NotificationInput{UserID: "bob"})
	})
	require.NotPanics(t, func() {
		Emitter{}.LogTaskActivity(context.Background(), domain.ActivityInput{TaskID: "t1"})
	})
}

func TestFieldChanges(t *testing.T) {
	a := domain.Task{Title: "x", EstimatedHours: 1, ActualHours: 0}
	require.Empty(t, FieldChanges(a, a))
	b := a
	b.EstimatedHours = 2
	b.ActualHours = 1.5
	b.DueDate = "2026-06-01"
	changes := FieldChanges(a, b)
	require.Equal(t, []string{"due_date", "estimated_hours", "actual_hours"},
		[]string{changes[0].Field, changes[1].Field, changes[2].Field})
}
