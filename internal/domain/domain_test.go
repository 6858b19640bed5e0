package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatTimeSortsLexicographically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 9, 0, 0, 0, time.FixedZone("x", 3600)))
	b := FormatTime(time.Date(2026, 1, 1, 8, 30, 0, 1000, time.UTC))
	require.Equal(t, "2026-01-01T08:00:00.000000Z", a)
	require.Less(t, a, b)
}

func TestRoles(t *testing.T) {
	require.Equal(t, "guest", RoleGuest.String())
	require.False(t, RoleGuest.Valid())
	require.Zero(t, Role("root").Rank())
	require.Greater(t, RoleOwner.Rank(), RoleAdmin.Rank())
	require.Greater(t, RoleViewer.Rank(), RoleMember.Rank())

	r, err := ParseRole(" Manager ")
	require.NoError(t, err)
	require.Equal(t, RoleManager, r)
	_, err = ParseRole("guest")
	require.Error(t, err)

	roles, err := ParseRoles("owner, admin,,viewer")
	require.NoError(t, err)
	require.Equal(t, []Role{RoleOwner, RoleAdmin, RoleViewer}, roles)
	_, err = ParseRoles("owner,boss")
	require.Error(t, err)

	require.Equal(t, RoleManager, HighestRole([]Role{RoleViewer, RoleManager, Role("bogus")}))
	require.Equal(t, RoleGuest, HighestRole(nil))
	require.False(t, ContainsRole(Roles(), RoleGuest))
	require.True(t, ContainsRole([]Role{RoleAdmin}, RoleAdmin))
}

func TestTaskPatchValidate(t *testing.T) {
	valid := TaskPatch{
		Title:    Ptr("x"),
		Priority: Ptr(PriorityUrgent),
		Progress: Ptr(100),
		DueDate:  Ptr(""),
	}
	require.NoError(t, valid.Validate())

	bad := []TaskPatch{
		{Title: Ptr("  ")},
		{Status: Ptr("")},
		{Priority: Ptr("whenever")},
		{Progress: Ptr(-1)},
		{DueDate: Ptr("2026/01/01")},
		{EstimatedHours: Ptr(-0.5)},
		{ActualHours: Ptr(-2.0)},
	}
	for _, p := range bad {
		err := p.Validate()
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrInvalidPatch))
	}
}

func TestTaskPatchApply(t *testing.T) {
	base := Task{ID: "t1", Title: "a", AssigneeID: "u1", DueDate: "2026-02-01", UpdatedAt: "keep"}
	require.True(t, TaskPatch{}.IsEmpty())
	require.Equal(t, base, TaskPatch{}.Apply(base))

	out := TaskPatch{Title: Ptr("b"), AssigneeID: Ptr(""), DueDate: Ptr(""), Progress: Ptr(40)}.Apply(base)
	require.Equal(t, "b", out.Title)
	require.Empty(t, out.AssigneeID)
	require.Empty(t, out.DueDate)
	require.Equal(t, 40, out.Progress)
	require.Equal(t, "keep", out.UpdatedAt)
	require.Equal(t, "a", base.Title, "input is not modified")
}

func TestTaskQuery(t *testing.T) {
	require.NoError(t, TaskQuery{OrderBy: "due_date"}.Validate())
	require.Error(t, TaskQuery{OrderBy: "id; drop table tasks"}.Validate())
	require.Error(t, TaskQuery{Limit: -1}.Validate())
	require.True(t, TaskQuery{Offset: 5}.Paginated())
	require.False(t, TaskQuery{}.Paginated())

	q := TaskQuery{ProjectID: "p1", Status: StatusTodo}
	require.True(t, q.Matches(Task{ProjectID: "p1", Status: StatusTodo, AssigneeID: "x"}))
	require.False(t, q.Matches(Task{ProjectID: "p2", Status: StatusTodo}))

	tasks := []Task{
		{ID: "b", Progress: 10},
		{ID: "a", Progress: 10},
		{ID: "c", Progress: 90},
	}
	TaskQuery{OrderBy: "progress", Desc: true}.Sort(tasks)
	require.Equal(t, []string{"c", "b", "a"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	TaskQuery{OrderBy: "progress"}.Sort(tasks)
	require.Equal(t, []string{"a", "b", "c"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}

func TestIsActivityEvent(t *testing.T) {
	for _, e := range ActivityEvents {
		require.True(t, IsActivityEvent(e))
	}
	require.False(t, IsActivityEvent("mousemove"))
}
