package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teamflow/internal/domain"
)

type fakeDirectory struct {
	mu          sync.Mutex
	memberships []domain.ProjectMembership
	profiles    map[string]domain.Profile
	tasks       map[string]domain.Task
	fail        error
	calls       int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{profiles: map[string]domain.Profile{}, tasks: map[string]domain.Task{}}
}

func (d *fakeDirectory) member(projectID, userID string, role domain.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memberships = append(d.memberships, domain.ProjectMembership{ProjectID: projectID, UserID: userID, Role: role})
}

func (d *fakeDirectory) ListMemberships(_ context.Context, userID string) ([]domain.ProjectMembership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		return nil, d.fail
	}
	var out []domain.ProjectMembership
	for _, m := range d.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *fakeDirectory) GetMembership(_ context.Context, projectID, userID string) (domain.ProjectMembership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		return domain.ProjectMembership{}, d.fail
	}
	for _, m := range d.memberships {
		if m.ProjectID == projectID && m.UserID == userID {
			return m, nil
		}
	}
	return domain.ProjectMembership{}, domain.ErrNotFound
}

func (d *fakeDirectory) GetProfile(_ context.Context, userID string) (domain.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		return domain.Profile{}, d.fail
	}
	p, ok := d.profiles[userID]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}

func (d *fakeDirectory) GetTask(_ context.Context, taskID string) (domain.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return domain.Task{}, d.fail
	}
	t, ok := d.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestResolveGlobalRole(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.member("p1", "ann", domain.RoleViewer)
	dir.member("p2", "ann", domain.RoleManager)
	dir.profiles["ann"] = domain.Profile{UserID: "ann", Role: domain.RoleMember}
	dir.profiles["ben"] = domain.Profile{UserID: "ben", Role: domain.RoleAdmin}
	dir.profiles["cat"] = domain.Profile{UserID: "cat"}
	r := New(dir)

	require.Equal(t, domain.RoleManager, r.ResolveGlobalRole(ctx, "ann"), "highest membership wins over profile")
	require.Equal(t, domain.RoleAdmin, r.ResolveGlobalRole(ctx, "ben"))
	require.Equal(t, domain.RoleGuest, r.ResolveGlobalRole(ctx, "cat"))
	require.Equal(t, domain.RoleGuest, r.ResolveGlobalRole(ctx, "nobody"))
	require.Equal(t, domain.RoleGuest, r.ResolveGlobalRole(ctx, ""))
	require.Equal(t, domain.RoleMember, r.GetUserPrimaryRole(ctx, "nobody"))
}

func TestResolveProjectRole(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.member("p1", "ann", domain.RoleContributor)
	r := New(dir)

	role, found, err := r.ResolveProjectRole(ctx, "ann", "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.RoleContributor, role)

	role, found, err = r.ResolveProjectRole(ctx, "ann", "p2")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, domain.RoleGuest, role)

	dir.fail = errors.New("connection reset")
	_, found, err = r.ResolveProjectRole(ctx, "ann", "p1")
	require.Error(t, err)
	require.False(t, found)
}

func TestHasRequiredRoleFailsClosed(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.member("p1", "ann", domain.RoleOwner)
	dir.profiles["ann"] = domain.Profile{UserID: "ann", Role: domain.RoleAdmin}
	r := New(dir)

	require.True(t, r.HasRequiredRole(ctx, "ann", []domain.Role{domain.RoleOwner}, "p1"))
	require.True(t, r.HasRequiredRole(ctx, "ann", []domain.Role{domain.RoleOwner}, ""))

	dir.fail = errors.New("timeout")
	require.False(t, r.HasRequiredRole(ctx, "ann", []domain.Role{domain.RoleOwner}, "p1"))
	require.False(t, r.HasRequiredRole(ctx, "ann", []domain.Role{domain.RoleOwner}, ""))
	require.False(t, r.HasRequiredRole(ctx, "ann", domain.Roles(), ""), "guest never satisfies a check")
}

func TestMemberWithoutProjectMembershipIsDenied(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.profiles["mo"] = domain.Profile{UserID: "mo", Role: domain.RoleMember}
	r := New(dir)

	require.False(t, r.HasRequiredRole(ctx, "mo", []domain.Role{domain.RoleManager, domain.RoleAdmin}, "P"))
	require.True(t, r.HasRequiredRole(ctx, "mo", []domain.Role{domain.RoleMember}, "P"), "falls back to the global role")

	err := r.RequireRole(ctx, "mo", ActionManage, ManageRoles, "P")
	var denied DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "project P", denied.Resource)
	require.Contains(t, err.Error(), "owner or admin")
}

func TestTaskPermissions(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.tasks["t1"] = domain.Task{ID: "t1", ProjectID: "p1", CreatorID: "u1", AssigneeID: "u2"}
	dir.member("p1", "u1", domain.RoleContributor)
	dir.member("p1", "u2", domain.RoleViewer)
	dir.member("p1", "u3", domain.RoleViewer)
	dir.member("p1", "mgr", domain.RoleManager)
	dir.member("p1", "adm", domain.RoleAdmin)
	dir.member("p1", "own", domain.RoleOwner)
	dir.member("p1", "con", domain.RoleContributor)
	r := New(dir)

	cases := []struct {
		user         string
		edit, delete bool
	}{
		{"u1", true, true},   // creator
		{"u2", true, false},  // assignee
		{"u3", false, false}, // viewer
		{"mgr", true, false},
		{"adm", true, true},
		{"own", true, true},
		{"con", false, false},
		{"stranger", false, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.edit, r.CanEditTask(ctx, tc.user, "t1"), "edit %s", tc.user)
		require.Equal(t, tc.delete, r.CanDeleteTask(ctx, tc.user, "t1"), "delete %s", tc.user)
		if tc.delete {
			require.True(t, tc.edit, "delete implies edit for %s", tc.user)
		}
	}

	require.False(t, r.CanEditTask(ctx, "u1", "missing"))
	require.NoError(t, r.RequireTask(ctx, "u1", ActionDelete, "t1"))
	require.Error(t, r.RequireTask(ctx, "u3", ActionEdit, "t1"))
}

func TestCreatorWithViewerRoleMayEdit(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.tasks["t1"] = domain.Task{ID: "t1", ProjectID: "p1", CreatorID: "u"}
	dir.member("p1", "u", domain.RoleViewer)
	r := New(dir)
	require.True(t, r.CanEditTask(ctx, "u", "t1"))
}

func TestTaskChecksFailClosed(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.tasks["t1"] = domain.Task{ID: "t1", ProjectID: "p1", CreatorID: "u"}
	r := New(dir)

	// Creator with no resolvable role at all is still denied.
	require.False(t, r.CanEditTask(ctx, "u", "t1"))
	require.False(t, r.CanDeleteTask(ctx, "u", "t1"))

	dir.member("p1", "u", domain.RoleViewer)
	require.True(t, r.CanEditTask(ctx, "u", "t1"))
	dir.fail = errors.New("unavailable")
	require.False(t, r.CanEditTask(ctx, "u", "t1"))
	require.False(t, r.CanDeleteTask(ctx, "u", "t1"))
}

func TestRoleCache(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.member("p1", "ann", domain.RoleAdmin)

	uncached := New(dir)
	uncached.HasRequiredRole(ctx, "ann", ManageRoles, "p1")
	uncached.HasRequiredRole(ctx, "ann", ManageRoles, "p1")
	require.Equal(t, 2, dir.callCount())

	dir.calls = 0
	cached := New(dir, WithCacheTTL(time.Minute))
	require.True(t, cached.HasRequiredRole(ctx, "ann", ManageRoles, "p1"))
	require.True(t, cached.HasRequiredRole(ctx, "ann", ManageRoles, "p1"))
	require.Equal(t, 1, dir.callCount())

	// Forget drops the cached entry so a demotion is seen at once.
	dir.mu.Lock()
	dir.memberships[0].Role = domain.RoleViewer
	dir.mu.Unlock()
	cached.Forget("ann")
	require.False(t, cached.HasRequiredRole(ctx, "ann", ManageRoles, "p1"))

	// Errors are not cached.
	dir.fail = errors.New("down")
	require.False(t, cached.HasRequiredRole(ctx, "bob", ManageRoles, "p1"))
	dir.fail = nil
	dir.member("p1", "bob", domain.RoleOwner)
	require.True(t, cached.HasRequiredRole(ctx, "bob", ManageRoles, "p1"))
}
