// Package access decides who may do what. Every lookup failure resolves to
// the most restrictive answer.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"teamflow/internal/domain"
)

// Directory is the read side of the remote store the resolver consults.
type Directory interface {
	ListMemberships(ctx context.Context, userID string) ([]domain.ProjectMembership, error)
	GetMembership(ctx context.Context, projectID, userID string) (domain.ProjectMembership, error)
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
}

var (
	// EditRoles may edit any task in a project.
	EditRoles = []domain.Role{domain.RoleOwner, domain.RoleAdmin, domain.RoleManager}
	// DeleteRoles may delete any task in a project.
	DeleteRoles = []domain.Role{domain.RoleOwner, domain.RoleAdmin}
	// CreateRoles may add tasks to a project. Viewers may not.
	CreateRoles = []domain.Role{domain.RoleOwner, domain.RoleAdmin, domain.RoleManager, domain.RoleContributor, domain.RoleMember}
	// ManageRoles may change project membership.
	ManageRoles = []domain.Role{domain.RoleOwner, domain.RoleAdmin}
)

// MaxCacheTTL bounds how stale a cached role may be.
const MaxCacheTTL = 5 * time.Second

const cacheSize = 1024

type cachedRole struct {
	role  domain.Role
	found bool
}

// Resolver answers role and task permission questions from a Directory.
// Lookup failures deny.
type Resolver struct {
	dir    Directory
	cache  *expirable.LRU[string, cachedRole]
	logger *zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheTTL caches successful role lookups for ttl (capped at MaxCacheTTL).
// Tasks and failed lookups are never cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl <= 0 {
			r.cache = nil
			return
		}
		if ttl > MaxCacheTTL {
			ttl = MaxCacheTTL
		}
		r.cache = expirable.NewLRU[string, cachedRole](cacheSize, nil, ttl)
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New returns a Resolver reading from dir. Role caching is off unless
// WithCacheTTL is given.
func New(dir Directory, opts ...Option) *Resolver {
	r := &Resolver{dir: dir}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		nop := zerolog.Nop()
		r.logger = &nop
	}
	return r
}

// ResolveGlobalRole returns the user's highest membership role, else their
// profile role, else RoleGuest. It never fails.
func (r *Resolver) ResolveGlobalRole(ctx context.Context, userID string) domain.Role {
	if strings.TrimSpace(userID) == "" {
		return domain.RoleGuest
	}
	key := "g|" + userID
	if c, ok := r.cached(key); ok {
		return c.role
	}
	memberships, err := r.dir.ListMemberships(ctx, userID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("resolve global role: list memberships")
		return domain.RoleGuest
	}
	roles := make([]domain.Role, 0, len(memberships))
	for _, m := range memberships {
		roles = append(roles, m.Role)
	}
	if best := domain.HighestRole(roles); best != domain.RoleGuest {
		r.store(key, cachedRole{role: best, found: true})
		return best
	}
	profile, err := r.dir.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.store(key, cachedRole{role: domain.RoleGuest})
		return domain.RoleGuest
	case err != nil:
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("resolve global role: get profile")
		return domain.RoleGuest
	}
	role := domain.RoleGuest
	if profile.Role.Valid() {
		role = profile.Role
	}
	r.store(key, cachedRole{role: role, found: role != domain.RoleGuest})
	return role
}

// ResolveProjectRole looks up the exact (user, project) membership.
// found is false when the user is not a member; callers then fall back to
// ResolveGlobalRole.
func (r *Resolver) ResolveProjectRole(ctx context.Context, userID, projectID string) (role domain.Role, found bool, err error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(projectID) == "" {
		return domain.RoleGuest, false, nil
	}
	key := "p|" + projectID + "|" + userID
	if c, ok := r.cached(key); ok {
		return c.role, c.found, nil
	}
	m, err := r.dir.GetMembership(ctx, projectID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		r.store(key, cachedRole{})
		return domain.RoleGuest, false, nil
	}
	if err != nil {
		return domain.RoleGuest, false, fmt.Errorf("project membership %s/%s: %w", projectID, userID, err)
	}
	if !m.Role.Valid() {
		return domain.RoleGuest, false, fmt.Errorf("project membership %s/%s: unknown role %q", projectID, userID, string(m.Role))
	}
	r.store(key, cachedRole{role: m.Role, found: true})
	return m.Role, true, nil
}

// EffectiveRole is the project role when present, else the global role.
func (r *Resolver) EffectiveRole(ctx context.Context, userID, projectID string) (domain.Role, error) {
	if projectID == "" {
		return r.ResolveGlobalRole(ctx, userID), nil
	}
	role, found, err := r.ResolveProjectRole(ctx, userID, projectID)
	if err != nil {
		return domain.RoleGuest, err
	}
	if found {
		return role, nil
	}
	return r.ResolveGlobalRole(ctx, userID), nil
}

// HasRequiredRole reports whether the user's effective role (project-scoped
// when projectID is set) is one of required. RoleGuest never qualifies.
func (r *Resolver) HasRequiredRole(ctx context.Context, userID string, required []domain.Role, projectID string) bool {
	role, err := r.EffectiveRole(ctx, userID, projectID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Str("project_id", projectID).Msg("role check denied")
		return false
	}
	return domain.ContainsRole(required, role)
}

func (r *Resolver) HasProjectRole(ctx context.Context, userID, projectID string, required []domain.Role) bool {
	return r.HasRequiredRole(ctx, userID, required, projectID)
}

// GetUserPrimaryRole is the global role for display; guests show as member.
func (r *Resolver) GetUserPrimaryRole(ctx context.Context, userID string) domain.Role {
	role := r.ResolveGlobalRole(ctx, userID)
	if role == domain.RoleGuest {
		return domain.RoleMember
	}
	return role
}

// CanEditTask allows owner, admin and manager of the task's project, plus the
// task's creator and assignee whatever their rank. A user with no resolvable
// role is always denied.
func (r *Resolver) CanEditTask(ctx context.Context, userID, taskID string) bool {
	t, role, ok := r.taskAndRole(ctx, userID, taskID)
	if !ok {
		return false
	}
	if t.CreatorID == userID || (t.AssigneeID != "" && t.AssigneeID == userID) {
		return true
	}
	return domain.ContainsRole(EditRoles, role)
}

// CanDeleteTask allows owner and admin of the task's project plus the creator.
func (r *Resolver) CanDeleteTask(ctx context.Context, userID, taskID string) bool {
	t, role, ok := r.taskAndRole(ctx, userID, taskID)
	if !ok {
		return false
	}
	if t.CreatorID == userID {
		return true
	}
	return domain.ContainsRole(DeleteRoles, role)
}

func (r *Resolver) taskAndRole(ctx context.Context, userID, taskID string) (domain.Task, domain.Role, bool) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(taskID) == "" {
		return domain.Task{}, domain.RoleGuest, false
	}
	t, err := r.dir.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Str("task_id", taskID).Msg("task permission denied: load task")
		return domain.Task{}, domain.RoleGuest, false
	}
	role, err := r.EffectiveRole(ctx, userID, t.ProjectID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Str("task_id", taskID).Msg("task permission denied: resolve role")
		return t, domain.RoleGuest, false
	}
	if role == domain.RoleGuest {
		return t, role, false
	}
	return t, role, true
}

// Forget drops cached roles for a user, e.g. after a membership change.
func (r *Resolver) Forget(userID string) {
	if r.cache == nil {
		return
	}
	for _, k := range r.cache.Keys() {
		if strings.HasSuffix(k, "|"+userID) {
			r.cache.Remove(k)
		}
	}
}

func (r *Resolver) cached(key string) (cachedRole, bool) {
	if r.cache == nil {
		return cachedRole{}, false
	}
	return r.cache.Get(key)
}

func (r *Resolver) store(key string, v cachedRole) {
	if r.cache != nil {
		r.cache.Add(key, v)
	}
}
