package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"teamflow/internal/access"
	"teamflow/internal/app"
	"teamflow/internal/domain"
	"teamflow/internal/engine"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "create-project",
		Method:      http.MethodPost,
		Path:        "/projects",
		Summary:     "Create a project owned by the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := s.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			OwnerID:     principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		s.Access.Forget(principal.UserID)
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "Projects the caller belongs to",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		memberships, err := s.Repo.ListMemberships(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]domain.Project, 0, len(memberships))
		for _, m := range memberships {
			p, err := s.Repo.GetProject(ctx, m.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, p)
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List project members",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body MemberListResponse `json:"body"`
	}, error) {
		if _, err := requireProjectRole(ctx, s, access.ActionView, readRoles, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		members, err := s.Repo.ListProjectMembers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MemberListResponse `json:"body"`
		}{Body: MemberListResponse{Items: nonNilSlice(members)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-member",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/members",
		Summary:     "Add a member or change their role",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      MemberRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectMembership `json:"body"`
	}, error) {
		if _, err := requireProjectRole(ctx, s, access.ActionManage, manageRoles, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		role, err := domain.ParseRole(input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := s.Engine.AddMember(ctx, input.ProjectID, strings.TrimSpace(input.Body.UserID), role)
		if err != nil {
			return nil, handleError(err)
		}
		s.Access.Forget(m.UserID)
		return &struct {
			Body domain.ProjectMembership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-member",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/members/{user_id}",
		Summary:       "Remove a member",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		UserID    string `path:"user_id"`
	}) (*struct{}, error) {
		if _, err := requireProjectRole(ctx, s, access.ActionManage, manageRoles, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if err := s.Engine.RemoveMember(ctx, input.ProjectID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		s.Access.Forget(input.UserID)
		return &struct{}{}, nil
	})
}
