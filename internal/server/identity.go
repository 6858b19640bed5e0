package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"teamflow/internal/app"
	"teamflow/internal/domain"
	"teamflow/internal/repo"
)

func registerIdentity(api huma.API, s *app.Services, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: open a session for any user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowDevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login is disabled", nil)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		profile, err := s.Repo.GetProfile(ctx, userID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		profile.UserID = userID
		if input.Body.Email != "" {
			profile.Email = input.Body.Email
		}
		if input.Body.DisplayName != "" {
			profile.DisplayName = input.Body.DisplayName
		}
		if _, err := s.Engine.UpsertProfile(ctx, profile); err != nil {
			return nil, handleError(err)
		}
		token, sess, err := s.Sessions.Issue(ctx, userID, profile.Email, input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, Session: sess}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "signout",
		Method:        http.MethodPost,
		Path:          "/auth/signout",
		Summary:       "End the current session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.SessionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no session to end", nil)
		}
		if err := s.Sessions.SignOut(ctx, principal.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/auth/session",
		Summary:     "Current session",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.SessionID == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "request is not bound to a session", nil)
		}
		sess, err := s.Repo.GetSession(ctx, principal.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "session-activity",
		Method:        http.MethodPost,
		Path:          "/auth/session/activity",
		Summary:       "Record user interaction on the current session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ActivityPingRequest `json:"body"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.SessionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no session to update", nil)
		}
		if err := s.Sessions.UpdateLastActivity(ctx, principal.SessionID, input.Body.Event); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID:      principal.UserID,
			SessionID:   principal.SessionID,
			Email:       principal.Email,
			GlobalRole:  s.Access.ResolveGlobalRole(ctx, principal.UserID).String(),
			PrimaryRole: s.Access.GetUserPrimaryRole(ctx, principal.UserID).String(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me-role",
		Method:      http.MethodGet,
		Path:        "/me/role",
		Summary:     "Resolve the caller's role, optionally within a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := RoleResponse{
			UserID:     principal.UserID,
			ProjectID:  input.ProjectID,
			GlobalRole: s.Access.ResolveGlobalRole(ctx, principal.UserID).String(),
		}
		resp.EffectiveRole = resp.GlobalRole
		if input.ProjectID != "" {
			role, found, err := s.Access.ResolveProjectRole(ctx, principal.UserID, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.IsMember = found
			if found {
				resp.ProjectRole = role.String()
				resp.EffectiveRole = role.String()
			}
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "role-check",
		Method:      http.MethodPost,
		Path:        "/roles/check",
		Summary:     "Check the caller against a set of roles",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RoleCheckRequest `json:"body"`
	}) (*struct {
		Body RoleCheckResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		required, err := roleStrings(input.Body.Required)
		if err != nil {
			return nil, handleError(err)
		}
		allowed := s.Access.HasRequiredRole(ctx, principal.UserID, required, input.Body.ProjectID)
		return &struct {
			Body RoleCheckResponse `json:"body"`
		}{Body: RoleCheckResponse{Allowed: allowed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/me/profile",
		Summary:     "Caller's profile",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.Repo.GetProfile(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPut,
		Path:        "/me/profile",
		Summary:     "Update the caller's email and display name",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.Repo.GetProfile(ctx, principal.UserID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		p.UserID = principal.UserID
		if input.Body.Email != nil {
			p.Email = *input.Body.Email
		}
		if input.Body.DisplayName != nil {
			p.DisplayName = *input.Body.DisplayName
		}
		// Roles are granted administratively, never self-assigned.
		p.Role = domain.RoleGuest
		saved, err := s.Engine.UpsertProfile(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		s.Access.Forget(principal.UserID)
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: saved}, nil
	})
}
