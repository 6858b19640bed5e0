package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"teamflow/internal/access"
	"teamflow/internal/app"
	"teamflow/internal/domain"
	"teamflow/internal/repo"
)

func registerActivity(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "task-activity",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/activity",
		Summary:     "Activity log of a task, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body ActivityListResponse `json:"body"`
	}, error) {
		t, err := s.Engine.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requireProjectRole(ctx, s, access.ActionView, readRoles, t.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.Repo.ListActivity(ctx, repo.ActivityFilter{TaskID: input.TaskID, Type: input.Type, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityListResponse `json:"body"`
		}{Body: ActivityListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-activity",
		Method:        http.MethodPost,
		Path:          "/activity",
		Summary:       "Append an activity entry as the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.ActivityInput `json:"body"`
	}) (*struct {
		Body domain.ActivityLogEntry `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := input.Body
		if strings.TrimSpace(in.TaskID) == "" || strings.TrimSpace(in.ActivityType) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id and activity_type are required", nil)
		}
		if in.ProjectID == "" {
			// Deleted tasks are logged after the row is gone, so the project must then be given.
			t, err := s.Engine.GetTask(ctx, in.TaskID)
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required for a task that no longer exists", nil)
			}
			if err != nil {
				return nil, handleError(err)
			}
			in.ProjectID = t.ProjectID
		}
		if _, err := requireProjectRole(ctx, s, access.ActionView, readRoles, in.ProjectID); err != nil {
			return nil, handleError(err)
		}
		entry, err := s.Repo.InsertActivity(ctx, domain.ActivityLogEntry{
			TaskID:       in.TaskID,
			ProjectID:    in.ProjectID,
			ActivityType: in.ActivityType,
			UserID:       principal.UserID,
			Details:      in.Details,
			CreatedAt:    domain.FormatTime(time.Now()),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActivityLogEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Caller's notifications, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body NotificationListResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.Repo.ListNotifications(ctx, principal.UserID, input.Unread, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationListResponse `json:"body"`
		}{Body: NotificationListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-notification",
		Method:        http.MethodPost,
		Path:          "/notifications",
		Summary:       "Notify a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.NotificationInput `json:"body"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		in := input.Body
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.Type) == "" || strings.TrimSpace(in.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id, type and title are required", nil)
		}
		if in.RelatedProjectID != "" {
			if _, err := requireProjectRole(ctx, s, access.ActionView, readRoles, in.RelatedProjectID); err != nil {
				return nil, handleError(err)
			}
		}
		n, err := s.Repo.InsertNotification(ctx, domain.Notification{
			UserID:           in.UserID,
			Type:             in.Type,
			Title:            in.Title,
			Message:          in.Message,
			RelatedTaskID:    in.RelatedTaskID,
			RelatedProjectID: in.RelatedProjectID,
			CreatedAt:        domain.FormatTime(time.Now()),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{notification_id}/read",
		Summary:       "Mark a notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID int64 `path:"notification_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.Repo.MarkNotificationRead(ctx, principal.UserID, input.NotificationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
