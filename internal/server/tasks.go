package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"teamflow/internal/access"
	"teamflow/internal/app"
	"teamflow/internal/domain"
	"teamflow/internal/engine"
)

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "Query tasks in a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		CreatorID  string `query:"creator_id"`
		Priority   string `query:"priority"`
		OrderBy    string `query:"order_by"`
		Desc       bool   `query:"desc"`
		Offset     int    `query:"offset" minimum:"0"`
		Limit      int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if _, err := requireProjectRole(ctx, s, access.ActionView, readRoles, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		q := domain.TaskQuery{
			ProjectID:  input.ProjectID,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			CreatorID:  input.CreatorID,
			Priority:   input.Priority,
			OrderBy:    input.OrderBy,
			Desc:       input.Desc,
			Offset:     input.Offset,
			Limit:      input.Limit,
		}
		if err := q.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		tasks, err := s.Engine.QueryTasks(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: nonNilSlice(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		principal, err := requireProjectRole(ctx, s, access.ActionCreate, writeRoles, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{
			ID:             input.Body.ID,
			ProjectID:      input.ProjectID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			CreatorID:      principal.UserID,
			AssigneeID:     input.Body.AssigneeID,
			Status:         input.Body.Status,
			Priority:       input.Body.Priority,
			Progress:       input.Body.Progress,
			DueDate:        input.Body.DueDate,
			EstimatedHours: input.Body.EstimatedHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := s.Engine.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requireProjectRole(ctx, s, access.ActionView, readRoles, t.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Patch task fields",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   domain.TaskPatch `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.Engine.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		if err := s.Access.RequireTask(ctx, principal.UserID, access.ActionEdit, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		t, err := s.Engine.UpdateTask(ctx, input.TaskID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete a task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.Engine.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		if err := s.Access.RequireTask(ctx, principal.UserID, access.ActionDelete, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		if err := s.Engine.DeleteTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-permissions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/permissions",
		Summary:     "What the caller may do with a task",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskPermissionsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body TaskPermissionsResponse `json:"body"`
		}{Body: TaskPermissionsResponse{
			TaskID:    input.TaskID,
			CanEdit:   s.Access.CanEditTask(ctx, principal.UserID, input.TaskID),
			CanDelete: s.Access.CanDeleteTask(ctx, principal.UserID, input.TaskID),
		}}, nil
	})
}
