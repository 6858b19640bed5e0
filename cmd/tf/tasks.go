package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamflow/internal/access"
	"teamflow/internal/app"
	"teamflow/internal/boardsync"
	"teamflow/internal/domain"
	"teamflow/internal/engine"
	"teamflow/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Task changes run through the board: role checks, WIP limits and locked columns apply, and every changed field is logged.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskBulkUpdateCmd())
	task.AddCommand(taskBulkDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *app.Services, p domain.Project) error {
				if err := s.Access.RequireRole(ctx, actor(), access.ActionCreate, access.CreateRoles, p.ID); err != nil {
					return err
				}
				opts.ProjectID = p.ID
				opts.CreatorID = actor()
				t, err := s.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial column (default: first column)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&opts.EstimatedHours, "estimate", 0, "estimated hours")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func queryFlags(cmd *cobra.Command, q *domain.TaskQuery) {
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&q.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&q.CreatorID, "creator", "", "creator filter")
	cmd.Flags().StringVar(&q.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&q.OrderBy, "order-by", "", "order column ("+strings.Join(domain.OrderColumns, ", ")+")")
	cmd.Flags().BoolVar(&q.Desc, "desc", false, "descending order")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "rows to skip")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "max rows (0 = all)")
}

func taskListCmd() *cobra.Command {
	var q domain.TaskQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *app.Services, p domain.Project) error {
				if err := s.Access.RequireRole(ctx, actor(), access.ActionView, domain.Roles(), p.ID); err != nil {
					return err
				}
				q.ProjectID = p.ID
				if err := q.Validate(); err != nil {
					return err
				}
				items, err := s.Engine.QueryTasks(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				fmt.Fprintln(stdout, renderTasks(items))
				return nil
			})
		},
	}
	queryFlags(cmd, &q)
	return cmd
}

func renderTasks(items []domain.Task) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Progress", "Due"})
	for _, t := range items {
		assignee := t.AssigneeID
		if assignee == "" {
			assignee = "-"
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assignee, fmt.Sprintf("%d%%", t.Progress), t.DueDate})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d tasks", len(items))})
	return tw.Render()
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				t, err := s.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if err := s.Access.RequireRole(ctx, actor(), access.ActionView, domain.Roles(), t.ProjectID); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// withBoard runs fn against a started sync controller for the task's
// project (or the resolved project when taskID is empty).
func withBoard(ctx context.Context, taskID string, fn func(context.Context, *boardsync.Controller) error) error {
	return withServices(ctx, func(ctx context.Context, s *app.Services) error {
		projectID := viper.GetString("project")
		if taskID != "" {
			t, err := s.Engine.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			projectID = t.ProjectID
		}
		p, err := app.ResolveProject(ctx, s.Repo, projectID)
		if err != nil {
			return err
		}
		board := s.Board(actor(), domain.TaskQuery{ProjectID: p.ID})
		if err := board.Start(ctx); err != nil {
			return err
		}
		defer board.Close()
		return fn(ctx, board)
	})
}

func taskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd.Context(), args[0], func(ctx context.Context, b *boardsync.Controller) error {
				t, err := b.MoveTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

type patchFlags struct {
	title, description, status, priority, assignee, due string
	progress                                            int
	estimate, actual                                    float64
}

func (f *patchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "title")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().StringVar(&f.status, "status", "", "status")
	cmd.Flags().StringVar(&f.priority, "priority", "", "priority")
	cmd.Flags().StringVar(&f.assignee, "assignee", "", "assignee user id (empty string unassigns)")
	cmd.Flags().StringVar(&f.due, "due", "", "due date (empty string clears)")
	cmd.Flags().IntVar(&f.progress, "progress", 0, "progress 0-100")
	cmd.Flags().Float64Var(&f.estimate, "estimate", 0, "estimated hours")
	cmd.Flags().Float64Var(&f.actual, "actual", 0, "actual hours")
}

// patch includes only the flags the user set.
func (f *patchFlags) patch(cmd *cobra.Command) domain.TaskPatch {
	var p domain.TaskPatch
	changed := cmd.Flags().Changed
	if changed("title") {
		p.Title = &f.title
	}
	if changed("description") {
		p.Description = &f.description
	}
	if changed("status") {
		p.Status = &f.status
	}
	if changed("priority") {
		p.Priority = &f.priority
	}
	if changed("assignee") {
		p.AssigneeID = &f.assignee
	}
	if changed("due") {
		p.DueDate = &f.due
	}
	if changed("progress") {
		p.Progress = &f.progress
	}
	if changed("estimate") {
		p.EstimatedHours = &f.estimate
	}
	if changed("actual") {
		p.ActualHours = &f.actual
	}
	return p
}

func taskUpdateCmd() *cobra.Command {
	var flags patchFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := flags.patch(cmd)
			if patch.IsEmpty() {
				return errors.New("nothing to update; pass at least one field flag")
			}
			return withBoard(cmd.Context(), args[0], func(ctx context.Context, b *boardsync.Controller) error {
				t, err := b.UpdateTask(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd.Context(), args[0], func(ctx context.Context, b *boardsync.Controller) error {
				return b.DeleteTask(ctx, args[0])
			})
		},
	}
}

func taskBulkUpdateCmd() *cobra.Command {
	var flags patchFlags
	cmd := &cobra.Command{
		Use:   "bulk-update <id>...",
		Short: "Apply the same change to several tasks, in order",
		Long:  "Tasks are updated one at a time. The first failure stops the run; tasks already updated stay updated.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := flags.patch(cmd)
			if patch.IsEmpty() {
				return errors.New("nothing to update; pass at least one field flag")
			}
			return withBoard(cmd.Context(), "", func(ctx context.Context, b *boardsync.Controller) error {
				return reportBulk(b.BulkUpdate(ctx, args, patch), len(args))
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func taskBulkDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bulk-delete <id>...",
		Short: "Delete several tasks, in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd.Context(), "", func(ctx context.Context, b *boardsync.Controller) error {
				return reportBulk(b.BulkDelete(ctx, args), len(args))
			})
		},
	}
}

func reportBulk(err error, total int) error {
	var bulk *boardsync.BulkError
	if errors.As(err, &bulk) {
		fmt.Fprintf(stdout, "%d of %d done before %s failed\n", len(bulk.Completed), bulk.Total, bulk.FailedID)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d of %d done\n", total, total)
	return nil
}

func boardCmd() *cobra.Command {
	b := &cobra.Command{Use: "board", Short: "Show the kanban board"}
	b.AddCommand(boardShowCmd())
	b.AddCommand(boardWatchCmd())
	return b
}

func boardShowCmd() *cobra.Command {
	var q domain.TaskQuery
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the board grouped by column",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd.Context(), "", func(ctx context.Context, b *boardsync.Controller) error {
				q.ProjectID = b.Query().ProjectID
				if err := b.SetQuery(ctx, q); err != nil {
					return err
				}
				lanes := b.Board()
				if viper.GetBool("json") {
					return printJSON(lanes)
				}
				fmt.Fprintln(stdout, renderBoard(lanes))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.AssigneeID, "assignee", "", "only tasks assigned to this user")
	cmd.Flags().StringVar(&q.Priority, "priority", "", "only tasks with this priority")
	cmd.Flags().StringVar(&q.OrderBy, "order-by", "", "order within columns")
	return cmd
}

// renderBoard draws one table column per lane.
func renderBoard(lanes []boardsync.Lane) string {
	tw := newTable()
	header := table.Row{}
	depth := 0
	for _, lane := range lanes {
		title := fmt.Sprintf("%s (%d", lane.Column.Title, len(lane.Tasks))
		if lane.Column.Bounded() {
			title += "/" + strconv.Itoa(lane.Column.WIPLimit)
		}
		title += ")"
		if lane.Column.Locked {
			title += " [locked]"
		}
		header = append(header, title)
		depth = max(depth, len(lane.Tasks))
	}
	tw.AppendHeader(header)
	for i := 0; i < depth; i++ {
		row := table.Row{}
		for _, lane := range lanes {
			cell := ""
			if i < len(lane.Tasks) {
				t := lane.Tasks[i]
				cell = t.Title
				if t.AssigneeID != "" {
					cell += " @" + t.AssigneeID
				}
			}
			row = append(row, cell)
		}
		tw.AppendRow(row)
	}
	return tw.Render()
}

func permCmd() *cobra.Command {
	p := &cobra.Command{Use: "perm", Short: "Inspect roles and permissions of --user"}
	p.AddCommand(permRoleCmd())
	p.AddCommand(permCheckCmd())
	p.AddCommand(permTaskCmd())
	return p
}

func permRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role",
		Short: "Show the global role and, with --project, the project role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				out := map[string]any{
					"user_id":      actor(),
					"global_role":  s.Access.ResolveGlobalRole(ctx, actor()).String(),
					"primary_role": s.Access.GetUserPrimaryRole(ctx, actor()).String(),
				}
				if projectID := viper.GetString("project"); projectID != "" {
					role, found, err := s.Access.ResolveProjectRole(ctx, actor(), projectID)
					if err != nil {
						return err
					}
					out["project_id"] = projectID
					out["is_member"] = found
					if found {
						out["project_role"] = role.String()
					}
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func permCheckCmd() *cobra.Command {
	var required string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check --user against a set of roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, err := domain.ParseRoles(required)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				allowed := s.Access.HasRequiredRole(ctx, actor(), roles, viper.GetString("project"))
				return printJSONOrTable(map[string]any{"allowed": allowed})
			})
		},
	}
	cmd.Flags().StringVar(&required, "required", "", "comma separated roles, e.g. manager,admin")
	_ = cmd.MarkFlagRequired("required")
	return cmd
}

func permTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show whether --user may edit or delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				return printJSONOrTable(map[string]any{
					"task_id":    args[0],
					"can_edit":   s.Access.CanEditTask(ctx, actor(), args[0]),
					"can_delete": s.Access.CanDeleteTask(ctx, actor(), args[0]),
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Activity log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID, typ string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *app.Services, p domain.Project) error {
				if err := s.Access.RequireRole(ctx, actor(), access.ActionView, domain.Roles(), p.ID); err != nil {
					return err
				}
				items, err := s.Repo.ListActivity(ctx, repo.ActivityFilter{ProjectID: p.ID, TaskID: taskID, Type: typ, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "Task", "Type", "User", "Details"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.CreatedAt, e.TaskID, e.ActivityType, e.UserID, formatDetails(e.Details)})
				}
				fmt.Fprintln(stdout, tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&taskID, "task", "", "only this task")
	cmd.Flags().StringVar(&typ, "type", "", "only this activity type")
	return cmd
}

func formatDetails(d map[string]any) string {
	if from, ok := d["from"]; ok {
		return fmt.Sprintf("%v -> %v", from, d["to"])
	}
	parts := make([]string, 0, len(d))
	for k, v := range d {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Notifications of --user"}
	n.AddCommand(notifyListCmd())
	n.AddCommand(notifyReadCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				items, err := s.Repo.ListNotifications(ctx, actor(), unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Title", "Message", "Read"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.CreatedAt, item.Type, item.Title, item.Message, item.Read})
				}
				fmt.Fprintln(stdout, tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func notifyReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				return s.Repo.MarkNotificationRead(ctx, actor(), id)
			})
		},
	}
}
