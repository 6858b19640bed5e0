package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"teamflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,owner_id,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.OwnerID, p.CreatedAt)
	return err
}

const projectColumns = `id,name,COALESCE(description,''),owner_id,created_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	switch len(projects) {
	case 0:
		return domain.Project{}, ErrNotFound
	case 1:
		return projects[0], nil
	default:
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
}

func (r Repo) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(user_id,email,display_name,role,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET email=excluded.email, display_name=excluded.display_name, role=excluded.role`,
		p.UserID, nullable(p.Email), nullable(p.DisplayName), nullable(string(p.Role)), p.CreatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var (
		p    domain.Profile
		role string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,COALESCE(email,''),COALESCE(display_name,''),COALESCE(role,''),created_at FROM profiles WHERE user_id=?`, userID).
		Scan(&p.UserID, &p.Email, &p.DisplayName, &role, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.Role = domain.Role(role)
	return p, err
}

const taskColumns = `id,project_id,title,description,creator_id,assignee_id,status,priority,progress,due_date,estimated_hours,actual_hours,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                       domain.Task
		desc, assignee, dueDate sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &desc, &t.CreatorID, &assignee, &t.Status, &t.Priority,
		&t.Progress, &dueDate, &t.EstimatedHours, &t.ActualHours, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	t.AssigneeID = assignee.String
	t.DueDate = dueDate.String
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.CreatorID, nullable(t.AssigneeID), t.Status, t.Priority,
		t.Progress, nullable(t.DueDate), t.EstimatedHours, t.ActualHours, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTask writes every mutable column of t.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,assignee_id=?,status=?,priority=?,progress=?,due_date=?,estimated_hours=?,actual_hours=?,updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), nullable(t.AssigneeID), t.Status, t.Priority, t.Progress, nullable(t.DueDate),
		t.EstimatedHours, t.ActualHours, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q queryer, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// QueryTasks runs q against the tasks table. Ordering matches TaskQuery.Less.
func (r Repo) QueryTasks(ctx context.Context, q domain.TaskQuery) ([]domain.Task, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var (
		clauses []string
		args    []any
	)
	add := func(col, val string) {
		if val != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, val)
		}
	}
	add("project_id", q.ProjectID)
	add("status", q.Status)
	add("assignee_id", q.AssigneeID)
	add("creator_id", q.CreatorID)
	add("priority", q.Priority)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	// q.Order() is validated against domain.OrderColumns above.
	order := q.Order()
	if order == "due_date" {
		order = "COALESCE(due_date,'')"
	}
	query += fmt.Sprintf(` ORDER BY %s %s, id %s`, order, dir, dir)
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		query += ` LIMIT -1`
	}
	if q.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, q.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
