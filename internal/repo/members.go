package repo

import (
	"context"
	"database/sql"
	"errors"

	"teamflow/internal/domain"
)

// UpsertMembership adds a member or changes their role.
func (r Repo) UpsertMembership(ctx context.Context, tx *sql.Tx, m domain.ProjectMembership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_members(project_id,user_id,role,joined_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,user_id) DO UPDATE SET role=excluded.role`, m.ProjectID, m.UserID, string(m.Role), m.JoinedAt)
	return err
}

func (r Repo) DeleteMembership(ctx context.Context, tx *sql.Tx, projectID, userID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND user_id=?`, projectID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMembership(ctx context.Context, projectID, userID string) (domain.ProjectMembership, error) {
	return getMembership(ctx, r.DB, projectID, userID)
}

func (r Repo) GetMembershipTx(ctx context.Context, tx *sql.Tx, projectID, userID string) (domain.ProjectMembership, error) {
	return getMembership(ctx, tx, projectID, userID)
}

func getMembership(ctx context.Context, q queryer, projectID, userID string) (domain.ProjectMembership, error) {
	var (
		m    domain.ProjectMembership
		role string
	)
	err := q.QueryRowContext(ctx, `SELECT project_id,user_id,role,joined_at FROM project_members WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&m.ProjectID, &m.UserID, &role, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	m.Role = domain.Role(role)
	return m, err
}

// ListMemberships returns every project membership held by userID.
func (r Repo) ListMemberships(ctx context.Context, userID string) ([]domain.ProjectMembership, error) {
	return r.listMembers(ctx, `SELECT project_id,user_id,role,joined_at FROM project_members WHERE user_id=? ORDER BY project_id`, userID)
}

// ListProjectMembers returns the members of a project.
func (r Repo) ListProjectMembers(ctx context.Context, projectID string) ([]domain.ProjectMembership, error) {
	return r.listMembers(ctx, `SELECT project_id,user_id,role,joined_at FROM project_members WHERE project_id=? ORDER BY joined_at, user_id`, projectID)
}

// CountRole counts members of a project holding role.
func (r Repo) CountRole(ctx context.Context, tx *sql.Tx, projectID string, role domain.Role) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM project_members WHERE project_id=? AND role=?`, projectID, string(role)).Scan(&n)
	return n, err
}

func (r Repo) listMembers(ctx context.Context, query string, arg string) ([]domain.ProjectMembership, error) {
	rows, err := r.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectMembership
	for rows.Next() {
		var (
			m    domain.ProjectMembership
			role string
		)
		if err := rows.Scan(&m.ProjectID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		res = append(res, m)
	}
	return res, rows.Err()
}
