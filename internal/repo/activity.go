package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"teamflow/internal/domain"
)

func (r Repo) InsertActivityTx(ctx context.Context, tx *sql.Tx, e domain.ActivityLogEntry) (domain.ActivityLogEntry, error) {
	return insertActivity(ctx, tx, e)
}

// InsertActivity appends an entry outside any transaction.
func (r Repo) InsertActivity(ctx context.Context, e domain.ActivityLogEntry) (domain.ActivityLogEntry, error) {
	return insertActivity(ctx, r.DB, e)
}

func insertActivity(ctx context.Context, ex execer, e domain.ActivityLogEntry) (domain.ActivityLogEntry, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return e, fmt.Errorf("marshal activity details: %w", err)
	}
	res, err := ex.ExecContext(ctx, `INSERT INTO task_activities(task_id,project_id,activity_type,user_id,details_json,created_at) VALUES (?,?,?,?,?,?)`,
		e.TaskID, nullable(e.ProjectID), e.ActivityType, e.UserID, string(data), e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.ID, err = res.LastInsertId()
	return e, err
}

// ActivityFilter selects activity rows. Zero fields match everything.
type ActivityFilter struct {
	TaskID    string
	ProjectID string
	Type      string
	Limit     int
}

// ListActivity returns the newest matching entries first.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilter) ([]domain.ActivityLogEntry, error) {
	query := `SELECT id,task_id,COALESCE(project_id,''),activity_type,user_id,details_json,created_at FROM task_activities WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		query += ` AND activity_type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLogEntry
	for rows.Next() {
		var (
			e   domain.ActivityLogEntry
			raw string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ProjectID, &e.ActivityType, &e.UserID, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &e.Details); err != nil {
				return nil, fmt.Errorf("activity %d: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) (domain.Notification, error) {
	return insertNotification(ctx, tx, n)
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	return insertNotification(ctx, r.DB, n)
}

func insertNotification(ctx context.Context, ex execer, n domain.Notification) (domain.Notification, error) {
	res, err := ex.ExecContext(ctx, `INSERT INTO notifications(user_id,type,title,message,related_task_id,related_project_id,read,created_at) VALUES (?,?,?,?,?,?,0,?)`,
		n.UserID, n.Type, n.Title, nullable(n.Message), nullable(n.RelatedTaskID), nullable(n.RelatedProjectID), n.CreatedAt)
	if err != nil {
		return n, err
	}
	n.ID, err = res.LastInsertId()
	n.Read = false
	return n, err
}

const notificationColumns = `id,user_id,type,title,COALESCE(message,''),COALESCE(related_task_id,''),COALESCE(related_project_id,''),read,created_at`

func scanNotifications(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.RelatedTaskID, &n.RelatedProjectID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// ListNotifications returns a user's notifications, newest first.
func (r Repo) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id=?`
	args := []any{userID}
	if unreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// MarkNotificationRead sets the read flag on a notification owned by userID.
func (r Repo) MarkNotificationRead(ctx context.Context, userID string, id int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NotificationsAfter returns notifications with id > cursor in id order.
func (r Repo) NotificationsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

func (r Repo) LatestNotificationID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM notifications`).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return id.Int64, nil
}
