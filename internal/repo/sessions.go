package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"teamflow/internal/domain"
)

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	meta := s.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO sessions(id,user_id,email,metadata_json,expires_at,last_active_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.UserID, nullable(s.Email), string(data), s.ExpiresAt, nullable(s.LastActiveAt), s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var (
		s                  domain.Session
		email, last, revok sql.NullString
		meta               string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,email,metadata_json,expires_at,last_active_at,revoked_at,created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.UserID, &email, &meta, &s.ExpiresAt, &last, &revok, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Email = email.String
	s.LastActiveAt = last.String
	s.RevokedAt = revok.String
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &s.Metadata); err != nil {
			return s, fmt.Errorf("session %s metadata: %w", id, err)
		}
	}
	return s, nil
}

// TouchSession records activity on a live session.
func (r Repo) TouchSession(ctx context.Context, id, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET last_active_at=? WHERE id=? AND revoked_at IS NULL`, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RevokeSession(ctx context.Context, id, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
