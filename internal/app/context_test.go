package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"teamflow/internal/boardsync"
	"teamflow/internal/config"
	"teamflow/internal/domain"
	"teamflow/internal/engine"
)

func TestOpenAndResolveProject(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, Options{Workspace: dir, JWTSecret: "secret"})
	require.NoError(t, err)
	defer s.Close()

	_, err = ResolveProject(ctx, s.Repo, "")
	require.Error(t, err)

	_, err = s.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "p1", OwnerID: "ann"})
	require.NoError(t, err)
	p, err := ResolveProject(ctx, s.Repo, "")
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID)

	_, err = s.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "p2", OwnerID: "ann"})
	require.NoError(t, err)
	_, err = ResolveProject(ctx, s.Repo, "")
	require.Error(t, err, "ambiguous without an override")
	p, err = ResolveProject(ctx, s.Repo, "p2")
	require.NoError(t, err)
	require.Equal(t, "p2", p.ID)
	_, err = ResolveProject(ctx, s.Repo, "p9")
	require.ErrorContains(t, err, "not found")

	require.True(t, s.Access.HasRequiredRole(ctx, "ann", []domain.Role{domain.RoleOwner}, "p1"))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("board:\n  columns: []\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir})
	require.ErrorContains(t, err, "load config")

	_, err = Open(context.Background(), Options{Workspace: dir, ConfigPath: filepath.Join(dir, "absent.yml")})
	require.Error(t, err)
}

func TestBoardColumns(t *testing.T) {
	cfg, err := config.FromYAML([]byte("board:\n  columns:\n    - status: todo\n    - status: doing\n      title: Doing\n      wip_limit: 2\n      locked: true\n"))
	require.NoError(t, err)
	cols := BoardColumns(cfg)
	require.Equal(t, []boardsync.Column{
		{Status: "todo", Title: "todo", WIPLimit: boardsync.Unbounded},
		{Status: "doing", Title: "Doing", WIPLimit: 2, Locked: true},
	}, cols)
	require.Nil(t, BoardColumns(nil))
}

func TestBoardRunsAgainstLocalEngine(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "p1", OwnerID: "ann"})
	require.NoError(t, err)
	task, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: "p1", Title: "Plan", CreatorID: "ann"})
	require.NoError(t, err)

	board := s.Board("ann", domain.TaskQuery{ProjectID: "p1"})
	require.NoError(t, board.Start(ctx))
	defer board.Close()

	moved, err := board.MoveTask(ctx, task.ID, domain.StatusReview)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReview, moved.Status)

	stored, err := s.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReview, stored.Status)
}
